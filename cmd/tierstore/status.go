package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend availability",
		Long:  `Show the current availability of every configured storage backend.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := openEnv(ctx, cmd, v)
			if err != nil {
				return err
			}
			defer env.close(ctx)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DOMAIN\tBACKEND\tTYPE\tAVAILABILITY")
			for _, domain := range env.registry.Domains() {
				instances, err := env.registry.Domain(domain)
				if err != nil {
					return err
				}
				for _, inst := range instances {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						domain, inst.Name, inst.Type,
						inst.Backend.Availability(ctx))
				}
			}
			return w.Flush()
		},
	}
	return cmd
}
