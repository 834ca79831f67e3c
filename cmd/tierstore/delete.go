package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	var pool string

	cmd := &cobra.Command{
		Use:   "delete <domain> <uid>",
		Short: "Delete a document",
		Long: `Delete every variant of a document from all backends of a domain.

Succeeds when at least one backend held the document.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := openEnv(ctx, cmd, v)
			if err != nil {
				return err
			}
			defer env.close(ctx)

			var deleted bool
			if pool != "" {
				if len(args) != 1 {
					return fmt.Errorf("usage with --pool: delete --pool <pool> <uid>")
				}
				deleted, err = env.router.DeletePool(ctx, pool, args[0])
			} else {
				if len(args) != 2 {
					return fmt.Errorf("usage: delete <domain> <uid>")
				}
				deleted, err = env.router.Delete(ctx, args[0], args[1])
			}
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("document not found")
			}
			fmt.Println("deleted")
			return nil
		},
	}

	cmd.Flags().StringVar(&pool, "pool", "", "target a pool instead of a domain")
	return cmd
}
