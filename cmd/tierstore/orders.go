package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dverbeek/tierstore/internal/config"
	"github.com/dverbeek/tierstore/internal/order/physical"
)

func newOrdersCmd(v *viper.Viper) *cobra.Command {
	var dead int

	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Show order queue state",
		Long: `Show the pending order count and, with --dead, the dead letter sink.

Examples:
  tierstore orders
  tierstore orders --dead 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			configFile, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			queueCfg := cfg.Order.Config
			if queueCfg == nil {
				queueCfg = make(map[string]string)
			}
			if cfg.Order.Backend == "badger" && queueCfg["path"] == "" {
				queueCfg["path"] = filepath.Join(cfg.DataDir, "orders")
			}
			if cfg.Order.Backend == "sqlite" && queueCfg["path"] == "" {
				queueCfg["path"] = filepath.Join(cfg.DataDir, "orders.db")
			}

			queue, err := physical.New(ctx, cfg.Order.Backend, queueCfg)
			if err != nil {
				return fmt.Errorf("open order queue: %w", err)
			}
			defer func() { _ = queue.Close() }()

			n, err := queue.Len(ctx)
			if err != nil {
				return fmt.Errorf("queue length: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending orders: %d\n", n)

			if dead <= 0 {
				return nil
			}
			letters, err := queue.DeadLetters(ctx, dead)
			if err != nil {
				return fmt.Errorf("dead letters: %w", err)
			}
			if len(letters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "dead letters: none")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDESTINATION\tFAILURES\tLAST ERROR")
			for _, o := range letters {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					o.ID, o.Destination, o.FailureCount, o.LastError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&dead, "dead", 0, "also list up to N dead-lettered orders")
	return cmd
}
