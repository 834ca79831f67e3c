package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dverbeek/tierstore/internal/hsm"
	"github.com/dverbeek/tierstore/internal/order/physical"
	"github.com/dverbeek/tierstore/internal/store"
)

func newBackendsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List registered backend types",
		Long:  `List the registered storage backend, HSM connector, and order queue types.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "storage backends:")
			for _, t := range store.Types() {
				fmt.Fprintf(out, "  %s\n", t)
			}

			fmt.Fprintln(out, "hsm connectors:")
			for _, t := range hsm.Types() {
				fmt.Fprintf(out, "  %s\n", t)
			}

			fmt.Fprintln(out, "order queues:")
			for _, t := range physical.Types() {
				fmt.Fprintf(out, "  %s\n", t)
			}
			return nil
		},
	}
	return cmd
}
