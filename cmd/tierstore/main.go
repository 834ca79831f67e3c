package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "tierstore",
		Short: "Tiered storage and reliable dispatch engine",
		Long: `Tierstore - tiered document storage with near-line migration.

Server commands:
  tierstore start                  Run the storage engine

Client commands:
  tierstore store <domain> <uid> <file>   Store a document
  tierstore get <domain> <uid>            Retrieve a document
  tierstore delete <domain> <uid>         Delete a document
  tierstore status                        Show backend availability
  tierstore backends                      List registered backend types
  tierstore orders                        Show order queue state`,
	}

	rootCmd.PersistentFlags().String("config", "", "config file path")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default ~/.tierstore)")
	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	rootCmd.AddCommand(newStartCmd())

	rootCmd.AddCommand(newStoreCmd(v))
	rootCmd.AddCommand(newGetCmd(v))
	rootCmd.AddCommand(newDeleteCmd(v))
	rootCmd.AddCommand(newStatusCmd(v))
	rootCmd.AddCommand(newBackendsCmd())
	rootCmd.AddCommand(newOrdersCmd(v))

	return rootCmd.ExecuteContext(context.Background())
}
