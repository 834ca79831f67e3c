package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dverbeek/tierstore/internal/store"
)

func newStoreCmd(v *viper.Viper) *cobra.Command {
	var mime string
	var pool string

	cmd := &cobra.Command{
		Use:   "store <domain> <uid> <file>",
		Short: "Store a document",
		Long: `Store a document in the best-available backend of a domain.

Use --pool to address a pool instead of a domain. Pass "-" as the file
to read from stdin.

Examples:
  tierstore store archive doc-001 report.pdf
  tierstore store archive doc-001 - < report.pdf
  tierstore store --pool near doc-001 report.pdf --mime application/pdf`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := openEnv(ctx, cmd, v)
			if err != nil {
				return err
			}
			defer env.close(ctx)

			var target, uid, file string
			if pool != "" {
				if len(args) != 2 {
					return fmt.Errorf("usage with --pool: store --pool <pool> <uid> <file>")
				}
				uid, file = args[0], args[1]
			} else {
				if len(args) != 3 {
					return fmt.Errorf("usage: store <domain> <uid> <file>")
				}
				target, uid, file = args[0], args[1], args[2]
			}

			in := os.Stdin
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}

			var doc *store.Document
			if pool != "" {
				doc, err = env.router.StorePool(ctx, pool, uid, mime, in)
			} else {
				doc, err = env.router.Store(ctx, target, uid, mime, in)
			}
			if err != nil {
				return err
			}

			if doc == nil {
				fmt.Printf("%s already stored (no-op)\n", uid)
				return nil
			}
			fmt.Printf("stored %s\n", uid)
			fmt.Printf("  backend: %s\n", doc.Backend)
			fmt.Printf("  size:    %d\n", doc.Size)
			fmt.Printf("  hash:    %s\n", doc.Hash)
			return nil
		},
	}

	cmd.Flags().StringVar(&mime, "mime", "", "document mime type")
	cmd.Flags().StringVar(&pool, "pool", "", "target a pool instead of a domain")
	return cmd
}
