package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newGetCmd(v *viper.Viper) *cobra.Command {
	var mime string
	var output string

	cmd := &cobra.Command{
		Use:   "get <domain> <uid>",
		Short: "Retrieve a document",
		Long: `Retrieve a document from the best-available copy in a domain.

The document bytes go to --output, or stdout when unset.

Examples:
  tierstore get archive doc-001 -o report.pdf
  tierstore get archive doc-001 --mime application/pdf > report.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			domain, uid := args[0], args[1]

			env, err := openEnv(ctx, cmd, v)
			if err != nil {
				return err
			}
			defer env.close(ctx)

			doc, err := env.router.Retrieve(ctx, domain, uid, mime)
			if err != nil {
				return err
			}
			if doc == nil {
				return fmt.Errorf("document %q not found in domain %q", uid, domain)
			}

			rc, err := env.router.Open(ctx, domain, doc)
			if err != nil {
				return err
			}
			defer func() { _ = rc.Close() }()

			out := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer func() { _ = f.Close() }()
				out = f
			}

			n, err := io.Copy(out, rc)
			if err != nil {
				return fmt.Errorf("copy document: %w", err)
			}
			if output != "" {
				fmt.Fprintf(os.Stderr, "wrote %d bytes from %s (%s)\n", n, doc.Backend, doc.Availability)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mime, "mime", "", "document mime type (empty = first variant)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}
