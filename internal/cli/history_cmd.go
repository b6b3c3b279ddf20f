package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"bakeplan/api/internal/client"
)

func newExportCmd() *cobra.Command {
	var remote remoteFlags
	var format, output string

	cmd := &cobra.Command{
		Use:   "export <plan>",
		Short: "Download a plan as PDF, DOCX or HTML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, filename, err := client.New(remote.server, remote.token).Download(cmd.Context(), args[0], format)
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Base(filename)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", output, len(data))
			return nil
		},
	}

	remote.register(cmd)
	cmd.Flags().StringVar(&format, "format", "pdf", "pdf, docx or html")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: the name the server suggests)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var remote remoteFlags
	var limit int

	cmd := &cobra.Command{
		Use:   "history <plan>",
		Short: "List the saved revisions of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			revisions, err := client.New(remote.server, remote.token).Revisions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(revisions) == 0 {
				fmt.Fprintln(out, "No revisions yet")
				return nil
			}
			for _, rev := range revisions {
				fmt.Fprintf(out, "%s  %s  %-12s %s\n", rev.Hash, rev.CreatedAt.Local().Format("2006-01-02 15:04"), rev.Author, rev.Message)
			}
			return nil
		},
	}

	remote.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum revisions to list")
	return cmd
}
