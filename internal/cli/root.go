// Package cli holds the bakeplan command tree.
package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// remoteFlags are shared by commands that talk to a running API server.
type remoteFlags struct {
	server string
	token  string
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", envOr("BAKEPLAN_SERVER", "http://localhost:8787"), "API base URL")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("BAKEPLAN_TOKEN"), "Bearer token from `bakeplan login`")
}

// NewRootCmd creates the top-level "bakeplan" command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bakeplan",
		Short:         "Collaborative bakery business plans",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newLoginCmd(),
		newWatchCmd(),
		newSetCmd(),
		newExportCmd(),
		newHistoryCmd(),
	)

	return root
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
