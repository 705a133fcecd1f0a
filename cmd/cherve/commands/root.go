package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cherve",
		Short: "cherve - single-server PHP hosting provisioner",
		Long: `cherve prepares one Ubuntu host for PHP hosting and manages the sites on it.

Each site gets its own Linux account, deploy key, optional database and
nginx configuration per domain. Sites start on a landing page and switch
to the deployed application with "cherve site activate".`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "stream output of every external command")

	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(newSiteCommand())
	rootCmd.AddCommand(newDomainCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
