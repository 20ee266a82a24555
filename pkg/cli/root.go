// Package cli implements the reqmod command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	adminURL   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "reqmod",
	Short: "Request interception and modification server",
	Long: `reqmod intercepts network requests, matches them against
prioritized rules and applies header, redirect, block, mock and delay
modifications. Traffic and rule state persist in a quota-aware store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "http://127.0.0.1:4290", "Admin API base URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output machine-readable JSON")
}

// Execute runs the CLI. Version is stamped at build time.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}
