package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/getreqmod/reqmod/pkg/api"
	"github.com/getreqmod/reqmod/pkg/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show status of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status api.StatusResponse
		if err := NewAdminClient(adminURL).do(http.MethodGet, "/status", nil, &status); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(status)
		}

		fmt.Printf("status:   %s (version %s, up %s)\n", status.Status, status.Version, status.Uptime)
		fmt.Printf("rules:    %d (%d active)\n", status.RuleCount, status.ActiveRules)
		fmt.Printf("requests: %d logged\n", status.LogCount)
		fmt.Printf("storage:  %d / %d bytes (%.1f%%)\n",
			status.Storage.BytesInUse, status.Storage.Quota, status.Storage.PercentUsed*100)
		fmt.Printf("matched:  %d of %d evaluated\n", status.Stats.Matched, status.Stats.Total)
		return nil
	},
}

var validateConfigPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file without starting the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if validateConfigPath == "" {
			return fmt.Errorf("--config is required")
		}
		cfg, err := config.LoadFromFile(validateConfigPath)
		if err != nil {
			return err
		}
		fmt.Printf("%s is valid (listen %s, %s storage)\n", validateConfigPath, cfg.Listen, cfg.Storage.Backend)
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigPath, "config", "c", "", "Configuration file to validate")
	rootCmd.AddCommand(statusCmd, validateCmd)
}
