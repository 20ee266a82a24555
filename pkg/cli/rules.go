package cli

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/getreqmod/reqmod/pkg/rule"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage interception rules on a running server",
}

type ruleListResponse struct {
	Rules []*rule.Rule `json:"rules"`
	Count int          `json:"count"`
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp ruleListResponse
		if err := NewAdminClient(adminURL).do(http.MethodGet, "/rules", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(resp)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENABLED\tPRIORITY\tPATTERN")
		for _, r := range resp.Rules {
			fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", r.ID, r.Name, r.Enabled, r.Priority, r.URLPattern)
		}
		return w.Flush()
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r rule.Rule
		if err := NewAdminClient(adminURL).do(http.MethodGet, "/rules/"+args[0], nil, &r); err != nil {
			return err
		}
		return printJSON(r)
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := NewAdminClient(adminURL).do(http.MethodDelete, "/rules/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

var (
	toggleEnable  bool
	toggleDisable bool
)

var rulesToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Enable or disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if toggleEnable == toggleDisable {
			return fmt.Errorf("exactly one of --enable or --disable is required")
		}
		body := map[string]bool{"enabled": toggleEnable}
		if err := NewAdminClient(adminURL).do(http.MethodPost, "/rules/"+args[0]+"/toggle", body, nil); err != nil {
			return err
		}
		state := "disabled"
		if toggleEnable {
			state = "enabled"
		}
		fmt.Println(args[0], state)
		return nil
	},
}

var exportFormat string

var rulesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all rules to stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := NewAdminClient(adminURL).doRaw(http.MethodGet, "/rules/export?format="+exportFormat, nil)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var importMode string

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import rules from a file",
	Long: `Import rules from a JSON or YAML file. The whole batch is
validated first; a single invalid rule rejects the import.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		result, err := NewAdminClient(adminURL).doRaw(http.MethodPost, "/rules/import?mode="+importMode, data)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(result, '\n'))
		return err
	},
}

func init() {
	rulesToggleCmd.Flags().BoolVar(&toggleEnable, "enable", false, "Enable the rule")
	rulesToggleCmd.Flags().BoolVar(&toggleDisable, "disable", false, "Disable the rule")
	rulesExportCmd.Flags().StringVar(&exportFormat, "format", "json", "Export format: json or yaml")
	rulesImportCmd.Flags().StringVar(&importMode, "mode", "merge", "Import mode: merge or replace")

	rulesCmd.AddCommand(rulesListCmd, rulesGetCmd, rulesDeleteCmd, rulesToggleCmd, rulesExportCmd, rulesImportCmd)
	rootCmd.AddCommand(rulesCmd)
}
