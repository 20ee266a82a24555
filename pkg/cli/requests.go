package cli

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/getreqmod/reqmod/pkg/requestlog"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect the request log on a running server",
}

type requestListResponse struct {
	Requests []*requestlog.Entry `json:"requests"`
	Count    int                 `json:"count"`
}

var requestsLimit int

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured requests, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/requests?limit=%d", requestsLimit)
		var resp requestListResponse
		if err := NewAdminClient(adminURL).do(http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(resp)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tMETHOD\tSTATUS\tMODIFIED\tURL")
		for _, e := range resp.Requests {
			ts := time.UnixMilli(e.Timing.StartTime).Format(time.TimeOnly)
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\n", e.ID, ts, e.Method, e.ResponseStatus, e.Modified, e.URL)
		}
		return w.Flush()
	},
}

var requestsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one captured request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var e requestlog.Entry
		if err := NewAdminClient(adminURL).do(http.MethodGet, "/requests/"+args[0], nil, &e); err != nil {
			return err
		}
		return printJSON(e)
	},
}

var requestsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the request log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := NewAdminClient(adminURL).do(http.MethodDelete, "/requests", nil, nil); err != nil {
			return err
		}
		fmt.Println("request log cleared")
		return nil
	},
}

func init() {
	requestsListCmd.Flags().IntVar(&requestsLimit, "limit", 50, "Maximum entries to show")
	requestsCmd.AddCommand(requestsListCmd, requestsGetCmd, requestsClearCmd)
	rootCmd.AddCommand(requestsCmd)
}
