package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpfleet/fleet"
	"github.com/petal-labs/mcpfleet/process"
	"github.com/petal-labs/mcpfleet/tool"
)

// NewToolsCmd creates the "tools" command group. Its commands talk to a
// running daemon.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and drive the tools of a running fleet",
	}
	cmd.PersistentFlags().String("server", "", "Daemon URL (default: $MCPFLEET_SERVER or "+defaultServer+")")
	cmd.PersistentFlags().Duration("request-timeout", 2*time.Minute, "HTTP request timeout")

	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsStatusCmd())
	cmd.AddCommand(newToolsCallCmd())
	cmd.AddCommand(newToolsDiscoverCmd())
	cmd.AddCommand(newToolsLogsCmd())
	for _, action := range []string{"start", "stop", "restart", "reset"} {
		cmd.AddCommand(newToolsLifecycleCmd(action))
	}

	return cmd
}

func newToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools and their state",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
	cmd.Flags().Bool("capabilities", false, "Query tools/list on running tools")
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	client, err := resolveClient(cmd)
	if err != nil {
		return err
	}
	withCaps, _ := cmd.Flags().GetBool("capabilities")
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	if withCaps {
		var resp struct {
			Tools []fleet.AvailableTool `json:"tools"`
		}
		if err := client.do(cmd.Context(), http.MethodGet, "/api/tools?capabilities=true", nil, &resp); err != nil {
			return err
		}
		if asJSON {
			return writeJSONOutput(out, resp.Tools)
		}
		writer := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(writer, "NAME\tSTATUS\tCONNECTION\tCAPABILITIES")
		for _, t := range resp.Tools {
			caps := make([]string, 0, len(t.Capabilities))
			for _, c := range t.Capabilities {
				caps = append(caps, c.Name)
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", t.Name, t.Status, t.ConnectionType, orDash(strings.Join(caps, ",")))
		}
		return writer.Flush()
	}

	var resp struct {
		Tools []fleet.ToolStatus `json:"tools"`
	}
	if err := client.do(cmd.Context(), http.MethodGet, "/api/tools", nil, &resp); err != nil {
		return err
	}
	if asJSON {
		return writeJSONOutput(out, resp.Tools)
	}
	writer := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tSTATE\tPID\tUPTIME\tRESTARTS\tCONNECTION\tHEALTH")
	for _, st := range resp.Tools {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			st.Name,
			st.State,
			displayPID(st.PID),
			displayUptime(st),
			st.RestartCount,
			orDash(string(st.ConnectionType)),
			displayHealth(st),
		)
	}
	return writer.Flush()
}

func newToolsStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show the lifecycle status of a tool",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsStatus,
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func runToolsStatus(cmd *cobra.Command, args []string) error {
	client, err := resolveClient(cmd)
	if err != nil {
		return err
	}
	var st fleet.ToolStatus
	if err := client.do(cmd.Context(), http.MethodGet, toolPath(args[0]), nil, &st); err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSONOutput(cmd.OutOrStdout(), st)
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func printStatus(w io.Writer, st fleet.ToolStatus) {
	fmt.Fprintf(w, "Name:       %s\n", st.Name)
	fmt.Fprintf(w, "State:      %s\n", st.State)
	fmt.Fprintf(w, "PID:        %s\n", displayPID(st.PID))
	fmt.Fprintf(w, "Uptime:     %s\n", displayUptime(st))
	fmt.Fprintf(w, "Restarts:   %d\n", st.RestartCount)
	fmt.Fprintf(w, "Connection: %s\n", orDash(string(st.ConnectionType)))
	fmt.Fprintf(w, "Health:     %s\n", displayHealth(st))
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error: %s (%s)\n", st.LastError, st.LastErrorKind)
	}
}

func newToolsLifecycleCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <name>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			var st fleet.ToolStatus
			if err := client.do(cmd.Context(), http.MethodPost, toolPath(args[0], action), nil, &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (pid %s)\n", st.Name, st.State, displayPID(st.PID))
			return nil
		},
	}
}

func newToolsCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <name> <method>",
		Short: "Send a JSON-RPC request to a tool",
		Args:  cobra.ExactArgs(2),
		RunE:  runToolsCall,
	}
	cmd.Flags().String("params", "", "Request params as a JSON value")
	cmd.Flags().String("session", "", "Named session to pin the call to")
	cmd.Flags().Duration("timeout", 0, "Call timeout (default: the tool's timeout)")
	return cmd
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	client, err := resolveClient(cmd)
	if err != nil {
		return err
	}
	rawParams, _ := cmd.Flags().GetString("params")
	sessionID, _ := cmd.Flags().GetString("session")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	body := map[string]any{"method": args[1]}
	if strings.TrimSpace(rawParams) != "" {
		if !json.Valid([]byte(rawParams)) {
			return exitError(exitValidation, "--params must be valid JSON")
		}
		body["params"] = json.RawMessage(rawParams)
	}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	if timeout > 0 {
		body["timeout"] = timeout.String()
	}

	var result fleet.CallResult
	if err := client.do(cmd.Context(), http.MethodPost, toolPath(args[0], "call"), body, &result); err != nil {
		return err
	}
	if !result.Success {
		kind, message := tool.KindToolUnavailable, "call failed"
		if result.Error != nil {
			kind, message = result.Error.Kind, result.Error.Message
		}
		code := exitCallFailed
		if kind == tool.KindRequestTimeout {
			code = exitTimeout
		}
		return exitError(code, "%s: %s", kind, message)
	}
	if err := writeJSONOutput(cmd.OutOrStdout(), result.Result); err != nil {
		return err
	}
	if result.SessionID != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "session=%s attempts=%d time=%s\n", result.SessionID, result.Attempts, result.ExecutionTime)
	}
	return nil
}

func newToolsDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover [path...]",
		Short: "Scan paths for tool definitions and apply the changes",
		RunE:  runToolsDiscover,
	}
	cmd.Flags().BoolP("recursive", "r", false, "Descend into subdirectories")
	return cmd
}

func runToolsDiscover(cmd *cobra.Command, args []string) error {
	client, err := resolveClient(cmd)
	if err != nil {
		return err
	}
	recursive, _ := cmd.Flags().GetBool("recursive")

	var resp struct {
		New       []string `json:"new"`
		Updated   []string `json:"updated"`
		Removed   []string `json:"removed"`
		Unchanged int      `json:"unchanged"`
		Scanned   int      `json:"scanned"`
	}
	body := map[string]any{"paths": args, "recursive": recursive}
	if err := client.do(cmd.Context(), http.MethodPost, "/api/discover", body, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scanned %d file(s): %d new, %d updated, %d removed, %d unchanged\n",
		resp.Scanned, len(resp.New), len(resp.Updated), len(resp.Removed), resp.Unchanged)
	for _, name := range resp.New {
		fmt.Fprintf(out, "  + %s\n", name)
	}
	for _, name := range resp.Updated {
		fmt.Fprintf(out, "  ~ %s\n", name)
	}
	for _, name := range resp.Removed {
		fmt.Fprintf(out, "  - %s\n", name)
	}
	return nil
}

func newToolsLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print recent output of a tool process",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsLogs,
	}
	cmd.Flags().IntP("lines", "n", 100, "Number of lines")
	return cmd
}

func runToolsLogs(cmd *cobra.Command, args []string) error {
	client, err := resolveClient(cmd)
	if err != nil {
		return err
	}
	n, _ := cmd.Flags().GetInt("lines")
	var resp struct {
		Lines []process.LogLine `json:"lines"`
	}
	path := fmt.Sprintf("%s?n=%d", toolPath(args[0], "logs"), n)
	if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	for _, line := range resp.Lines {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", line.Time.Format(time.RFC3339), line.Stream, line.Text)
	}
	return nil
}

func writeJSONOutput(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func displayPID(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func displayUptime(st fleet.ToolStatus) string {
	if st.State != process.StateRunning {
		return "-"
	}
	return st.Uptime.Truncate(time.Second).String()
}

func displayHealth(st fleet.ToolStatus) string {
	switch {
	case st.Health.Suspended:
		return "suspended"
	case st.Health.Checks == 0:
		return "-"
	case st.Health.Healthy:
		return "healthy"
	default:
		return fmt.Sprintf("unhealthy (%d)", st.Health.ConsecutiveFailures)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
