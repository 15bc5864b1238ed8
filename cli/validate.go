package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpfleet/daemon"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a fleet file without starting any tool",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")

	return cmd
}

type validateReport struct {
	Path   string         `json:"path"`
	Valid  bool           `json:"valid"`
	Error  string         `json:"error,omitempty"`
	Tools  []validateTool `json:"tools,omitempty"`
	Config any            `json:"fleet,omitempty"`
}

type validateTool struct {
	Name           string `json:"name"`
	ConnectionType string `json:"connection_type"`
	Command        string `json:"command,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitValidation, "unknown format %q", format)
	}
	out := cmd.OutOrStdout()

	explicit := ""
	if len(args) == 1 {
		explicit = args[0]
		if _, err := os.Stat(explicit); errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", explicit)
		}
	}
	path, found, err := daemon.DiscoverConfigPath(explicit)
	if err != nil {
		return exitError(exitFileNotFound, "%v", err)
	}
	if !found {
		return exitError(exitFileNotFound, "no fleet file found (looked for --config, $%s, ./mcpfleet.yaml, ~/.mcpfleet/config.yaml)", daemon.EnvConfigPath)
	}

	report := validateReport{Path: path}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		report.Error = err.Error()
	} else {
		report.Valid = true
		report.Config = cfg.Fleet
		for _, def := range cfg.Definitions("") {
			def = def.Normalize()
			entry := validateTool{Name: def.Name, ConnectionType: string(def.ConnectionType), Command: def.Command}
			if def.ConnectionType.Network() {
				entry.Endpoint = def.Endpoint()
			}
			report.Tools = append(report.Tools, entry)
		}
	}

	if format == "json" {
		if err := writeJSONOutput(out, report); err != nil {
			return err
		}
	} else {
		printValidateReport(out, report)
	}
	if !report.Valid {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

func printValidateReport(w io.Writer, report validateReport) {
	if !report.Valid {
		fmt.Fprintf(w, "%s: invalid\n  %s\n", report.Path, report.Error)
		return
	}
	fmt.Fprintf(w, "%s: valid (%d tool(s))\n", report.Path, len(report.Tools))
	if len(report.Tools) == 0 {
		return
	}
	writer := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tCONNECTION\tTARGET")
	for _, t := range report.Tools {
		target := t.Command
		if t.Endpoint != "" {
			target = t.Endpoint
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", t.Name, t.ConnectionType, orDash(target))
	}
	_ = writer.Flush()
}
