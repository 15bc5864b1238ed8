package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewLogger returns a text logger on w. verbose wins over quiet.
func NewLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// commandLogger builds the logger for cmd from the root --verbose and
// --quiet flags. Commands built without the root flags log at info.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	return NewLogger(cmd.ErrOrStderr(), verbose, quiet)
}
