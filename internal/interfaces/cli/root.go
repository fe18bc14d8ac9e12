// Package cli implements the molforge operational command tree: one-shot
// CSV ingestion, prediction job inspection, and audit-journal event replay.
// Commands talk to a running apiserver through the SDK client; process exit
// codes classify the failure so shell pipelines can react to it.
package cli

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/client"
	"github.com/molforge/molforge/pkg/errors"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Process exit codes.  Everything that is not one of these maps to 1.
const (
	ExitOK        = 0
	ExitUsage     = 2 // input validation failed
	ExitStore     = 3 // transient store error
	ExitPredictor = 4 // predictor unavailable
	ExitCancelled = 5
)

const defaultServerAddr = "http://localhost:8080"

// RootOptions holds global CLI flags.
type RootOptions struct {
	ServerAddr string
	Token      string
	Timeout    time.Duration
	Output     string
	LogLevel   string
}

// CLIContext carries initialized dependencies through the command tree.
type CLIContext struct {
	Logger logging.Logger
	Client *client.Client
	Output string
}

type cliContextKey struct{}

// NewRootCommand creates the root cobra command with global flags and all
// subcommands attached.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "molforge",
		Short:   "MolForge operations CLI",
		Long:    "Operational commands for a running MolForge server: one-shot CSV\ningestion, prediction job inspection, and audit event replay.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return persistentPreRun(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ServerAddr, "server", defaultServerAddr, "API server address")
	pf.StringVar(&opts.Token, "token", os.Getenv("MOLFORGE_TOKEN"), "bearer token (defaults to MOLFORGE_TOKEN)")
	pf.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "per-request timeout")
	pf.StringVarP(&opts.Output, "output", "o", "text", "output format (text, json)")
	pf.StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		NewIngestCmd(),
		NewJobsCmd(),
		NewReplayEventsCmd(),
	)
	return cmd
}

func persistentPreRun(cmd *cobra.Command, opts *RootOptions) error {
	logger, err := logging.NewLogger(logging.LogConfig{
		Level:            opts.LogLevel,
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	})
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}

	api, err := client.NewClient(opts.ServerAddr, opts.Token, client.WithTimeout(opts.Timeout))
	if err != nil {
		return fmt.Errorf("client initialization failed: %w", err)
	}

	cliCtx := &CLIContext{Logger: logger, Client: api, Output: opts.Output}
	cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cliCtx))
	return nil
}

// GetCLIContext extracts the CLIContext a command runs under.
func GetCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return nil, fmt.Errorf("command context is nil")
	}
	cliCtx, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cliCtx == nil {
		return nil, fmt.Errorf("command dependencies not initialized")
	}
	return cliCtx, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		return ExitCodeFor(err)
	}
	return ExitOK
}

// usageError marks locally detected input validation failures so they exit
// with the same code as server-side validation rejections.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// ExitCodeFor classifies an error into the CLI's exit code contract.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return ExitCancelled
	}

	var uErr *usageError
	if stderrors.As(err, &uErr) {
		return ExitUsage
	}

	var apiErr *client.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.Code {
		case string(errors.ErrCodeCancelled):
			return ExitCancelled
		case string(errors.ErrCodeTransientCircuitOpen), string(errors.ErrCodeExternalService):
			return ExitPredictor
		}
		if apiErr.IsServerError() || apiErr.IsRateLimited() {
			return ExitStore
		}
		if apiErr.IsClientError() {
			return ExitUsage
		}
	}

	// Connection-level failures never reached the server.
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return ExitCancelled
		}
		return ExitStore
	}

	return 1
}

// printResult renders data in the selected output format.
func printResult(cmd *cobra.Command, data interface{}) error {
	cliCtx, err := GetCLIContext(cmd)
	if err == nil && strings.EqualFold(cliCtx.Output, "json") {
		return printJSON(cmd, data)
	}
	switch v := data.(type) {
	case string:
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	case fmt.Stringer:
		fmt.Fprintln(cmd.OutOrStdout(), v.String())
		return nil
	default:
		return printJSON(cmd, data)
	}
}

func printJSON(cmd *cobra.Command, data interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// FormatTable renders headers and rows as an aligned ASCII table.
func FormatTable(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}

	colWidths := make([]int, len(headers))
	for i, h := range headers {
		colWidths[i] = len(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(colWidths); i++ {
			if len(row[i]) > colWidths[i] {
				colWidths[i] = len(row[i])
			}
		}
	}

	var sb strings.Builder
	for i, h := range headers {
		if i > 0 {
			sb.WriteString("  ")
		}
		sb.WriteString(padRight(h, colWidths[i]))
	}
	sb.WriteString("\n")
	for i, w := range colWidths {
		if i > 0 {
			sb.WriteString("  ")
		}
		sb.WriteString(strings.Repeat("-", w))
	}
	sb.WriteString("\n")
	for _, row := range rows {
		for i := 0; i < len(headers); i++ {
			if i > 0 {
				sb.WriteString("  ")
			}
			val := ""
			if i < len(row) {
				val = row[i]
			}
			sb.WriteString(padRight(val, colWidths[i]))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
