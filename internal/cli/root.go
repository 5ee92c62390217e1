// Package cli implements the cobra-based CLI commands for dil.
//
// Each subcommand (launch, install, serve, ledger, env, check-port,
// config) is defined in its own file within this package. This file
// defines the root command that serves as the parent for all subcommands
// and handles global flags.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dil/internal/config"
	"github.com/mmr-tortoise/dil/internal/logging"
	"github.com/mmr-tortoise/dil/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	// When true, all output uses structured JSON format for machine consumption.
	// When false (default), output uses human-readable text format.
	jsonOutput bool

	// verbose enables debug logging on stderr.
	verbose bool

	// cfgFile is an explicit config file. When empty, dil.yaml, dil.yml,
	// dil.jsonc and dil.json are looked up in the working directory.
	cfgFile string
)

// version, commit, and date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI application.
//
// The root command itself does not perform any action. It only provides
// help text and global flags; the subcommands do the work.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		// Use is the one-line usage pattern shown in help output.
		Use:   "dil",
		Short: "Deterministic Integrity Layer launcher and service",
		Long: `dil installs a dependency manifest into an isolated environment and then
starts a server on a fixed local port (default 8000) that serves a
dashboard at / and API documentation at /docs.

The bundled server ("dil serve", the default entry point) audits
transactions against deterministic guardrails and records every decision
in a SHA-256 chained ledger.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		// We handle error output ourselves for cleaner UX.
		SilenceUsage: true,

		// SilenceErrors prevents cobra from printing errors automatically.
		// We format errors ourselves (text or JSON based on --json flag).
		SilenceErrors: true,

		// Version is displayed when --version flag is used.
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		// Logging is configured once, before any subcommand runs, so
		// every component logger shares the same sink and level.
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
			if verbose {
				logging.SetLevel("debug")
			}
		},
	}

	// PersistentFlags are inherited by all subcommands. This is the cobra
	// mechanism for global flags: any flag defined here is automatically
	// available in every subcommand without re-declaration.
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default: dil.yaml, dil.yml, dil.jsonc or dil.json)")

	// Register subcommands. Each subcommand is defined in its own file
	// (launch.go, serve.go, etc.) and returns a *cobra.Command.
	rootCmd.AddCommand(NewLaunchCommand())
	rootCmd.AddCommand(NewInstallCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewLedgerCommand())
	rootCmd.AddCommand(NewEnvCommand())
	rootCmd.AddCommand(NewCheckPortCommand())
	rootCmd.AddCommand(NewConfigCommand())

	return rootCmd
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// It inspects errors returned by cobra commands and translates them
// into appropriate OS exit codes via ToCLIError.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		cliErr := ToCLIError(err)
		printError(os.Stderr, cliErr.Message, cliErr.Err)
		os.Exit(int(cliErr.Code))
	}
}

// ToCLIError maps any command error to a CLIError carrying its exit code.
//
// The order matters: a CLIError anywhere in the chain wins, so a missing
// manifest (an InstallationError wrapping an ExitManifestNotFound
// CLIError) exits with 2 rather than 5. Typed domain errors come next,
// and anything else is a general error.
func ToCLIError(err error) *model.CLIError {
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) {
		return cliErr
	}

	var inUse *model.AddressInUseError
	if errors.As(err, &inUse) {
		return model.NewCLIError(model.ExitAddressInUse, inUse.Error())
	}

	var instErr *model.InstallationError
	if errors.As(err, &instErr) {
		return model.NewCLIError(model.ExitInstallationFailed, instErr.Error())
	}

	return model.NewCLIError(model.ExitGeneralError, err.Error())
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(w io.Writer, message string, underlying error) {
	if jsonOutput {
		// JSON error format: {"error": {"message": ..., "detail": ...}}.
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		// Errors go to stderr even in JSON mode, because stdout is
		// reserved for successful command output.
		data, _ := json.MarshalIndent(errObj, "", "  ")
		_, _ = fmt.Fprintln(w, string(data))
		return
	}

	// Text format: "Error: <message>" on stderr.
	if underlying != nil {
		_, _ = fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		_, _ = fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// VerboseLog prints a message to stderr only when verbose mode is enabled.
// This is used throughout the CLI for trace output that helps users
// understand what operations are being performed.
func VerboseLog(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// loadConfig resolves configuration for cmd: defaults, the config file,
// DIL_* environment variables and the flags the user actually set.
// The log level from configuration applies unless --verbose overrides it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if !verbose && !logging.SetLevel(cfg.Log.Level) {
		return nil, model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("invalid log level %q", cfg.Log.Level))
	}
	if cfg.File != "" {
		VerboseLog("Loaded config file %s", cfg.File)
	}
	return cfg, nil
}

// printJSON writes v as indented JSON to w.
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
