// Package cli — checkport.go implements the "dil check-port" command.
//
// The check-port command runs the same preflight "dil launch" performs
// before starting a server: it tries to bind the listen port and reports
// whether it is free. When the port is taken it exits with code 4 and,
// if one is free nearby, names a port the operator could pass with
// --port instead. It never changes any configuration itself.
package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dil/internal/config"
	"github.com/mmr-tortoise/dil/internal/model"
	"github.com/mmr-tortoise/dil/internal/port"
)

// NewCheckPortCommand creates the "check-port" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewCheckPortCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-port",
		Short: "Check that the listen port is free",
		Long: `Check whether the listen port (default 8000) can be bound right now.

Examples:
  dil check-port
  dil check-port --port 8080 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runCheckPort(cfg, port.NewScannerForHost(cfg.Server.Host), cmd.OutOrStdout())
		},
	}
	addServerFlags(cmd.Flags())
	return cmd
}

// checkPortJSON is the JSON output of the check-port command.
type checkPortJSON struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Available  bool   `json:"available"`
	Suggestion int    `json:"suggestion,omitempty"`
}

// runCheckPort checks the configured port with scanner.
func runCheckPort(cfg *config.Config, scanner *port.Scanner, w io.Writer) error {
	checkErr := scanner.Check(cfg.Server.Port)

	result := checkPortJSON{Host: cfg.Server.Host, Port: cfg.Server.Port, Available: checkErr == nil}
	var inUse *model.AddressInUseError
	if errors.As(checkErr, &inUse) {
		result.Suggestion = inUse.Suggestion
	} else if checkErr != nil {
		return fmt.Errorf("failed to check port %d: %w", cfg.Server.Port, checkErr)
	}

	if IsJSONOutput() {
		if err := printJSON(w, result); err != nil {
			return err
		}
	} else if result.Available {
		_, _ = fmt.Fprintf(w, "Address %s is available.\n", cfg.Address())
	}
	return checkErr
}
