// Package cli — configcmd.go implements the "dil config" command group.
//
// "config show" prints the fully resolved configuration (defaults, the
// config file, DIL_* environment variables and flags), which is the
// quickest way to see why the launcher picked a given port or manifest.
// The governance secret is never printed.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/dil/internal/config"
)

// NewConfigCommand creates the "config" cobra command and its subcommands.
// It is called from NewRootCommand to register as a subcommand.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Long: `Print the configuration after applying defaults, the config file, DIL_*
environment variables and flags. Output is YAML, or JSON with --json.

Examples:
  dil config show
  DIL_SERVER__PORT=9000 dil config show --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runConfigShow(cfg, cmd.OutOrStdout())
		},
	}
	// Every config flag is accepted so their effect can be previewed.
	addServerFlags(show.Flags())
	addEnvironmentFlags(show.Flags())
	addLaunchFlags(show.Flags())
	addLedgerFlags(show.Flags())
	addLogFlags(show.Flags())

	cmd.AddCommand(show)
	return cmd
}

// runConfigShow writes cfg as YAML or JSON.
func runConfigShow(cfg *config.Config, w io.Writer) error {
	if IsJSONOutput() {
		return printJSON(w, cfg)
	}

	if cfg.File != "" {
		_, _ = fmt.Fprintf(w, "# loaded from %s\n", cfg.File)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
