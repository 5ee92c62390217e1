// Package cli — install.go implements the "dil install" command.
//
// The install command runs only the first half of a launch: it parses the
// manifest and installs every package into an isolated environment,
// without touching the listen port. It is useful for checking that a
// manifest resolves before launching, and with --env-dir for preparing a
// venv that "dil launch --env-dir" then reuses without reinstalling.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dil/internal/config"
	"github.com/mmr-tortoise/dil/internal/launcher"
	"github.com/mmr-tortoise/dil/internal/logging"
	"github.com/mmr-tortoise/dil/internal/model"
)

// NewInstallCommand creates the "install" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewInstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the manifest into an isolated environment without starting a server",
		Long: `Parse the manifest and install every package into an isolated environment.
The environment is removed afterwards unless --keep-env is given.

Examples:
  dil install
  dil install --manifest requirements-dev.txt --keep-env
  dil install --env-dir .venv && dil launch --env-dir .venv
  dil install --env docker --json`,

		// No positional arguments are accepted.
		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runInstall(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	addEnvironmentFlags(cmd.Flags())
	addLogFlags(cmd.Flags())

	return cmd
}

// installResultJSON is the JSON output of the install command.
type installResultJSON struct {
	Manifest    string   `json:"manifest"`
	Fingerprint string   `json:"fingerprint"`
	Packages    []string `json:"packages"`
	Environment string   `json:"environment"`
	Location    string   `json:"location,omitempty"`
	Kept        bool     `json:"kept"`
}

// runInstall is the main logic function for the install command.
func runInstall(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	log := logging.New("cli")

	// Step 1: Build the environment the packages go into.
	env, err := newEnvironment(cfg, stderr, log)
	if err != nil {
		return err
	}
	// Teardown honours --keep-env.
	defer func() {
		if err := env.Teardown(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("environment teardown failed")
		}
	}()

	// Step 2: Drive only the install half of the launcher. The entry
	// point is never started; an interpreter entry is valid for every
	// environment kind, which "self" is not.
	l, err := launcher.New(launcher.Options{
		Manifest: cfg.Launcher.Manifest,
		Entry:    launcher.EntryPoint{Program: "-m", Args: []string{"pip"}},
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Env:      env,
		Logger:   logging.New("launcher"),
	})
	if err != nil {
		return err
	}
	if err := l.Install(ctx); err != nil {
		return err
	}

	// Step 3: Report what was installed. A venv in --env-dir is never
	// removed, so it counts as kept.
	m := l.Manifest()
	location := envLocation(env)
	kept := cfg.Environment.Keep || cfg.Environment.Dir != ""
	if IsJSONOutput() {
		return printJSON(stdout, installResultJSON{
			Manifest:    m.Path,
			Fingerprint: m.Fingerprint(),
			Packages:    m.Names(),
			Environment: env.Kind().String(),
			Location:    location,
			Kept:        kept,
		})
	}

	_, _ = fmt.Fprintf(stdout, "Installed %d package(s) from %s into a %s environment.\n",
		len(m.Requirements), m.Path, env.Kind())
	_, _ = fmt.Fprintf(stdout, "Manifest fingerprint: %s\n", m.Fingerprint())
	switch {
	case !kept:
	case env.Kind() == model.EnvVenv:
		_, _ = fmt.Fprintf(stdout, "The environment was kept at %s; pass --env-dir %s to reuse it.\n", location, location)
	default:
		_, _ = fmt.Fprintf(stdout, "Sandbox %s was kept.\n", location)
	}
	return nil
}
