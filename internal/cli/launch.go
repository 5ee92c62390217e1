// Package cli — launch.go implements the "dil launch" command.
//
// The launch command is the bootstrap launcher: it installs the manifest
// into an isolated environment, checks that the fixed listen port is
// free, starts the entry point in the foreground and holds the terminal
// until the server exits or the operator presses Ctrl-C.
//
// Nothing is bound to the port unless installation succeeded, and an
// occupied port fails the run with exit code 4. The launcher never picks
// another port on its own.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dil/internal/config"
	"github.com/mmr-tortoise/dil/internal/environment"
	"github.com/mmr-tortoise/dil/internal/launcher"
	"github.com/mmr-tortoise/dil/internal/logging"
	"github.com/mmr-tortoise/dil/internal/manifest"
	"github.com/mmr-tortoise/dil/internal/model"
)

// NewLaunchCommand creates the "launch" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewLaunchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch [flags] [-- entry-args...]",
		Short: "Install dependencies, then start the server on the fixed port",
		Long: `Install every package in the manifest into an isolated environment, then
start the entry point on the listen port (default 8000) and keep it in the
foreground. The server must answer on / and /docs within --ready-timeout.

Ctrl-C sends an interrupt to the server; if it has not exited after
--grace-period it is killed.

Exit codes:
  0  server stopped (interrupt or clean exit)
  2  manifest not found
  3  Docker not running (--env docker)
  4  listen port already in use
  5  installation failed
  6  no Python interpreter found
  7  server failed to start, become ready or exit cleanly

Examples:
  dil launch
  dil launch --manifest requirements.txt --port 8000
  dil launch --entry app.py
  dil launch --entry "-m uvicorn" -- app:app --port 8000
  dil launch --env docker --entry "-m app"`,

		// Arguments after "--" are appended to the entry point.
		Args: cobra.ArbitraryArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			// An operator interrupt cancels the context; the launcher
			// turns that into a graceful stop of the server.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runLaunch(ctx, cfg, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	addServerFlags(cmd.Flags())
	addEnvironmentFlags(cmd.Flags())
	addLaunchFlags(cmd.Flags())
	addLogFlags(cmd.Flags())

	return cmd
}

// runLaunch is the main logic function for the launch command.
// It builds the environment and the launcher, runs install-then-start,
// and reports the final state.
func runLaunch(ctx context.Context, cfg *config.Config, extraArgs []string, stdout, stderr io.Writer) error {
	log := logging.New("cli")

	// Step 1: Parse the entry point. Args from the config file come
	// first, then anything given after "--".
	entry, err := launcher.ParseEntryPoint(cfg.Launcher.Entry, append(cfg.Launcher.Args, extraArgs...))
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "invalid entry point", err)
	}
	VerboseLog("Entry point: %s on %s", entry, cfg.Address())

	// Step 2: Build the isolated environment. The entry point runs in
	// the directory dil was started from.
	env, err := newEnvironment(cfg, stderr, log)
	if err != nil {
		return err
	}
	workdir, err := os.Getwd()
	if err != nil {
		_ = env.Teardown(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	// Step 3: Build the launcher. It owns env from here on and tears it
	// down before Run returns. The environment's location is captured
	// when installation ends, before a teardown can remove it.
	var location string
	l, err := launcher.New(launcher.Options{
		Manifest:     cfg.Launcher.Manifest,
		Entry:        entry,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Workdir:      workdir,
		ReadyTimeout: cfg.Launcher.ReadyTimeout,
		GracePeriod:  cfg.Launcher.GracePeriod,
		Env:          env,
		Stdout:       stdout,
		Stderr:       stderr,
		Logger:       logging.New("launcher"),
		OnStateChange: func(from, to model.LaunchState) {
			VerboseLog("State: %s -> %s", from, to)
			if from == model.StateInstalling {
				location = envLocation(env)
				VerboseLog("Environment: %s %s", env.Kind(), location)
			}
		},
	})
	if err != nil {
		_ = env.Teardown(context.WithoutCancel(ctx))
		return err
	}

	// Step 4: Announce readiness in text mode. The goroutine exits with
	// the run because Run returns only after the process is gone.
	done := make(chan struct{})
	defer close(done)
	if !IsJSONOutput() {
		go func() {
			select {
			case <-l.Ready():
				_, _ = fmt.Fprintf(stderr, "Serving at %s/ (dashboard) and %s/docs. Press Ctrl-C to stop.\n", l.URL(), l.URL())
			case <-done:
			}
		}()
	}

	// Step 5: Install, then start and supervise the server.
	runErr := l.Run(ctx)

	if IsJSONOutput() {
		result := launchResultJSON{
			State:       l.State().String(),
			URL:         l.URL(),
			Entry:       entry.String(),
			Environment: env.Kind().String(),
			Location:    location,
		}
		if m := l.Manifest(); m != nil {
			result.Manifest = m.Path
			result.Fingerprint = m.Fingerprint()
			result.Packages = len(m.Requirements)
		}
		if err := printJSON(stdout, result); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}

	if !IsJSONOutput() {
		_, _ = fmt.Fprintln(stdout, "Server stopped.")
	}
	return nil
}

// launchResultJSON is the JSON output of the launch command.
type launchResultJSON struct {
	State       string `json:"state"`
	URL         string `json:"url"`
	Entry       string `json:"entry"`
	Manifest    string `json:"manifest,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Packages    int    `json:"packages"`
	Environment string `json:"environment"`

	// Location is the venv directory or the sandbox container ID.
	Location string `json:"location,omitempty"`
}

// envLocation names where env lives: the venv directory or the sandbox
// container ID. Empty before Prepare and after a removing Teardown.
func envLocation(env environment.Environment) string {
	switch e := env.(type) {
	case *environment.Venv:
		return e.Dir()
	case *environment.Sandbox:
		return e.ContainerID()
	}
	return ""
}

// newEnvironment builds the isolated environment selected by cfg.
// Installer output streams to out.
func newEnvironment(cfg *config.Config, out io.Writer, log zerolog.Logger) (environment.Environment, error) {
	kind, err := model.ParseEnvironmentKind(cfg.Environment.Kind)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "invalid environment kind", err)
	}

	workdir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	// A shared venv directory is resolved against the working directory
	// so "dil install --env-dir .venv" and "dil launch --env-dir .venv"
	// agree on it.
	var dir string
	if cfg.Environment.Dir != "" {
		if kind != model.EnvVenv {
			return nil, model.NewCLIError(model.ExitGeneralError, "--env-dir applies to the venv environment only")
		}
		if dir, err = filepath.Abs(cfg.Environment.Dir); err != nil {
			return nil, fmt.Errorf("failed to resolve environment directory: %w", err)
		}
	}

	opts := environment.Options{
		Interpreter: cfg.Environment.Interpreter,
		Dir:         dir,
		Image:       cfg.Environment.Image,
		Workdir:     workdir,
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Manifest:    cfg.Launcher.Manifest,
		Keep:        cfg.Environment.Keep,
		GracePeriod: cfg.Launcher.GracePeriod,
		Output:      out,
		Logger:      logging.New("environment"),
	}

	// The sandbox records the manifest fingerprint as a label. A manifest
	// that cannot be read here is reported properly by the install step.
	if m, err := manifest.Load(cfg.Launcher.Manifest); err == nil {
		opts.Fingerprint = m.Fingerprint()
	}

	log.Debug().Str("kind", kind.String()).Str("workdir", workdir).Msg("creating environment")
	return environment.New(kind, opts)
}
