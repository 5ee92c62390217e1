// Package cli — serve.go implements the "dil serve" command.
//
// The serve command runs the Deterministic Integrity Layer HTTP service:
// the dashboard at /, API documentation at /docs, and the audit,
// evaluation, ledger and health endpoints. It is the default entry point
// of "dil launch" ("self"), which passes --host and --port and exports
// DIL_HOST and DIL_PORT.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dil/internal/config"
	"github.com/mmr-tortoise/dil/internal/engine"
	"github.com/mmr-tortoise/dil/internal/gatekeeper"
	"github.com/mmr-tortoise/dil/internal/ledger"
	"github.com/mmr-tortoise/dil/internal/logging"
	"github.com/mmr-tortoise/dil/internal/model"
	"github.com/mmr-tortoise/dil/internal/server"
)

// NewServeCommand creates the "serve" cobra command.
// It is called from NewRootCommand to register as a subcommand.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the integrity API server",
		Long: `Run the Deterministic Integrity Layer HTTP server in the foreground.

Audits are checked against the guardrails, hashed and appended to a
SHA-256 chained ledger stored in SQLite (--ledger). The chain is reloaded
on start, so it survives restarts.

Examples:
  dil serve
  dil serve --port 8080 --ledger :memory:`,

		// No positional arguments are accepted.
		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg)
		},
	}

	addServerFlags(cmd.Flags())
	addLedgerFlags(cmd.Flags())
	addLogFlags(cmd.Flags())

	return cmd
}

// runServe is the main logic function for the serve command.
func runServe(ctx context.Context, cfg *config.Config) error {
	// Step 1: Open the ledger and the engine on top of it.
	store, eng, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Step 2: Build and run the server. Serve binds the port itself, so
	// an occupied port surfaces as AddressInUseError (exit code 4).
	srv, err := server.New(server.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		Engine:     eng,
		Gatekeeper: gatekeeper.New(store, gatekeeper.WithLogger(logging.New("gatekeeper"))),
		Store:      store,
		Logger:     logging.New("server"),
	})
	if err != nil {
		return err
	}
	VerboseLog("Serving on http://%s", cfg.Address())
	return srv.Serve(ctx)
}

// openEngine opens the configured ledger and an engine that has reloaded
// the chain from it. The caller closes the store.
func openEngine(ctx context.Context, cfg *config.Config) (*ledger.Store, *engine.Engine, error) {
	store, err := ledger.Open(ctx, cfg.Ledger.Path, logging.New("ledger"))
	if err != nil {
		return nil, nil, model.WrapCLIError(model.ExitGeneralError, "failed to open ledger", err)
	}
	VerboseLog("Opened ledger %s", cfg.Ledger.Path)

	eng, err := engine.New(ctx,
		engine.WithStore(store),
		engine.WithSecret([]byte(cfg.Governance.Secret)),
		engine.WithGuardrails(guardrailsFrom(cfg)),
		engine.WithLogger(logging.New("engine")),
	)
	if err != nil {
		_ = store.Close()
		return nil, nil, model.WrapCLIError(model.ExitGeneralError, "failed to start engine", err)
	}
	return store, eng, nil
}

// guardrailsFrom converts the configured thresholds.
func guardrailsFrom(cfg *config.Config) engine.Guardrails {
	g := cfg.Guardrails
	return engine.Guardrails{
		AmountHardLimit: g.AmountHardLimit,
		AmountSoftLimit: g.AmountSoftLimit,
		RiskHardLimit:   g.RiskHardLimit,
		RiskSoftLimit:   g.RiskSoftLimit,
	}
}
