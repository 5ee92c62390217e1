// Package cli — ledger.go implements the "dil ledger" command group.
//
// The ledger commands read the SQLite audit ledger directly, without a
// running server:
//   - "ledger list" prints the most recent audit records
//   - "ledger verify" recomputes every hash and checks the chain links
//   - "ledger decisions" prints the gatekeeper decision log
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/dil/internal/config"
	"github.com/mmr-tortoise/dil/internal/engine"
	"github.com/mmr-tortoise/dil/internal/ledger"
	"github.com/mmr-tortoise/dil/internal/logging"
	"github.com/mmr-tortoise/dil/internal/model"
)

// hashWidth is how many hex digits of a hash the tables show.
const hashWidth = 16

// NewLedgerCommand creates the "ledger" cobra command and its subcommands.
// It is called from NewRootCommand to register as a subcommand.
func NewLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the audit ledger",
		Long: `Inspect the SHA-256 chained audit ledger stored by "dil serve".

Examples:
  dil ledger list --limit 20
  dil ledger verify
  dil ledger decisions --json`,
	}

	// The ledger path flag is shared by every subcommand.
	addLedgerFlags(cmd.PersistentFlags())

	cmd.AddCommand(newLedgerListCommand())
	cmd.AddCommand(newLedgerVerifyCommand())
	cmd.AddCommand(newLedgerDecisionsCommand())
	return cmd
}

func newLedgerListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), cfg, func(store *ledger.Store) error {
				return runLedgerList(cmd.Context(), store, limit, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show (0 for all)")
	return cmd
}

func newLedgerVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain and governance hashes",
		Long: `Recompute the SHA-256 and HMAC governance hash of every record and check
that each record links the previous one. Exits non-zero when the chain
is broken.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), cfg, func(store *ledger.Store) error {
				return runLedgerVerify(cmd.Context(), store, []byte(cfg.Governance.Secret), cmd.OutOrStdout())
			})
		},
	}
}

func newLedgerDecisionsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List gatekeeper decisions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), cfg, func(store *ledger.Store) error {
				return runLedgerDecisions(cmd.Context(), store, limit, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of decisions to show (0 for all)")
	return cmd
}

// withLedger opens the configured ledger for the duration of fn.
func withLedger(ctx context.Context, cfg *config.Config, fn func(*ledger.Store) error) error {
	store, err := ledger.Open(ctx, cfg.Ledger.Path, logging.New("ledger"))
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to open ledger", err)
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

// ledgerListJSON is the JSON output of "ledger list".
type ledgerListJSON struct {
	Records     []model.AuditRecord `json:"records"`
	TotalCount  int                 `json:"total_count"`
	CurrentHash *string             `json:"current_hash"`
}

// runLedgerList prints the most recent limit records in chain order.
func runLedgerList(ctx context.Context, store *ledger.Store, limit int, w io.Writer) error {
	records, err := store.List(ctx, limit)
	if err != nil {
		return err
	}
	total, err := store.Count(ctx)
	if err != nil {
		return err
	}
	head, err := store.Head(ctx)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		if records == nil {
			records = []model.AuditRecord{}
		}
		out := ledgerListJSON{Records: records, TotalCount: total}
		if head != nil {
			out.CurrentHash = &head.SHA256Hash
		}
		return printJSON(w, out)
	}

	if len(records) == 0 {
		_, _ = fmt.Fprintln(w, "The ledger is empty.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "REQUEST", "DECISION", "USER", "AMOUNT", "RISK", "HASH", "TIMESTAMP"})
	for _, r := range records {
		t.AppendRow(table.Row{
			r.Sequence,
			r.RequestID,
			r.Decision,
			r.UserID,
			model.FormatNumber(r.Amount),
			fmt.Sprintf("%.2f", r.AIRiskScore),
			abbreviate(r.SHA256Hash),
			r.Timestamp,
		})
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "(%d of %d records)\n", len(records), total)
	if head != nil {
		_, _ = fmt.Fprintf(w, "Chain head: #%d %s\n", head.Sequence, head.SHA256Hash)
	}
	return nil
}

// runLedgerVerify checks the whole chain and reports the first break.
func runLedgerVerify(ctx context.Context, store *ledger.Store, secret []byte, w io.Writer) error {
	records, err := store.List(ctx, 0)
	if err != nil {
		return err
	}
	report := engine.Verify(records, secret)

	if IsJSONOutput() {
		if err := printJSON(w, report); err != nil {
			return err
		}
	} else if report.Valid {
		_, _ = fmt.Fprintf(w, "Chain intact: %d record(s) verified.\n", report.Records)
	}

	// A broken chain wraps engine.ErrBrokenChain and exits 1.
	return report.Err()
}

// decisionJSON is one entry of "ledger decisions" JSON output. Data is
// the stored payload, emitted as raw JSON.
type decisionJSON struct {
	ID          int64     `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Timestamp   time.Time `json:"timestamp"`
	Data        rawJSON   `json:"data"`
}

// rawJSON emits stored bytes verbatim, or null when empty.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// runLedgerDecisions prints the gatekeeper decision log.
func runLedgerDecisions(ctx context.Context, store *ledger.Store, limit int, w io.Writer) error {
	entries, err := store.Decisions(ctx, limit)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		out := make([]decisionJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, decisionJSON{ID: e.ID, Fingerprint: e.Fingerprint, Timestamp: e.Timestamp, Data: rawJSON(e.Data)})
		}
		return printJSON(w, map[string]interface{}{"decisions": out})
	}

	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, "No gatekeeper decisions recorded.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "FINGERPRINT", "TIMESTAMP"})
	for _, e := range entries {
		t.AppendRow(table.Row{e.ID, abbreviate(e.Fingerprint), e.Timestamp.Format(time.RFC3339)})
	}
	t.Render()
	return nil
}

// abbreviate shortens a hex hash for table output.
func abbreviate(hash string) string {
	if len(hash) > hashWidth {
		return hash[:hashWidth]
	}
	return hash
}
