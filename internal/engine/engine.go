// Package engine implements the Deterministic Integrity Layer: every
// audit request is checked against fixed guardrails, decided, hashed and
// appended to a SHA-256 chained ledger with an HMAC governance hash.
//
// The same request fields always produce the same decision, reason and
// hashes; only the request id and timestamp (assigned when absent) vary
// between otherwise identical requests.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/dil/internal/model"
)

// Store persists ledger records. The engine is the only writer and calls
// Append while holding its lock, so records arrive in chain order.
type Store interface {
	Append(ctx context.Context, rec model.AuditRecord) error

	// List returns the most recent limit records in chain order, or all
	// of them when limit <= 0.
	List(ctx context.Context, limit int) ([]model.AuditRecord, error)
}

// ChainReport is the result of VerifyChain.
type ChainReport struct {
	Valid bool `json:"valid"`

	// BrokenIndex is the 0-based index of the first bad record, or -1.
	BrokenIndex int `json:"broken_index"`

	// Reason describes what failed at BrokenIndex.
	Reason string `json:"reason,omitempty"`

	Records int `json:"records"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists records to s and reloads the chain from it.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithGuardrails replaces DefaultGuardrails.
func WithGuardrails(g Guardrails) Option { return func(e *Engine) { e.guard = g } }

// WithSecret sets the governance HMAC key.
func WithSecret(secret []byte) Option { return func(e *Engine) { e.secret = secret } }

// WithLogger sets the engine's logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock replaces time.Now for assigned timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRequestIDs replaces the request id generator.
func WithRequestIDs(next func() string) Option { return func(e *Engine) { e.newID = next } }

// Engine is safe for concurrent use.
type Engine struct {
	guard  Guardrails
	secret []byte
	store  Store
	log    zerolog.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.RWMutex
	records []model.AuditRecord
}

// DefaultSecret is the governance key used when none is configured.
const DefaultSecret = "DIL_GOVERNANCE_SECRET_2026"

// New builds an engine and, when a store is configured, reloads the
// existing chain from it.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		guard:  DefaultGuardrails(),
		secret: []byte(DefaultSecret),
		log:    zerolog.Nop(),
		now:    time.Now,
		newID:  NewRequestID,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.guard.Validate(); err != nil {
		return nil, err
	}

	if e.store != nil {
		records, err := e.store.List(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to load ledger: %w", err)
		}
		e.records = records
	}
	e.log.Info().Int("records", len(e.records)).Msg("engine initialized; SHA-256 chaining ready")
	return e, nil
}

// NewRequestID returns "REQ-" and eight upper-case hex digits.
func NewRequestID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "REQ-" + strings.ToUpper(id[:8])
}

// CheckGuardrails returns the violated rules for amount and risk, in the
// order ProcessAudit logs them.
func (e *Engine) CheckGuardrails(amount, risk float64) []model.GuardrailViolation {
	return e.guard.Check(amount, risk)
}

// Guardrails returns the active thresholds.
func (e *Engine) Guardrails() Guardrails {
	return e.guard
}

// ProcessAudit runs req through the guardrails, hashes the outcome and
// appends it to the ledger. The returned record is the committed one.
func (e *Engine) ProcessAudit(ctx context.Context, req model.AuditRequest) (model.AuditRecord, error) {
	if err := req.Validate(); err != nil {
		return model.AuditRecord{}, err
	}
	if req.RequestID == "" {
		req.RequestID = e.newID()
	}
	if req.Timestamp == "" {
		req.Timestamp = e.now().UTC().Format(model.TimestampLayout)
	}

	violations := e.CheckGuardrails(req.Amount, req.AIRiskScore)
	for _, v := range violations {
		ev := e.log.Info()
		if v.Severity == model.SeverityHard {
			ev = e.log.Warn()
		}
		ev.Str("rule", v.Rule).Float64("actual", v.Actual).Str("severity", string(v.Severity)).Msg("guardrail violation")
	}
	decision, reason := Decide(violations, req.Amount, req.AIRiskScore)

	rec := model.AuditRecord{
		RequestID:   req.RequestID,
		Decision:    decision,
		UserID:      req.UserID,
		Amount:      req.Amount,
		AIRiskScore: req.AIRiskScore,
		Reason:      reason,
		Timestamp:   req.Timestamp,
	}
	var err error
	if rec.SHA256Hash, err = RecordHash(rec); err != nil {
		return model.AuditRecord{}, err
	}
	if rec.GovernanceHash, err = GovernanceHash(rec, e.secret); err != nil {
		return model.AuditRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec.Sequence = int64(len(e.records)) + 1
	if n := len(e.records); n > 0 {
		prev := e.records[n-1].SHA256Hash
		rec.PreviousHash = &prev
	}
	if e.store != nil {
		if err := e.store.Append(ctx, rec); err != nil {
			return model.AuditRecord{}, fmt.Errorf("failed to commit audit record: %w", err)
		}
	}
	e.records = append(e.records, rec)

	e.log.Info().
		Str("request_id", rec.RequestID).
		Str("decision", string(decision)).
		Str("hash", rec.SHA256Hash[:16]).
		Int64("chain_depth", rec.Sequence).
		Msg("record committed to ledger")
	return rec, nil
}

// Ledger returns the most recent limit records in chain order, or the
// whole ledger when limit <= 0.
func (e *Engine) Ledger(limit int) []model.AuditRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(e.records) {
		start = len(e.records) - limit
	}
	out := make([]model.AuditRecord, len(e.records)-start)
	copy(out, e.records[start:])
	return out
}

// LedgerSize returns the number of committed records.
func (e *Engine) LedgerSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

// CurrentHash returns the head of the chain; empty for an empty ledger.
func (e *Engine) CurrentHash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.records) == 0 {
		return ""
	}
	return e.records[len(e.records)-1].SHA256Hash
}

// VerifyChain checks the in-memory chain.
func (e *Engine) VerifyChain() ChainReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Verify(e.records, e.secret)
}

// ChainIntegrity reports VerifyChain().Valid.
func (e *Engine) ChainIntegrity() bool {
	return e.VerifyChain().Valid
}

// ErrBrokenChain is wrapped by ChainReport.Err for an invalid chain.
var ErrBrokenChain = errors.New("ledger chain broken")

// Err returns nil for a valid chain, or ErrBrokenChain naming the first
// bad record (1-based) and what failed there.
func (r ChainReport) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w at record %d of %d: %s", ErrBrokenChain, r.BrokenIndex+1, r.Records, r.Reason)
}

// Verify checks linkage and both hashes of every record: the first
// record has no previous hash, each later one links its predecessor, and
// each stored hash matches a recomputation. A nil secret skips the
// governance hash.
func Verify(records []model.AuditRecord, secret []byte) ChainReport {
	report := ChainReport{Valid: true, BrokenIndex: -1, Records: len(records)}
	broken := func(i int, reason string) ChainReport {
		report.Valid = false
		report.BrokenIndex = i
		report.Reason = reason
		return report
	}

	for i, rec := range records {
		if i == 0 {
			if rec.PreviousHash != nil {
				return broken(i, "first record links a previous hash")
			}
		} else if rec.PreviousHash == nil || *rec.PreviousHash != records[i-1].SHA256Hash {
			return broken(i, "previous hash does not match prior record")
		}

		sum, err := RecordHash(rec)
		if err != nil || sum != rec.SHA256Hash {
			return broken(i, "record hash mismatch")
		}
		if secret != nil {
			gov, err := GovernanceHash(rec, secret)
			if err != nil || gov != rec.GovernanceHash {
				return broken(i, "governance hash mismatch")
			}
		}
	}
	return report
}
