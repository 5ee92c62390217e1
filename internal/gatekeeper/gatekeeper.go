// Package gatekeeper certifies agent decisions. An evaluation is risk
// scored, then explained and logged to the decision ledger in parallel,
// and finally gated on the ledger write and the risk threshold.
package gatekeeper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mmr-tortoise/dil/internal/ledger"
	"github.com/mmr-tortoise/dil/internal/model"
	"github.com/mmr-tortoise/dil/internal/risk"
)

// Gate outcomes.
const (
	StatusFailed    = "FAILED: Ledger write unsuccessful. Integrity check required."
	StatusPaused    = "HITL_PAUSE: Risk score above threshold (0.7). Human intervention required."
	StatusCertified = "CERTIFIED: Decision passed all safety and logging protocols."
)

// RiskThreshold is the highest risk score that can still be certified.
const RiskThreshold = 0.7

// DecisionLogger records a decision under its fingerprint. ledger.Store
// implements it.
type DecisionLogger interface {
	AppendDecision(ctx context.Context, entry ledger.DecisionEntry) (int64, error)
}

// ExplainFunc produces the justification for a proposed action.
type ExplainFunc func(ctx context.Context, out model.AgentOutput, dctx model.DecisionContext) (string, error)

// TemplateExplainer justifies every action with a fixed sentence.
func TemplateExplainer(_ context.Context, out model.AgentOutput, _ model.DecisionContext) (string, error) {
	action := out.ProposedAction
	if action == "" {
		action = "unknown action"
	}
	return fmt.Sprintf("The action '%s' is justified as it aligns with the provided context and safety protocols.", action), nil
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithExplainer replaces TemplateExplainer.
func WithExplainer(fn ExplainFunc) Option { return func(g *Gatekeeper) { g.explain = fn } }

// WithLogger sets the gatekeeper's logger.
func WithLogger(l zerolog.Logger) Option { return func(g *Gatekeeper) { g.log = l } }

// WithClock replaces time.Now for ledger timestamps.
func WithClock(now func() time.Time) Option { return func(g *Gatekeeper) { g.now = now } }

// Gatekeeper is safe for concurrent use when its DecisionLogger is.
type Gatekeeper struct {
	ledger  DecisionLogger
	explain ExplainFunc
	log     zerolog.Logger
	now     func() time.Time
}

// New returns a gatekeeper that logs decisions to l.
func New(l DecisionLogger, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		ledger:  l,
		explain: TemplateExplainer,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ErrNoAction is returned for an evaluation without a proposed action.
var ErrNoAction = errors.New("agent_output.proposed_action is required")

// payload is what the decision ledger stores for one evaluation.
type payload struct {
	Prompt         string                `json:"prompt"`
	Context        model.DecisionContext `json:"context"`
	ProposedAction string                `json:"proposed_action"`
	Metadata       map[string]string     `json:"metadata"`
	Risk           riskEntry             `json:"risk_assessment"`
}

type riskEntry struct {
	Score     float64 `json:"RiskScore"`
	Reasoning string  `json:"RiskReasoning"`
}

// Evaluate certifies ev. A failed ledger write is not an error: it yields
// the FAILED status. Errors are reserved for invalid input and explainer
// failures.
func (g *Gatekeeper) Evaluate(ctx context.Context, ev model.Evaluation) (model.CertifiedDecision, error) {
	if ev.AgentOutput.ProposedAction == "" {
		return model.CertifiedDecision{}, ErrNoAction
	}

	assessment := risk.Score(ev.AgentOutput, ev.Context)
	log := g.log.With().Str("decision_id", ev.AgentOutput.RequestID()).Logger()
	log.Debug().Float64("risk_score", assessment.Score).Str("reasoning", assessment.Reasoning).Msg("risk assessed")

	fingerprint := Fingerprint(ev.Prompt, ev.AgentOutput.ProposedAction, assessment.Score)

	var (
		justification string
		ledgerErr     error
	)
	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		justification, err = g.explain(egctx, ev.AgentOutput, ev.Context)
		if err != nil {
			return fmt.Errorf("failed to explain decision: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		ledgerErr = g.record(egctx, ev, assessment, fingerprint)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return model.CertifiedDecision{}, err
	}

	decision := model.CertifiedDecision{
		DecisionID:      ev.AgentOutput.RequestID(),
		RiskScore:       assessment.Score,
		Risk:            assessment,
		Justification:   justification,
		LedgerConfirmed: ledgerErr == nil,
	}
	switch {
	case ledgerErr != nil:
		log.Warn().Err(ledgerErr).Msg("ledger write failed")
		decision.Status = StatusFailed
	case assessment.Score > RiskThreshold:
		decision.Status = StatusPaused
		decision.Fingerprint = fingerprint
	default:
		decision.Status = StatusCertified
		decision.IsCertified = true
		decision.Fingerprint = fingerprint
	}
	log.Info().Str("status", decision.Status).Bool("certified", decision.IsCertified).Msg("decision gated")
	return decision, nil
}

func (g *Gatekeeper) record(ctx context.Context, ev model.Evaluation, assessment model.RiskAssessment, fingerprint string) error {
	if g.ledger == nil {
		return errors.New("no decision ledger configured")
	}
	data, err := json.Marshal(payload{
		Prompt:         ev.Prompt,
		Context:        ev.Context,
		ProposedAction: ev.AgentOutput.ProposedAction,
		Metadata:       ev.AgentOutput.Metadata,
		Risk:           riskEntry{Score: assessment.Score, Reasoning: assessment.Reasoning},
	})
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	_, err = g.ledger.AppendDecision(ctx, ledger.DecisionEntry{
		Fingerprint: fingerprint,
		Timestamp:   g.now(),
		Data:        data,
	})
	return err
}

// Fingerprint is the hex SHA-256 of prompt, action and risk score
// concatenated, the score spelled as model.FormatNumber does.
func Fingerprint(prompt, action string, score float64) string {
	sum := sha256.Sum256([]byte(prompt + action + model.FormatNumber(score)))
	return hex.EncodeToString(sum[:])
}
