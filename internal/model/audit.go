package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// TimestampLayout is the ISO-8601 layout used for audit timestamps.
// Microsecond precision, UTC, no zone suffix.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Request bounds accepted by the audit endpoint.
const (
	MaxUserIDLength = 255
	MaxAuditAmount  = 10_000_000.0
)

// Decision is the outcome of running an audit request through the guardrails.
type Decision string

const (
	// DecisionApproved means no guardrail was violated.
	DecisionApproved Decision = "APPROVED"

	// DecisionFlagged means only soft guardrails were violated and the
	// transaction requires human review.
	DecisionFlagged Decision = "FLAGGED"

	// DecisionBlocked means at least one hard guardrail was violated.
	DecisionBlocked Decision = "BLOCKED"
)

// String returns the string representation of Decision.
func (d Decision) String() string {
	return string(d)
}

// Severity grades a guardrail violation.
type Severity string

const (
	// SeveritySoft violations flag a request for review.
	SeveritySoft Severity = "SOFT"

	// SeverityHard violations block a request outright.
	SeverityHard Severity = "HARD"
)

// AuditRequest is an incoming transaction to be audited.
type AuditRequest struct {
	UserID      string  `json:"user_id"`
	Amount      float64 `json:"amount"`
	AIRiskScore float64 `json:"ai_risk_score"`

	// RequestID and Timestamp are assigned by the engine when empty.
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Validate checks the request against the accepted bounds:
// user_id 1..255 characters, amount 0..10,000,000, ai_risk_score 0..1.
func (r *AuditRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("user_id must not be empty")
	}
	if utf8.RuneCountInString(r.UserID) > MaxUserIDLength {
		return fmt.Errorf("user_id must be at most %d characters", MaxUserIDLength)
	}
	if math.IsNaN(r.Amount) || r.Amount < 0 || r.Amount > MaxAuditAmount {
		return fmt.Errorf("amount must be between 0 and %.0f", MaxAuditAmount)
	}
	if math.IsNaN(r.AIRiskScore) || r.AIRiskScore < 0 || r.AIRiskScore > 1 {
		return fmt.Errorf("ai_risk_score must be between 0.0 and 1.0")
	}
	return nil
}

// GuardrailViolation describes one broken guardrail rule.
type GuardrailViolation struct {
	Rule      string   `json:"violated_rule"`
	Threshold float64  `json:"threshold_value"`
	Actual    float64  `json:"actual_value"`
	Severity  Severity `json:"severity"`
}

// String renders the violation the way it appears in a decision reason.
func (v GuardrailViolation) String() string {
	return fmt.Sprintf("%s (threshold: %s, actual: %s)", v.Rule, FormatNumber(v.Threshold), FormatNumber(v.Actual))
}

// AuditRecord is one immutable, hash-chained ledger entry.
type AuditRecord struct {
	// Sequence is the 1-based position of the record in the chain.
	Sequence int64 `json:"sequence"`

	RequestID   string   `json:"request_id"`
	Decision    Decision `json:"decision"`
	UserID      string   `json:"user_id"`
	Amount      float64  `json:"amount"`
	AIRiskScore float64  `json:"ai_risk_score"`
	Reason      string   `json:"reason"`

	// SHA256Hash covers the canonical encoding of the record fields.
	SHA256Hash string `json:"sha256_hash"`

	// PreviousHash is the SHA256Hash of the prior record; nil for the
	// first record in the chain.
	PreviousHash *string `json:"previous_hash"`

	// GovernanceHash is the HMAC-SHA256 of the same canonical encoding.
	GovernanceHash string `json:"governance_hash"`

	Timestamp string `json:"timestamp"`
}

// DecisionContext carries the situational data a risk assessment weighs.
// Completeness is a pointer because an absent value means "complete"
// rather than zero.
type DecisionContext struct {
	Completeness        *float64 `json:"context_completeness,omitempty"`
	Domain              string   `json:"domain,omitempty"`
	TransactionValue    float64  `json:"transaction_value,omitempty"`
	PatientSafetyImpact float64  `json:"patient_safety_impact,omitempty"`
}

// AgentOutput is the proposal an upstream agent wants certified.
type AgentOutput struct {
	ProposedAction  string            `json:"proposed_action"`
	ConfidenceScore *float64          `json:"confidence_score,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// RequestID returns metadata["request_id"], or "unknown".
func (a AgentOutput) RequestID() string {
	if id := a.Metadata["request_id"]; id != "" {
		return id
	}
	return "unknown"
}

// Evaluation is a gatekeeper input: the prompt, its context and the
// agent's proposed output.
type Evaluation struct {
	Prompt      string          `json:"prompt"`
	Context     DecisionContext `json:"context"`
	AgentOutput AgentOutput     `json:"agent_output"`
}

// RiskAssessment is the risk scorer's result.
type RiskAssessment struct {
	Score     float64 `json:"risk_score"`
	Reasoning string  `json:"risk_reasoning"`
}

// CertifiedDecision is the gatekeeper's verdict on an Evaluation.
type CertifiedDecision struct {
	Status          string         `json:"status"`
	IsCertified     bool           `json:"is_certified"`
	DecisionID      string         `json:"decision_id"`
	RiskScore       float64        `json:"risk_score"`
	Risk            RiskAssessment `json:"risk_assessment"`
	Justification   string         `json:"justification"`
	LedgerConfirmed bool           `json:"ledger_confirmed"`
	Fingerprint     string         `json:"fingerprint,omitempty"`
}

// FormatNumber renders f the way audit reasons and record hashes spell
// numbers: the shortest round-trip digits, always with a fractional part
// or an exponent, so 1e6 reads "1000000.0", 0.65 reads "0.65" and 1e-05
// reads "1e-05". Exponent form is used below 1e-4 and from 1e16 up.
func FormatNumber(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	abs := math.Abs(f)
	if f != 0 && (abs < 1e-4 || abs >= 1e16) {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		mant, exp, _ := strings.Cut(s, "e")
		sign := exp[0]
		digits := strings.TrimLeft(exp[1:], "0")
		if len(digits) < 2 {
			digits = strings.Repeat("0", 2-len(digits)) + digits
		}
		return mant + "e" + string(sign) + digits
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
