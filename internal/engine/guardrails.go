package engine

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/mmr-tortoise/dil/internal/model"
)

// Guardrail rule names as they appear in decision reasons.
const (
	RuleAmountHardLimit = "AMOUNT_HARD_LIMIT"
	RuleRiskHardLimit   = "RISK_HARD_LIMIT"
	RuleAmountSoftLimit = "AMOUNT_SOFT_LIMIT"
	RuleRiskSoftLimit   = "RISK_SOFT_LIMIT"
)

// Guardrails are the deterministic thresholds every audit request is
// checked against.
//
//   - HARD: amount > AmountHardLimit
//   - HARD: risk score < RiskHardLimit
//   - SOFT: AmountSoftLimit < amount <= AmountHardLimit
//   - SOFT: RiskHardLimit <= risk score < RiskSoftLimit
type Guardrails struct {
	AmountHardLimit float64
	AmountSoftLimit float64
	RiskHardLimit   float64
	RiskSoftLimit   float64
}

// DefaultGuardrails returns the standard thresholds: $1M hard and $100K
// soft on amount, 0.5 hard and 0.7 soft on risk score.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		AmountHardLimit: 1_000_000,
		AmountSoftLimit: 100_000,
		RiskHardLimit:   0.5,
		RiskSoftLimit:   0.7,
	}
}

// Validate rejects thresholds that would make the soft bands empty or
// inverted.
func (g Guardrails) Validate() error {
	if g.AmountSoftLimit < 0 || g.AmountHardLimit < g.AmountSoftLimit {
		return fmt.Errorf("amount limits must satisfy 0 <= soft (%s) <= hard (%s)",
			model.FormatNumber(g.AmountSoftLimit), model.FormatNumber(g.AmountHardLimit))
	}
	if g.RiskHardLimit < 0 || g.RiskSoftLimit > 1 || g.RiskSoftLimit < g.RiskHardLimit {
		return fmt.Errorf("risk limits must satisfy 0 <= hard (%s) <= soft (%s) <= 1",
			model.FormatNumber(g.RiskHardLimit), model.FormatNumber(g.RiskSoftLimit))
	}
	return nil
}

// Check returns every violated rule, hard rules first. An empty result
// means all guardrails passed.
func (g Guardrails) Check(amount, risk float64) []model.GuardrailViolation {
	var violations []model.GuardrailViolation

	if amount > g.AmountHardLimit {
		violations = append(violations, model.GuardrailViolation{
			Rule: RuleAmountHardLimit, Threshold: g.AmountHardLimit, Actual: amount, Severity: model.SeverityHard,
		})
	}
	if risk < g.RiskHardLimit {
		violations = append(violations, model.GuardrailViolation{
			Rule: RuleRiskHardLimit, Threshold: g.RiskHardLimit, Actual: risk, Severity: model.SeverityHard,
		})
	}
	if amount > g.AmountSoftLimit && amount <= g.AmountHardLimit {
		violations = append(violations, model.GuardrailViolation{
			Rule: RuleAmountSoftLimit, Threshold: g.AmountSoftLimit, Actual: amount, Severity: model.SeveritySoft,
		})
	}
	if risk >= g.RiskHardLimit && risk < g.RiskSoftLimit {
		violations = append(violations, model.GuardrailViolation{
			Rule: RuleRiskSoftLimit, Threshold: g.RiskSoftLimit, Actual: risk, Severity: model.SeveritySoft,
		})
	}
	return violations
}

// Decide maps violations to a decision and its reason. Any hard
// violation blocks; otherwise any soft violation flags; otherwise the
// request is approved.
func Decide(violations []model.GuardrailViolation, amount, risk float64) (model.Decision, string) {
	var hard, soft []string
	for _, v := range violations {
		if v.Severity == model.SeverityHard {
			hard = append(hard, v.String())
		} else {
			soft = append(soft, v.String())
		}
	}

	switch {
	case len(hard) > 0:
		return model.DecisionBlocked, "BLOCKED: " + strings.Join(hard, "; ")
	case len(soft) > 0:
		return model.DecisionFlagged, "FLAGGED: Requires review - " + strings.Join(soft, "; ")
	default:
		return model.DecisionApproved, fmt.Sprintf("APPROVED: All guardrails passed (Amount: $%s, Risk: %.2f)",
			humanize.FormatFloat("#,###.##", amount), risk)
	}
}
