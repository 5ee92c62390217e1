// Package risk scores an agent's proposed action against its confidence
// and the completeness of the context it acted on, with extra weight for
// the fintech and health domains.
package risk

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mmr-tortoise/dil/internal/model"
)

// Domains with their own weighting. Anything else is scored as general.
const (
	DomainGeneral = "general"
	DomainFintech = "fintech"
	DomainHealth  = "health"
)

const (
	defaultConfidence   = 0.5
	defaultCompleteness = 1.0

	// completenessWeight scales the penalty for missing context.
	completenessWeight = 0.5

	// fintechValueScale is the transaction value that adds a full 1.0 of
	// risk before the fintechValueCap is applied.
	fintechValueScale = 20_000.0
	fintechValueCap   = 0.4

	healthSafetyWeight = 0.6

	lowConfidence       = 0.7
	incompleteContext   = 0.5
	notableValueImpact  = 0.1
	notableSafetyImpact = 0.3
	safeReasoning       = "All parameters within safe thresholds."
)

// Score assesses out in the given context. The score is clamped to [0, 1]
// and rounded to three decimals.
func Score(out model.AgentOutput, ctx model.DecisionContext) model.RiskAssessment {
	confidence := defaultConfidence
	if out.ConfidenceScore != nil {
		confidence = *out.ConfidenceScore
	}
	completeness := defaultCompleteness
	if ctx.Completeness != nil {
		completeness = *ctx.Completeness
	}

	score := (1 - confidence) + (1-completeness)*completenessWeight

	var reasons []string
	if confidence < lowConfidence {
		reasons = append(reasons, fmt.Sprintf("Low confidence score (%.2f)", confidence))
	}
	if completeness < incompleteContext {
		reasons = append(reasons, fmt.Sprintf("Severely incomplete context (%.2f)", completeness))
	}

	switch Domain(ctx) {
	case DomainFintech:
		impact := math.Min(ctx.TransactionValue/fintechValueScale, fintechValueCap)
		score += impact
		if impact > notableValueImpact {
			reasons = append(reasons, fmt.Sprintf("High transaction value in fintech domain ($%s)",
				strconv.FormatFloat(ctx.TransactionValue, 'f', -1, 64)))
		}
	case DomainHealth:
		score += ctx.PatientSafetyImpact * healthSafetyWeight
		if ctx.PatientSafetyImpact > notableSafetyImpact {
			reasons = append(reasons, "High patient safety impact in healthcare domain")
		}
	}

	reasoning := safeReasoning
	if len(reasons) > 0 {
		reasoning = strings.Join(reasons, "; ")
	}
	return model.RiskAssessment{Score: round3(clamp(score)), Reasoning: reasoning}
}

// Domain returns the context's domain, defaulting to general.
func Domain(ctx model.DecisionContext) string {
	if ctx.Domain == "" {
		return DomainGeneral
	}
	return ctx.Domain
}

func clamp(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func round3(f float64) float64 {
	return math.RoundToEven(f*1000) / 1000
}
