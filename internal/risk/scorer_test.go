package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mmr-tortoise/dil/internal/model"
)

func ptr(f float64) *float64 { return &f }

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		out       model.AgentOutput
		ctx       model.DecisionContext
		score     float64
		reasoning string
	}{
		{
			name:      "low risk fintech transfer",
			out:       model.AgentOutput{ConfidenceScore: ptr(0.98)},
			ctx:       model.DecisionContext{Completeness: ptr(0.95), Domain: DomainFintech, TransactionValue: 100},
			score:     0.05,
			reasoning: "All parameters within safe thresholds.",
		},
		{
			name:      "high risk healthcare is clamped",
			out:       model.AgentOutput{ConfidenceScore: ptr(0.6)},
			ctx:       model.DecisionContext{Completeness: ptr(0.2), Domain: DomainHealth, PatientSafetyImpact: 0.9},
			score:     1.0,
			reasoning: "Low confidence score (0.60); Severely incomplete context (0.20); High patient safety impact in healthcare domain",
		},
		{
			name:      "defaults",
			score:     0.5,
			reasoning: "Low confidence score (0.50)",
		},
		{
			name:      "fintech value impact is capped",
			out:       model.AgentOutput{ConfidenceScore: ptr(0.9)},
			ctx:       model.DecisionContext{Domain: DomainFintech, TransactionValue: 15000},
			score:     0.5,
			reasoning: "High transaction value in fintech domain ($15000)",
		},
		{
			name:      "fintech impact at the reporting threshold",
			out:       model.AgentOutput{ConfidenceScore: ptr(1)},
			ctx:       model.DecisionContext{Domain: DomainFintech, TransactionValue: 2000},
			score:     0.1,
			reasoning: "All parameters within safe thresholds.",
		},
		{
			name:      "mild patient safety impact",
			out:       model.AgentOutput{ConfidenceScore: ptr(1)},
			ctx:       model.DecisionContext{Domain: DomainHealth, PatientSafetyImpact: 0.25},
			score:     0.15,
			reasoning: "All parameters within safe thresholds.",
		},
		{
			name:      "other domains ignore sector fields",
			out:       model.AgentOutput{ConfidenceScore: ptr(0.8)},
			ctx:       model.DecisionContext{Domain: "retail", TransactionValue: 1e6, PatientSafetyImpact: 1},
			score:     0.2,
			reasoning: "All parameters within safe thresholds.",
		},
		{
			name:      "over-confidence clamps to zero",
			out:       model.AgentOutput{ConfidenceScore: ptr(1.5)},
			score:     0,
			reasoning: "All parameters within safe thresholds.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.out, tt.ctx)
			assert.InDelta(t, tt.score, got.Score, 1e-9)
			assert.Equal(t, tt.reasoning, got.Reasoning)
		})
	}
}

func TestScoreIsRounded(t *testing.T) {
	got := Score(model.AgentOutput{ConfidenceScore: ptr(0.1234)}, model.DecisionContext{})
	assert.Equal(t, 0.877, got.Score)
}

func TestDomain(t *testing.T) {
	assert.Equal(t, DomainGeneral, Domain(model.DecisionContext{}))
	assert.Equal(t, DomainHealth, Domain(model.DecisionContext{Domain: DomainHealth}))
}
