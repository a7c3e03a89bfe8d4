// Package tadp implements the Transaction Aggregated Decision Processor.
// TADP fuses the rule verdict and the model probability into a final
// decision with a risk tier.
package tadp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Processor fuses rule and model signals. It holds no state beyond its
// thresholds and is safe for concurrent use.
type Processor struct {
	// MLThreshold is the probability the model must exceed to flag fraud.
	MLThreshold float64

	// Risk tier boundaries on the combined score, inclusive.
	HighThreshold   float64
	MediumThreshold float64
}

// NewProcessor creates a new TADP processor with default settings.
func NewProcessor() *Processor {
	return &Processor{
		MLThreshold:     0.5,
		HighThreshold:   0.8,
		MediumThreshold: 0.5,
	}
}

// NewProcessorFromConfig applies configured thresholds over the defaults.
func NewProcessorFromConfig(cfg domain.DecisionConfig) *Processor {
	p := NewProcessor()
	if cfg.MLThreshold > 0 {
		p.MLThreshold = cfg.MLThreshold
	}
	if cfg.HighThreshold > 0 {
		p.HighThreshold = cfg.HighThreshold
	}
	if cfg.MediumThreshold > 0 {
		p.MediumThreshold = cfg.MediumThreshold
	}
	return p
}

// Decision is the fused verdict.
type Decision struct {
	RuleFraud     bool
	RuleScore     float64
	Probability   float64
	MLFraud       bool
	Final         bool
	CombinedScore float64
	RiskLevel     domain.RiskLevel
}

// Fuse combines a rule evaluation with an optional model probability.
// A nil probability means no model is being served and counts as 0.
func (p *Processor) Fuse(rule domain.RuleEvaluation, probability *float64) Decision {
	var prob float64
	if probability != nil {
		prob = *probability
	}

	mlFraud := prob > p.MLThreshold
	combined := max(rule.Score, prob)

	return Decision{
		RuleFraud:     rule.IsFraud,
		RuleScore:     rule.Score,
		Probability:   prob,
		MLFraud:       mlFraud,
		Final:         rule.IsFraud || mlFraud,
		CombinedScore: combined,
		RiskLevel:     p.tier(combined),
	}
}

func (p *Processor) tier(score float64) domain.RiskLevel {
	switch {
	case score >= p.HighThreshold:
		return domain.RiskHigh
	case score >= p.MediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	TransactionID string
	ModelVersion  string
	Rule          domain.RuleEvaluation

	// Probability is nil when no model is trained.
	Probability *float64
}

// Process fuses the input and wraps the verdict in a Prediction.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.Prediction {
	d := p.Fuse(input.Rule, input.Probability)

	triggered := input.Rule.Triggered
	if triggered == nil {
		triggered = []string{}
	}

	return &domain.Prediction{
		ID:                 uuid.New().String(),
		TransactionID:      input.TransactionID,
		ModelVersion:       input.ModelVersion,
		RuleBasedFraud:     d.RuleFraud,
		RuleBasedScore:     d.RuleScore,
		MLFraudProbability: d.Probability,
		MLFraudPrediction:  d.MLFraud,
		FinalPrediction:    d.Final,
		TriggeredRules:     triggered,
		RiskLevel:          d.RiskLevel,
		CreatedAt:          time.Now().UTC(),
	}
}

// ShouldAlert returns true if the prediction should trigger an alert.
func ShouldAlert(pred *domain.Prediction) bool {
	return pred.FinalPrediction
}

// GetReasons extracts human-readable reasons from a prediction.
func GetReasons(pred *domain.Prediction, mlThreshold float64) []string {
	reasons := make([]string, 0, len(pred.TriggeredRules)+1)
	for _, name := range pred.TriggeredRules {
		reasons = append(reasons, "rule: "+name)
	}
	if pred.MLFraudPrediction {
		reasons = append(reasons, fmt.Sprintf("model probability %.2f above %.2f", pred.MLFraudProbability, mlThreshold))
	}
	return reasons
}
