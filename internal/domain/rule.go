package domain

// RuleDescriptor is the audit view of one catalogue entry.
type RuleDescriptor struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// RuleEvaluation is the rule engine verdict for a single record.
type RuleEvaluation struct {
	// Score is the triggered weight sum divided by the catalogue weight sum.
	Score float64 `json:"score"`

	// Triggered holds rule names in catalogue order.
	Triggered []string `json:"triggered"`

	IsFraud bool `json:"isFraud"`
}

// RuleSummary aggregates a bulk rule run.
type RuleSummary struct {
	TotalTransactions int     `json:"total_transactions"`
	FlaggedByRules    int     `json:"flagged_by_rules"`
	FraudPercentage   float64 `json:"fraud_percentage"`
}

// Summarize builds a RuleSummary from per-record evaluations.
func Summarize(results []RuleEvaluation) RuleSummary {
	s := RuleSummary{TotalTransactions: len(results)}
	for _, r := range results {
		if r.IsFraud {
			s.FlaggedByRules++
		}
	}
	if s.TotalTransactions > 0 {
		s.FraudPercentage = float64(s.FlaggedByRules) / float64(s.TotalTransactions) * 100
	}
	return s
}
