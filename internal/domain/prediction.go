package domain

import (
	"time"
)

// RiskLevel is the three-tier label attached to every prediction.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Prediction is the fused verdict for one transaction.
type Prediction struct {
	ID            string `json:"id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	ModelVersion  string `json:"model_version,omitempty"`

	RuleBasedFraud     bool      `json:"rule_based_fraud"`
	RuleBasedScore     float64   `json:"rule_based_score"`
	MLFraudProbability float64   `json:"ml_fraud_probability"`
	MLFraudPrediction  bool      `json:"ml_fraud_prediction"`
	FinalPrediction    bool      `json:"final_prediction"`
	TriggeredRules     []string  `json:"triggered_rules"`
	RiskLevel          RiskLevel `json:"risk_level"`

	CreatedAt time.Time `json:"created_at"`
}
