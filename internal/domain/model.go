package domain

import (
	"time"
)

// FeatureImportance pairs a feature column with its normalized importance.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// TrainingMetrics is the held-out evaluation of one training run.
type TrainingMetrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1_score"`
	ROCAUC    float64 `json:"roc_auc"`

	// ConfusionMatrix is ordered [[TN, FP], [FN, TP]].
	ConfusionMatrix [2][2]int `json:"confusion_matrix"`

	TrainSamples      int     `json:"train_samples"`
	TestSamples       int     `json:"test_samples"`
	FraudSamples      int     `json:"fraud_samples"`
	LegitimateSamples int     `json:"legitimate_samples"`
	ScalePosWeight    float64 `json:"scale_pos_weight"`

	FeatureImportance []FeatureImportance `json:"feature_importance"`

	// EvalAUC is the held-out AUC after each boosting round.
	EvalAUC []float64 `json:"eval_auc,omitempty"`
}

// Artifact unit names. A model artifact is only usable with all three.
const (
	ArtifactUnitModel        = "model"
	ArtifactUnitVocabularies = "vocabularies"
	ArtifactUnitFeatureNames = "feature_names"
)

// ArtifactUnits lists the units in persistence order.
var ArtifactUnits = []string{ArtifactUnitModel, ArtifactUnitVocabularies, ArtifactUnitFeatureNames}

// ModelArtifact is the persisted form of a trained model.
type ModelArtifact struct {
	Version   string            `json:"version"`
	CreatedAt time.Time         `json:"createdAt"`
	Units     map[string][]byte `json:"units"`
}

// Validate checks that every unit is present.
func (a *ModelArtifact) Validate() error {
	if a == nil {
		return NewError(KindValidation, "artifact is nil")
	}
	if a.Version == "" {
		return NewError(KindValidation, "artifact version is required")
	}
	for _, unit := range ArtifactUnits {
		if len(a.Units[unit]) == 0 {
			return NewError(KindValidation, "artifact %s is missing unit %q", a.Version, unit)
		}
	}
	return nil
}

// ModelStatus describes the serving model for the stats endpoint.
type ModelStatus struct {
	Trained      bool             `json:"model_trained"`
	Version      string           `json:"model_version,omitempty"`
	TrainedAt    *time.Time       `json:"trained_at,omitempty"`
	FeatureNames []string         `json:"feature_names,omitempty"`
	Metrics      *TrainingMetrics `json:"metrics,omitempty"`
	RuleCount    int              `json:"rule_count"`
}
