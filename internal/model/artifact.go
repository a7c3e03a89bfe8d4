package model

import (
	"encoding/json"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/gbdt"
)

// unitEnvelope stamps every persisted unit with the artifact version so a
// unit from another training run is detected on load.
type unitEnvelope struct {
	Version string          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

type modelUnit struct {
	TrainedAt time.Time               `json:"trainedAt"`
	Params    gbdt.Params             `json:"params"`
	Booster   *gbdt.Booster           `json:"booster"`
	Metrics   *domain.TrainingMetrics `json:"metrics"`
}

// Artifact exports the trained state as a three-unit artifact.
func (t *Trained) Artifact() (*domain.ModelArtifact, error) {
	payloads := map[string]any{
		domain.ArtifactUnitModel: modelUnit{
			TrainedAt: t.TrainedAt,
			Params:    t.Params,
			Booster:   t.Booster,
			Metrics:   t.Metrics,
		},
		domain.ArtifactUnitVocabularies: t.Encoder.Vocabularies,
		domain.ArtifactUnitFeatureNames: t.Encoder.FeatureNames,
	}

	artifact := &domain.ModelArtifact{
		Version:   t.Version,
		CreatedAt: t.TrainedAt,
		Units:     make(map[string][]byte, len(payloads)),
	}
	for unit, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, domain.WrapError(domain.KindValidation, err, "encode unit %q", unit)
		}
		env, err := json.Marshal(unitEnvelope{Version: t.Version, Data: data})
		if err != nil {
			return nil, domain.WrapError(domain.KindValidation, err, "encode unit %q", unit)
		}
		artifact.Units[unit] = env
	}
	return artifact, nil
}

// decodeArtifact rebuilds a Trained from its persisted units. A missing
// unit is a validation error; units that do not fit together are a shape
// mismatch.
func decodeArtifact(a *domain.ModelArtifact) (*Trained, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	var (
		mu    modelUnit
		vocab map[string]*features.Vocabulary
		names []string
	)
	targets := map[string]any{
		domain.ArtifactUnitModel:        &mu,
		domain.ArtifactUnitVocabularies: &vocab,
		domain.ArtifactUnitFeatureNames: &names,
	}
	for _, unit := range domain.ArtifactUnits {
		var env unitEnvelope
		if err := json.Unmarshal(a.Units[unit], &env); err != nil {
			return nil, domain.WrapError(domain.KindDataShapeMismatch, err, "decode unit %q", unit)
		}
		if env.Version != a.Version {
			return nil, domain.NewError(domain.KindDataShapeMismatch,
				"unit %q belongs to version %q, not %q", unit, env.Version, a.Version)
		}
		if err := json.Unmarshal(env.Data, targets[unit]); err != nil {
			return nil, domain.WrapError(domain.KindDataShapeMismatch, err, "decode unit %q", unit)
		}
	}

	if mu.Booster == nil {
		return nil, domain.NewError(domain.KindDataShapeMismatch, "model unit has no booster")
	}
	if err := mu.Booster.Validate(); err != nil {
		return nil, domain.WrapError(domain.KindDataShapeMismatch, err, "model unit")
	}

	state := &features.State{FeatureNames: names, Vocabularies: vocab}
	if state.Vocabularies == nil {
		state.Vocabularies = make(map[string]*features.Vocabulary)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	if mu.Booster.NumFeatures != len(names) {
		return nil, domain.NewError(domain.KindDataShapeMismatch,
			"booster expects %d features, feature list has %d", mu.Booster.NumFeatures, len(names))
	}

	trainedAt := mu.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = a.CreatedAt
	}
	return &Trained{
		Version:   a.Version,
		TrainedAt: trainedAt,
		Params:    mu.Params,
		Encoder:   state,
		Booster:   mu.Booster,
		Metrics:   mu.Metrics,
	}, nil
}
