// Package model trains and serves the gradient boosted fraud classifier.
package model

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/gbdt"
	"golang.org/x/sync/semaphore"
)

// DecisionThreshold is the probability above which Predict reports fraud.
const DecisionThreshold = 0.5

// ArtifactStore persists trained artifacts.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, artifact *domain.ModelArtifact) error
}

// TrainOptions controls the held-out split.
type TrainOptions struct {
	TestFraction float64
	Seed         int64
}

// DefaultTrainOptions returns a 20% stratified hold-out with seed 42.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{TestFraction: 0.2, Seed: 42}
}

// Trained is one immutable training outcome. The encoder state, the
// booster and the feature order always come from the same run.
type Trained struct {
	Version   string
	TrainedAt time.Time
	Params    gbdt.Params
	Encoder   *features.State
	Booster   *gbdt.Booster
	Metrics   *domain.TrainingMetrics
}

// PredictProbability encodes the records with the frozen encoder state
// and returns the fraud probability of each.
func (t *Trained) PredictProbability(ctx context.Context, dataset domain.Dataset) ([]float64, error) {
	if len(dataset) == 0 {
		return []float64{}, nil
	}
	X, err := t.Encoder.Encode(ctx, dataset)
	if err != nil {
		return nil, err
	}
	probs, err := t.Booster.PredictProba(X)
	if err != nil {
		return nil, domain.WrapError(domain.KindDataShapeMismatch, err, "model %s", t.Version)
	}
	return probs, nil
}

// Classifier owns the serving model. Reads go through an atomic pointer,
// so concurrent inference sees either the previous or the new model in
// full while a training run replaces it.
type Classifier struct {
	// Params are the boosting hyperparameters. ScalePosWeight and Seed
	// are set per run.
	Params gbdt.Params

	store    ArtifactStore
	current  atomic.Pointer[Trained]
	inflight *semaphore.Weighted
}

// New creates an untrained classifier. store may be nil.
func New(store ArtifactStore) *Classifier {
	return &Classifier{
		Params:   gbdt.DefaultParams(),
		store:    store,
		inflight: semaphore.NewWeighted(1),
	}
}

// Current returns the serving model, or nil before the first training.
func (c *Classifier) Current() *Trained {
	return c.current.Load()
}

// IsTrained reports whether a model is being served.
func (c *Classifier) IsTrained() bool {
	return c.current.Load() != nil
}

// Train fits a new model on a labelled dataset and swaps it in.
// Only one run may be in progress; a concurrent call fails with a
// conflict error and leaves the serving model untouched, as does any
// failure along the way.
func (c *Classifier) Train(ctx context.Context, dataset domain.Dataset, opts TrainOptions) (*Trained, error) {
	if !c.inflight.TryAcquire(1) {
		return nil, domain.NewError(domain.KindConflict, "training already in progress")
	}
	defer c.inflight.Release(1)

	start := time.Now()

	if len(dataset) == 0 {
		return nil, domain.NewError(domain.KindValidation, "training dataset is empty")
	}
	labels, err := labelsOf(dataset)
	if err != nil {
		return nil, err
	}

	trainIdx, testIdx, err := stratifiedSplit(labels, opts.TestFraction, opts.Seed)
	if err != nil {
		return nil, err
	}

	enc := features.NewEncoder()
	X, err := enc.Transform(ctx, dataset, true)
	if err != nil {
		return nil, err
	}
	state := enc.State()

	trainX, trainY := gather(X, labels, trainIdx)
	testX, testY := gather(X, labels, testIdx)

	var pos, neg int
	for _, y := range trainY {
		if y == 1 {
			pos++
		} else {
			neg++
		}
	}
	scalePosWeight := float64(neg) / float64(pos)

	params := c.Params
	params.ScalePosWeight = scalePosWeight
	params.Seed = uint64(opts.Seed)

	slog.Info("training started",
		"samples", len(dataset),
		"features", len(state.FeatureNames),
		"train_samples", len(trainIdx),
		"test_samples", len(testIdx),
		"scale_pos_weight", scalePosWeight,
	)

	booster, err := gbdt.Train(ctx, trainX, trainY, params, &gbdt.EvalSet{X: testX, Y: testY, Metric: rocAUC})
	if err != nil {
		return nil, err
	}
	for round, auc := range booster.EvalHistory {
		slog.Debug("boosting round", "round", round+1, "eval_auc", auc)
	}

	probs, err := booster.PredictProba(testX)
	if err != nil {
		return nil, err
	}

	metrics := &domain.TrainingMetrics{
		TrainSamples:      len(trainIdx),
		TestSamples:       len(testIdx),
		ScalePosWeight:    scalePosWeight,
		FeatureImportance: topImportance(state.FeatureNames, booster.Importance, topFeatures),
		EvalAUC:           booster.EvalHistory,
	}
	for _, y := range labels {
		if y == 1 {
			metrics.FraudSamples++
		} else {
			metrics.LegitimateSamples++
		}
	}
	evaluate(metrics, testY, probs)

	version, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	trained := &Trained{
		Version:   version.String(),
		TrainedAt: time.Now().UTC(),
		Params:    params,
		Encoder:   state,
		Booster:   booster,
		Metrics:   metrics,
	}

	if c.store != nil {
		artifact, err := trained.Artifact()
		if err != nil {
			return nil, err
		}
		if err := c.store.SaveArtifact(ctx, artifact); err != nil {
			return nil, err
		}
	}

	c.current.Store(trained)

	slog.Info("training finished",
		"version", trained.Version,
		"roc_auc", metrics.ROCAUC,
		"accuracy", metrics.Accuracy,
		"f1_score", metrics.F1Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return trained, nil
}

// PredictProbability scores records with the serving model.
func (c *Classifier) PredictProbability(ctx context.Context, dataset domain.Dataset) ([]float64, error) {
	t := c.current.Load()
	if t == nil {
		return nil, domain.NewError(domain.KindUntrainedModel, "model has not been trained")
	}
	return t.PredictProbability(ctx, dataset)
}

// Predict returns 1 for records whose probability exceeds DecisionThreshold.
func (c *Classifier) Predict(ctx context.Context, dataset domain.Dataset) ([]int, error) {
	probs, err := c.PredictProbability(ctx, dataset)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(probs))
	for i, p := range probs {
		if p > DecisionThreshold {
			out[i] = 1
		}
	}
	return out, nil
}

// Metrics returns the held-out metrics of the serving model.
func (c *Classifier) Metrics() (*domain.TrainingMetrics, error) {
	t := c.current.Load()
	if t == nil {
		return nil, domain.NewError(domain.KindUntrainedModel, "model has not been trained")
	}
	if t.Metrics == nil {
		return nil, domain.NewError(domain.KindUntrainedModel, "model %s carries no metrics", t.Version)
	}
	return t.Metrics, nil
}

// Restore replaces the serving model with a persisted artifact. The
// artifact is checked in full before the swap.
func (c *Classifier) Restore(artifact *domain.ModelArtifact) error {
	if !c.inflight.TryAcquire(1) {
		return domain.NewError(domain.KindConflict, "training already in progress")
	}
	defer c.inflight.Release(1)

	t, err := decodeArtifact(artifact)
	if err != nil {
		return err
	}
	c.current.Store(t)
	slog.Info("model restored", "version", t.Version, "features", len(t.Encoder.FeatureNames))
	return nil
}

// Artifact exports the serving model.
func (c *Classifier) Artifact() (*domain.ModelArtifact, error) {
	t := c.current.Load()
	if t == nil {
		return nil, domain.NewError(domain.KindUntrainedModel, "model has not been trained")
	}
	return t.Artifact()
}

func labelsOf(dataset domain.Dataset) ([]float64, error) {
	labels := make([]float64, len(dataset))
	for i, rec := range dataset {
		v, ok := rec[domain.FieldFraudFlag]
		if !ok || v == nil {
			return nil, domain.NewError(domain.KindValidation, "record %d has no %s column", i, domain.FieldFraudFlag)
		}
		y, ok := domain.Label(v)
		if !ok {
			return nil, domain.NewError(domain.KindValidation, "record %d has unreadable %s %v", i, domain.FieldFraudFlag, v)
		}
		labels[i] = float64(y)
	}
	return labels, nil
}
