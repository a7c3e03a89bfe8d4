// Package scoring wires the rule engine, the classifier and the decision
// processor into the serving pipeline.
package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// untrainedVersion keys memoized rule-only predictions.
const untrainedVersion = "rules-only"

// Options carries the optional collaborators of a Service.
type Options struct {
	Repository    domain.Repository
	Cache         domain.Cache
	Metrics       *metrics.Collector
	PredictionTTL time.Duration

	// TrainDefaults applies when a training request leaves options unset.
	TrainDefaults model.TrainOptions
}

// Service is the serving context: one rule catalogue, one classifier and
// one processor shared by every request.
type Service struct {
	engine     *rules.Engine
	classifier *model.Classifier
	processor  *tadp.Processor

	repo          domain.Repository
	cache         domain.Cache
	metrics       *metrics.Collector
	predictionTTL time.Duration
	trainDefaults model.TrainOptions
	tracer        trace.Tracer
}

// NewService creates a scoring service.
func NewService(engine *rules.Engine, classifier *model.Classifier, processor *tadp.Processor, opts Options) *Service {
	ttl := opts.PredictionTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	defaults := opts.TrainDefaults
	if defaults.TestFraction == 0 {
		defaults = model.DefaultTrainOptions()
	}
	return &Service{
		engine:        engine,
		classifier:    classifier,
		processor:     processor,
		repo:          opts.Repository,
		cache:         opts.Cache,
		metrics:       opts.Metrics,
		predictionTTL: ttl,
		trainDefaults: defaults,
		tracer:        otel.Tracer("kestrel/scoring"),
	}
}

// Engine returns the rule engine.
func (s *Service) Engine() *rules.Engine {
	return s.engine
}

// Processor returns the decision processor.
func (s *Service) Processor() *tadp.Processor {
	return s.processor
}

// TrainDefaults returns the split options used when a request sets none.
func (s *Service) TrainDefaults() model.TrainOptions {
	return s.trainDefaults
}

// Ready reports whether a model is being served.
func (s *Service) Ready() bool {
	return s.classifier.IsTrained()
}

// RuleReport is the outcome of a bulk rule run.
type RuleReport struct {
	Summary domain.RuleSummary      `json:"summary"`
	Results []domain.RuleEvaluation `json:"results"`
}

// ApplyRules evaluates the catalogue over a dataset.
func (s *Service) ApplyRules(ctx context.Context, dataset domain.Dataset) (*RuleReport, error) {
	results, err := s.engine.Apply(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return &RuleReport{Summary: domain.Summarize(results), Results: results}, nil
}

// Train applies the rules to the labelled dataset, so that rule_score and
// rule_based_fraud become features, then trains a new model.
func (s *Service) Train(ctx context.Context, dataset domain.Dataset, opts model.TrainOptions) (*model.Trained, error) {
	ctx, span := s.tracer.Start(ctx, "scoring.Train",
		trace.WithAttributes(attribute.Int("kestrel.records", len(dataset))))
	defer span.End()

	start := time.Now()
	trained, err := s.train(ctx, dataset, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.metrics != nil {
			status := "failed"
			if errors.Is(err, domain.ErrTrainingInProgress) {
				status = "rejected"
			}
			s.metrics.RecordTraining(status, time.Since(start), nil)
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("kestrel.model_version", trained.Version),
		attribute.Float64("kestrel.roc_auc", trained.Metrics.ROCAUC),
	)
	if s.metrics != nil {
		s.metrics.RecordTraining("success", time.Since(start), trained.Metrics)
	}
	return trained, nil
}

func (s *Service) train(ctx context.Context, dataset domain.Dataset, opts model.TrainOptions) (*model.Trained, error) {
	if len(dataset) == 0 {
		return nil, domain.NewError(domain.KindValidation, "training dataset is empty")
	}
	results, err := s.engine.Apply(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return s.classifier.Train(ctx, rules.EnrichAll(dataset, results), opts)
}

// Restore installs the most recently persisted model.
func (s *Service) Restore(ctx context.Context) error {
	if s.repo == nil {
		return domain.NewError(domain.KindValidation, "no repository configured")
	}
	artifact, err := s.repo.LatestArtifact(ctx)
	if err != nil {
		return err
	}
	if err := s.classifier.Restore(artifact); err != nil {
		return err
	}
	if m, err := s.classifier.Metrics(); err == nil && s.metrics != nil {
		s.metrics.SetModelAUC(m.ROCAUC)
	}
	return nil
}

// Predict scores one transaction. When the record carries a
// transaction_id the verdict is memoized per model version and record
// contents, so replayed deliveries return the stored verdict while a
// reused id with different fields is scored afresh.
func (s *Service) Predict(ctx context.Context, rec domain.Record) (*domain.Prediction, error) {
	ctx, span := s.tracer.Start(ctx, "scoring.Predict")
	defer span.End()

	start := time.Now()
	current := s.classifier.Current()
	txID := rec.String(domain.FieldTransactionID, "")
	key := memoKey(current, rec)

	if key != "" {
		if pred := s.lookup(ctx, key); pred != nil {
			span.SetAttributes(attribute.Bool("kestrel.memoized", true))
			return pred, nil
		}
	}

	rule, err := s.engine.EvaluateSingle(rec)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var probability *float64
	version := ""
	if current != nil {
		probs, err := current.PredictProbability(ctx, domain.Dataset{rules.Enrich(rec, rule)})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		probability = &probs[0]
		version = current.Version
	}

	pred := s.processor.Process(ctx, &tadp.DecisionInput{
		TransactionID: txID,
		ModelVersion:  version,
		Rule:          rule,
		Probability:   probability,
	})
	span.SetAttributes(
		attribute.String("kestrel.risk_level", string(pred.RiskLevel)),
		attribute.Bool("kestrel.final_prediction", pred.FinalPrediction),
	)

	s.record(ctx, pred, key, time.Since(start))
	return pred, nil
}

// PredictBatch scores many transactions against one model snapshot. Rule
// evaluation runs in parallel; model inference is one batched pass.
func (s *Service) PredictBatch(ctx context.Context, dataset domain.Dataset) ([]*domain.Prediction, error) {
	ctx, span := s.tracer.Start(ctx, "scoring.PredictBatch",
		trace.WithAttributes(attribute.Int("kestrel.records", len(dataset))))
	defer span.End()

	start := time.Now()
	current := s.classifier.Current()

	results, err := s.engine.Apply(ctx, dataset)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var probs []float64
	version := ""
	if current != nil && len(dataset) > 0 {
		probs, err = current.PredictProbability(ctx, rules.EnrichAll(dataset, results))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		version = current.Version
	}

	// Latency is amortized over the batch.
	var perRecord time.Duration
	if len(dataset) > 0 {
		perRecord = time.Since(start) / time.Duration(len(dataset))
	}

	preds := make([]*domain.Prediction, len(dataset))
	for i, rec := range dataset {
		var probability *float64
		if probs != nil {
			probability = &probs[i]
		}
		txID := rec.String(domain.FieldTransactionID, "")
		preds[i] = s.processor.Process(ctx, &tadp.DecisionInput{
			TransactionID: txID,
			ModelVersion:  version,
			Rule:          results[i],
			Probability:   probability,
		})
		s.record(ctx, preds[i], memoKey(current, rec), perRecord)
	}

	slog.Debug("batch scored",
		"records", len(dataset),
		"model_version", version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return preds, nil
}

// GetPrediction returns a stored verdict.
func (s *Service) GetPrediction(ctx context.Context, id string) (*domain.Prediction, error) {
	if s.repo == nil {
		return nil, domain.NewError(domain.KindValidation, "no repository configured")
	}
	return s.repo.GetPrediction(ctx, id)
}

// Status describes the serving model.
func (s *Service) Status() domain.ModelStatus {
	status := domain.ModelStatus{RuleCount: s.engine.RulesCount()}
	current := s.classifier.Current()
	if current == nil {
		return status
	}
	trainedAt := current.TrainedAt
	status.Trained = true
	status.Version = current.Version
	status.TrainedAt = &trainedAt
	status.FeatureNames = current.Encoder.FeatureNames
	status.Metrics = current.Metrics
	return status
}

// memoKey is empty for records that cannot be memoized.
func memoKey(current *model.Trained, rec domain.Record) string {
	txID := rec.String(domain.FieldTransactionID, "")
	if txID == "" {
		return ""
	}
	digest, err := recordDigest(rec)
	if err != nil {
		return ""
	}
	version := untrainedVersion
	if current != nil {
		version = current.Version
	}
	return "prediction:" + version + ":" + txID + ":" + digest
}

// recordDigest hashes every field but the transaction id. Map keys are
// marshalled in sorted order, so equal records hash equally.
func recordDigest(rec domain.Record) (string, error) {
	fields := maps.Clone(rec)
	delete(fields, domain.FieldTransactionID)
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Service) lookup(ctx context.Context, key string) *domain.Prediction {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("prediction cache read failed", "key", key, "error", err)
		return nil
	}
	if data == nil {
		return nil
	}
	var pred domain.Prediction
	if err := json.Unmarshal(data, &pred); err != nil {
		slog.Warn("discarding undecodable cached prediction", "key", key, "error", err)
		return nil
	}
	return &pred
}

// record persists, memoizes and counts a verdict. Storage failures are
// logged; the verdict itself stands.
func (s *Service) record(ctx context.Context, pred *domain.Prediction, key string, duration time.Duration) {
	if s.repo != nil {
		if err := s.repo.SavePrediction(ctx, pred); err != nil {
			slog.Error("failed to save prediction",
				"prediction_id", pred.ID,
				"transaction_id", pred.TransactionID,
				"error", err,
			)
		}
	}

	if s.cache != nil && key != "" {
		if data, err := json.Marshal(pred); err == nil {
			if err := s.cache.Set(ctx, key, data, s.predictionTTL); err != nil {
				slog.Warn("prediction cache write failed", "key", key, "error", err)
			}
		}
	}

	if s.metrics != nil {
		s.metrics.RecordPrediction(pred, duration)
	}
}
