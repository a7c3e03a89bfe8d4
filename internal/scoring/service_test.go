package scoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

type fixture struct {
	svc     *Service
	repo    domain.Repository
	cache   *cache.LRUCache
	metrics *metrics.Collector
}

func newFixture(t *testing.T, repo domain.Repository) *fixture {
	t.Helper()
	if repo == nil {
		var err error
		repo, err = repository.New(domain.RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "scoring.db"),
		})
		if err != nil {
			t.Fatalf("failed to create repository: %v", err)
		}
		t.Cleanup(func() { repo.Close() })
	}

	engine, err := rules.NewEngine(rules.DefaultCatalogue(), 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	classifier := model.New(repo)
	classifier.Params.NumRounds = 30

	f := &fixture{
		repo:    repo,
		cache:   cache.NewLRUCache(1000),
		metrics: metrics.NewCollector(),
	}
	f.svc = NewService(engine, classifier, tadp.NewProcessor(), Options{
		Repository: repo,
		Cache:      f.cache,
		Metrics:    f.metrics,
	})
	return f
}

// trainingSet flags every tenth record: large amounts in the small hours.
func trainingSet(n int) domain.Dataset {
	rng := rand.New(rand.NewPCG(7, 11))
	ds := make(domain.Dataset, n)
	for i := range ds {
		rec := domain.Record{
			"transaction_id":     fmt.Sprintf("train-%d", i),
			"transaction_type":   []string{"P2P", "P2M", "Bill Payment"}[i%3],
			"device_type":        []string{"Android", "iOS"}[i%2],
			"transaction_status": "SUCCESS",
			"amount":             100 + rng.Float64()*2000,
			"hour_of_day":        9 + rng.IntN(10),
			"fraud_flag":         0,
		}
		if i%10 == 0 {
			rec["amount"] = 20000 + rng.Float64()*5000
			rec["hour_of_day"] = 1 + rng.IntN(3)
			rec["fraud_flag"] = 1
		}
		ds[i] = rec
	}
	return ds
}

func suspicious(txID string) domain.Record {
	return domain.Record{
		"transaction_id":     txID,
		"transaction_type":   "P2P",
		"device_type":        "Android",
		"transaction_status": "SUCCESS",
		"amount":             22000.0,
		"hour_of_day":        2,
	}
}

func ordinary(txID string) domain.Record {
	return domain.Record{
		"transaction_id":     txID,
		"transaction_type":   "P2M",
		"device_type":        "iOS",
		"transaction_status": "SUCCESS",
		"amount":             640.0,
		"hour_of_day":        14,
	}
}

func TestUntrainedPredictIsRuleOnly(t *testing.T) {
	f := newFixture(t, nil)

	pred, err := f.svc.Predict(context.Background(), domain.Record{
		"transaction_id":     "tx-rules",
		"amount":             15000.0,
		"hour_of_day":        2,
		"transaction_status": "FAILED",
	})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	if !pred.RuleBasedFraud || !pred.FinalPrediction {
		t.Errorf("expected rule-based fraud to decide the verdict: %+v", pred)
	}
	if pred.MLFraudPrediction || pred.MLFraudProbability != 0 {
		t.Errorf("expected no model contribution: %+v", pred)
	}
	if pred.RiskLevel != domain.RiskLow {
		t.Errorf("expected LOW for score %.3f, got %s", pred.RuleBasedScore, pred.RiskLevel)
	}
	if pred.ModelVersion != "" {
		t.Errorf("expected empty model version, got %q", pred.ModelVersion)
	}
	if len(pred.TriggeredRules) != 3 {
		t.Errorf("expected 3 triggered rules, got %v", pred.TriggeredRules)
	}
	if f.svc.Ready() {
		t.Error("service should not be ready before training")
	}
}

func TestTrainThenPredict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	trained, err := f.svc.Train(ctx, trainingSet(600), model.DefaultTrainOptions())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if trained.Version == "" {
		t.Fatal("expected a model version")
	}

	names := trained.Encoder.FeatureNames
	if names[len(names)-2] != domain.FieldRuleScore || names[len(names)-1] != domain.FieldRuleBasedFraud {
		t.Errorf("expected rule columns as trailing features, got %v", names)
	}

	t.Run("Suspicious", func(t *testing.T) {
		pred, err := f.svc.Predict(ctx, suspicious("tx-s"))
		if err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		if !pred.MLFraudPrediction || !pred.FinalPrediction {
			t.Errorf("expected model to flag the transaction: %+v", pred)
		}
		if pred.MLFraudProbability <= tadp.NewProcessor().MLThreshold {
			t.Errorf("expected probability above threshold, got %.3f", pred.MLFraudProbability)
		}
		if pred.RiskLevel == domain.RiskLow {
			t.Errorf("expected elevated risk, got %s", pred.RiskLevel)
		}
		if pred.ModelVersion != trained.Version {
			t.Errorf("expected version %s, got %s", trained.Version, pred.ModelVersion)
		}
	})

	t.Run("Ordinary", func(t *testing.T) {
		pred, err := f.svc.Predict(ctx, ordinary("tx-o"))
		if err != nil {
			t.Fatalf("Predict failed: %v", err)
		}
		if pred.FinalPrediction || pred.MLFraudPrediction {
			t.Errorf("expected legitimate verdict: %+v", pred)
		}
	})

	t.Run("MissingFeature", func(t *testing.T) {
		_, err := f.svc.Predict(ctx, domain.Record{"amount": 500.0})
		if !errors.Is(err, domain.ErrDataShapeMismatch) {
			t.Errorf("expected data shape mismatch, got %v", err)
		}
	})

	t.Run("Status", func(t *testing.T) {
		status := f.svc.Status()
		if !status.Trained || status.Version != trained.Version {
			t.Errorf("unexpected status: %+v", status)
		}
		if status.Metrics == nil || status.Metrics.TestSamples != 120 {
			t.Errorf("expected 120 held-out samples, got %+v", status.Metrics)
		}
		if status.RuleCount != f.svc.Engine().RulesCount() {
			t.Errorf("expected rule count %d, got %d", f.svc.Engine().RulesCount(), status.RuleCount)
		}
	})
}

func TestPredictionMemo(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Predict(ctx, ordinary("tx-memo"))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	second, err := f.svc.Predict(ctx, ordinary("tx-memo"))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("replayed transaction should return the stored verdict: %s != %s", first.ID, second.ID)
	}

	// A reused id with different contents is a new transaction.
	reused, err := f.svc.Predict(ctx, suspicious("tx-memo"))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	fresh, err := f.svc.Predict(ctx, suspicious("tx-fresh"))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if reused.ID == first.ID {
		t.Error("a reused transaction id with different fields returned the memoized verdict")
	}
	if reused.RuleBasedScore != fresh.RuleBasedScore {
		t.Errorf("rule score %v for reused id, %v for fresh id", reused.RuleBasedScore, fresh.RuleBasedScore)
	}
	if len(reused.TriggeredRules) == 0 || len(reused.TriggeredRules) != len(fresh.TriggeredRules) {
		t.Errorf("triggered rules %v for reused id, %v for fresh id", reused.TriggeredRules, fresh.TriggeredRules)
	}

	rec := ordinary("")
	delete(rec, "transaction_id")
	a, _ := f.svc.Predict(ctx, rec)
	b, _ := f.svc.Predict(ctx, rec)
	if a.ID == b.ID {
		t.Error("transactions without an id must not be memoized")
	}

	// A new model version makes the old entry unreachable.
	if _, err := f.svc.Train(ctx, trainingSet(300), model.DefaultTrainOptions()); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	third, err := f.svc.Predict(ctx, ordinary("tx-memo"))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if third.ID == first.ID {
		t.Error("retraining should invalidate memoized verdicts")
	}
	if third.ModelVersion == "" {
		t.Error("expected model version after retraining")
	}
}

func TestPredictBatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.Train(ctx, trainingSet(600), model.DefaultTrainOptions()); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	batch := domain.Dataset{ordinary("b-1"), suspicious("b-2"), ordinary("b-3")}
	preds, err := f.svc.PredictBatch(ctx, batch)
	if err != nil {
		t.Fatalf("PredictBatch failed: %v", err)
	}
	if len(preds) != 3 {
		t.Fatalf("expected 3 predictions, got %d", len(preds))
	}
	for i, want := range []string{"b-1", "b-2", "b-3"} {
		if preds[i].TransactionID != want {
			t.Errorf("prediction %d: expected %s, got %s", i, want, preds[i].TransactionID)
		}
	}
	if preds[0].FinalPrediction || !preds[1].FinalPrediction {
		t.Errorf("unexpected verdicts: %v %v", preds[0].FinalPrediction, preds[1].FinalPrediction)
	}

	single, err := f.svc.Predict(ctx, suspicious("b-2"))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if single.ID != preds[1].ID {
		t.Error("batch verdicts should be memoized for single lookups")
	}

	empty, err := f.svc.PredictBatch(ctx, domain.Dataset{})
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty result for empty batch, got %v, %v", empty, err)
	}
}

func TestApplyRules(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.svc.ApplyRules(context.Background(), domain.Dataset{
		{"amount": 15000.0, "hour_of_day": 2, "transaction_status": "FAILED"},
		{"amount": 640.0, "hour_of_day": 14},
	})
	if err != nil {
		t.Fatalf("ApplyRules failed: %v", err)
	}
	if report.Summary.TotalTransactions != 2 || report.Summary.FlaggedByRules != 1 {
		t.Errorf("unexpected summary: %+v", report.Summary)
	}
	if report.Summary.FraudPercentage != 50 {
		t.Errorf("expected 50%%, got %v", report.Summary.FraudPercentage)
	}
	if len(report.Results) != 2 || !report.Results[0].IsFraud {
		t.Errorf("unexpected results: %+v", report.Results)
	}
}

func TestTrainValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Train(context.Background(), domain.Dataset{}, model.DefaultTrainOptions())
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	out := scrape(t, f.metrics)
	if !strings.Contains(out, `kestrel_training_runs_total{status="failed"} 1`) {
		t.Error("expected failed training run to be counted")
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.svc.Restore(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found before any training, got %v", err)
	}

	trained, err := f.svc.Train(ctx, trainingSet(600), model.DefaultTrainOptions())
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	want, err := f.svc.Predict(ctx, suspicious(""))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	// A second service over the same repository, as after a restart.
	restarted := newFixture(t, f.repo)
	if err := restarted.svc.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !restarted.svc.Ready() {
		t.Fatal("expected restored service to be ready")
	}
	if v := restarted.svc.Status().Version; v != trained.Version {
		t.Errorf("expected version %s, got %s", trained.Version, v)
	}

	got, err := restarted.svc.Predict(ctx, suspicious(""))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if got.MLFraudProbability != want.MLFraudProbability {
		t.Errorf("restored model disagrees: %v != %v", got.MLFraudProbability, want.MLFraudProbability)
	}
}

func TestGetPrediction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pred, err := f.svc.Predict(ctx, ordinary("tx-stored"))
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	got, err := f.svc.GetPrediction(ctx, pred.ID)
	if err != nil {
		t.Fatalf("GetPrediction failed: %v", err)
	}
	if got.TransactionID != "tx-stored" || got.RiskLevel != pred.RiskLevel {
		t.Errorf("unexpected stored prediction: %+v", got)
	}

	if _, err := f.svc.GetPrediction(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	out := scrape(t, f.metrics)
	if !strings.Contains(out, `kestrel_predictions_total{risk_level="LOW"} 1`) {
		t.Errorf("expected one LOW prediction counted:\n%s", out)
	}
}

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}
