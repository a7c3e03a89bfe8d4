package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

type testEnv struct {
	server *Server
	bus    *bus.ChannelBus
}

// createTestServer wires a server over a temp sqlite repository, an LRU
// cache and a channel bus.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()
	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
		MaxBodyBytes: 1 << 20,
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })
	collector := metrics.NewCollector()

	engine, err := rules.NewEngine(rules.DefaultCatalogue(), 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	classifier := model.New(repo)
	classifier.Params.NumRounds = 20

	svc := scoring.NewService(engine, classifier, tadp.NewProcessor(), scoring.Options{
		Repository: repo,
		Cache:      lru,
		Metrics:    collector,
	})

	return &testEnv{
		server: NewServer(cfg, svc, repo, lru, eventBus, collector, "test-v1"),
		bus:    eventBus,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func trainingRecords(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		rec := map[string]any{
			"transaction_id":   fmt.Sprintf("t-%d", i),
			"transaction_type": []string{"P2P", "P2M"}[i%2],
			"amount":           300 + float64(i%17)*90,
			"hour_of_day":      10 + i%8,
			"fraud_flag":       0,
		}
		if i%8 == 0 {
			rec["amount"] = 24000 + float64(i%5)*700
			rec["hour_of_day"] = 2
			rec["fraud_flag"] = 1
		}
		out[i] = rec
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var resp map[string]any
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %v", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %v", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", nil)
		var resp map[string]bool
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp["ready"] || resp["model_trained"] {
			t.Errorf("unexpected readiness: %v", resp)
		}
	})

	t.Run("TraceHeaders", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Header().Get(RequestIDHeader) == "" || rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected request and trace id headers")
		}
	})

	t.Run("Preflight", func(t *testing.T) {
		rr := env.do(t, http.MethodOptions, "/predict", nil)
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected 204 for preflight, got %d", rr.Code)
		}
	})
}

func TestRulesEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules", nil)
		var resp struct {
			Rules     []domain.RuleDescriptor `json:"rules"`
			Count     int                     `json:"count"`
			Threshold float64                 `json:"threshold"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Count != len(rules.DefaultCatalogue()) || len(resp.Rules) != resp.Count {
			t.Errorf("unexpected catalogue size: %d", resp.Count)
		}
		if resp.Rules[0].Name != "High Amount Transaction" {
			t.Errorf("unexpected first rule: %s", resp.Rules[0].Name)
		}
		if resp.Threshold != rules.DefaultThreshold {
			t.Errorf("expected threshold %v, got %v", rules.DefaultThreshold, resp.Threshold)
		}
	})

	t.Run("Apply", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/apply", map[string]any{
			"records": []map[string]any{
				{"amount": 15000, "hour_of_day": 2, "transaction_status": "FAILED"},
				{"amount": "640.00", "hour_of_day": 14},
			},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp scoring.RuleReport
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Summary.TotalTransactions != 2 || resp.Summary.FlaggedByRules != 1 {
			t.Errorf("unexpected summary: %+v", resp.Summary)
		}
	})
}

func TestPredictBeforeTraining(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodPost, "/predict", map[string]any{
		"transaction_id": "tx-1",
		"amount":         10,
		"hour_of_day":    12,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp PredictResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RiskLevel != domain.RiskLow || resp.FinalPrediction {
		t.Errorf("unexpected verdict: %+v", resp.Prediction)
	}
	if len(resp.Reasons) != 1 || resp.Reasons[0] != "rule: Very Small Amount" {
		t.Errorf("unexpected reasons: %v", resp.Reasons)
	}

	// The stored verdict is retrievable by id.
	rr = env.do(t, http.MethodGet, "/predictions/"+resp.ID, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected stored prediction, got %d", rr.Code)
	}
}

func TestTrainAndPredict(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodPost, "/train", map[string]any{
		"records":      trainingRecords(400),
		"testFraction": 0.2,
		"seed":         7,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var trained TrainResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &trained); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if trained.Status != "trained" || trained.Version == "" {
		t.Errorf("unexpected train response: %+v", trained)
	}
	if trained.Metrics == nil || trained.Metrics.TestSamples != 80 {
		t.Errorf("expected 80 held-out samples, got %+v", trained.Metrics)
	}

	t.Run("Stats", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/stats", nil)
		var status domain.ModelStatus
		_ = json.Unmarshal(rr.Body.Bytes(), &status)
		if !status.Trained || status.Version != trained.Version {
			t.Errorf("unexpected stats: %+v", status)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/predict/batch", map[string]any{
			"records": []map[string]any{
				{"transaction_id": "b-1", "transaction_type": "P2M", "amount": 450, "hour_of_day": 13},
				{"transaction_id": "b-2", "transaction_type": "P2P", "amount": 25000, "hour_of_day": 2},
			},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp BatchResponse
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 2 {
			t.Fatalf("expected 2 predictions, got %d", resp.Count)
		}
		if resp.Predictions[0].FinalPrediction || !resp.Predictions[1].FinalPrediction {
			t.Errorf("unexpected verdicts: %+v / %+v", resp.Predictions[0].Prediction, resp.Predictions[1].Prediction)
		}
		if resp.Predictions[1].ModelVersion != trained.Version {
			t.Errorf("expected model version %s", trained.Version)
		}
	})

	t.Run("MissingFeatureIs422", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/predict", map[string]any{"amount": 100})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected 422, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		body := rr.Body.String()
		if !strings.Contains(body, `kestrel_training_runs_total{status="success"} 1`) {
			t.Errorf("expected training run in metrics:\n%s", body)
		}
	})
}

func TestErrorMapping(t *testing.T) {
	env := createTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"InvalidJSON", http.MethodPost, "/predict", "{not json", http.StatusBadRequest},
		{"EmptyPredictBody", http.MethodPost, "/predict", "null", http.StatusBadRequest},
		{"EmptyTraining", http.MethodPost, "/train", map[string]any{"records": []any{}}, http.StatusBadRequest},
		{"UnlabelledTraining", http.MethodPost, "/train", map[string]any{
			"records": []map[string]any{{"amount": 1}, {"amount": 2}},
		}, http.StatusBadRequest},
		{"BadTestFraction", http.MethodPost, "/train", map[string]any{
			"records": trainingRecords(40), "testFraction": 1.5,
		}, http.StatusBadRequest},
		{"UnknownPrediction", http.MethodGet, "/predictions/nope", nil, http.StatusNotFound},
		{"TooLarge", http.MethodPost, "/rules/apply", `{"records":[{"pad":"` + strings.Repeat("x", 2<<20) + `"}]}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewError(domain.KindValidation, "x"), http.StatusBadRequest},
		{domain.NewError(domain.KindNotFound, "x"), http.StatusNotFound},
		{domain.NewError(domain.KindUntrainedModel, "x"), http.StatusConflict},
		{domain.NewError(domain.KindConflict, "x"), http.StatusConflict},
		{domain.NewError(domain.KindDataShapeMismatch, "x"), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", domain.NewError(domain.KindNotFound, "x")), http.StatusNotFound},
		{context.Canceled, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestIngest(t *testing.T) {
	env := createTestServer(t)

	received := make(chan *domain.Message, 1)
	_, err := env.bus.Subscribe(context.Background(), domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	rr := env.do(t, http.MethodPost, "/transactions", map[string]any{"amount": 12000})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["transaction_id"] == "" {
		t.Fatal("expected an assigned transaction id")
	}

	select {
	case msg := <-received:
		var rec map[string]any
		_ = json.Unmarshal(msg.Payload, &rec)
		if rec["transaction_id"] != resp["transaction_id"] {
			t.Errorf("published record carries %v, want %s", rec["transaction_id"], resp["transaction_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for published transaction")
	}
}
