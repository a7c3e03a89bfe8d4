package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	service *scoring.Service
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string

	maxBodyBytes int64
}

// NewHandler creates a new API handler.
func NewHandler(service *scoring.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		service: service,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// RecordsRequest is the body of the bulk endpoints.
type RecordsRequest struct {
	Records domain.Dataset `json:"records"`
}

// TrainRequest is the body of POST /train.
type TrainRequest struct {
	Records      domain.Dataset `json:"records"`
	TestFraction *float64       `json:"testFraction,omitempty"`
	Seed         *int64         `json:"seed,omitempty"`
}

// TrainResponse is the response for POST /train.
type TrainResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version"`
	TrainedAt time.Time               `json:"trained_at"`
	Metrics   *domain.TrainingMetrics `json:"metrics"`
}

// PredictResponse is a prediction with human-readable reasons.
type PredictResponse struct {
	*domain.Prediction
	Reasons []string `json:"reasons"`
}

// BatchResponse is the response for POST /predict/batch.
type BatchResponse struct {
	Predictions []PredictResponse `json:"predictions"`
	Count       int               `json:"count"`
}

// Health reports backing service health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("eventbus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether a model is being served. Rule-only scoring works
// without one, so an untrained service is still ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"ready":         true,
		"model_trained": h.service.Ready(),
	})
}

// Stats describes the serving model.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

// ListRules returns the rule catalogue.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	engine := h.service.Engine()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":        engine.Rules(),
		"count":        engine.RulesCount(),
		"total_weight": engine.TotalWeight(),
		"threshold":    engine.Threshold,
	})
}

// ApplyRules evaluates the catalogue over a dataset.
func (h *Handler) ApplyRules(w http.ResponseWriter, r *http.Request) {
	var req RecordsRequest
	if !h.decode(w, r, &req) {
		return
	}

	report, err := h.service.ApplyRules(r.Context(), req.Records)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Train fits a new model on a labelled dataset.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	var req TrainRequest
	if !h.decode(w, r, &req) {
		return
	}

	opts := h.service.TrainDefaults()
	if req.TestFraction != nil {
		opts.TestFraction = *req.TestFraction
	}
	if req.Seed != nil {
		opts.Seed = *req.Seed
	}

	trained, err := h.service.Train(r.Context(), req.Records, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, trainResponse(trained))
}

func trainResponse(t *model.Trained) TrainResponse {
	return TrainResponse{
		Status:    "trained",
		Version:   t.Version,
		TrainedAt: t.TrainedAt,
		Metrics:   t.Metrics,
	}
}

// Predict scores one transaction.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	var rec domain.Record
	if !h.decode(w, r, &rec) {
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction body is required",
		})
		return
	}

	pred, err := h.service.Predict(r.Context(), rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.withReasons(pred))
}

// PredictBatch scores many transactions against one model snapshot.
func (h *Handler) PredictBatch(w http.ResponseWriter, r *http.Request) {
	var req RecordsRequest
	if !h.decode(w, r, &req) {
		return
	}

	preds, err := h.service.PredictBatch(r.Context(), req.Records)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := BatchResponse{
		Predictions: make([]PredictResponse, len(preds)),
		Count:       len(preds),
	}
	for i, p := range preds {
		resp.Predictions[i] = h.withReasons(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPrediction retrieves a stored verdict by ID.
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	pred, err := h.service.GetPrediction(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.withReasons(pred))
}

// Ingest publishes a transaction for asynchronous scoring. A transaction
// without an id is assigned one so the verdict can be correlated.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var rec domain.Record
	if !h.decode(w, r, &rec) {
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction body is required",
		})
		return
	}

	txID := rec.String(domain.FieldTransactionID, "")
	if txID == "" {
		txID = uuid.New().String()
		rec[domain.FieldTransactionID] = txID
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.bus.Publish(r.Context(), domain.TopicTransactionIngested, payload); err != nil {
		slog.Error("failed to publish transaction",
			"transaction_id", txID,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":         "accepted",
		"transaction_id": txID,
		"trace_id":       GetTraceID(r.Context()),
	})
}

func (h *Handler) withReasons(p *domain.Prediction) PredictResponse {
	return PredictResponse{
		Prediction: p,
		Reasons:    tadp.GetReasons(p, h.service.Processor().MLThreshold),
	}
}

// decode reads a JSON body keeping numbers as json.Number. It writes the
// error response itself and reports whether decoding succeeded.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "request body too large",
			})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
		return false
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUntrainedModel, domain.KindConflict:
		return http.StatusConflict
	case domain.KindDataShapeMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(domain.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
