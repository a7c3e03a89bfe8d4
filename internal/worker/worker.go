// Package worker scores transactions delivered over the event bus.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

// Scorer produces a verdict for one transaction.
type Scorer interface {
	Predict(ctx context.Context, rec domain.Record) (*domain.Prediction, error)
}

// Worker consumes ingested transactions, scores them and publishes the
// verdict to the decision topic, plus the alert topic when flagged.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64
	alerts    atomic.Uint64
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, scorer Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransactionIngested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

// DecodeRecord parses a transaction payload, keeping numbers as json.Number.
func DecodeRecord(payload []byte) (domain.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var rec domain.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, domain.WrapError(domain.KindValidation, err, "invalid transaction payload")
	}
	if rec == nil {
		return nil, domain.NewError(domain.KindValidation, "transaction payload is empty")
	}
	return rec, nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	rec, err := DecodeRecord(msg.Payload)
	if err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	pred, err := w.scorer.Predict(ctx, rec)
	if err != nil {
		w.failed.Add(1)
		slog.Error("scoring failed",
			"message_id", msg.ID,
			"transaction_id", rec.String(domain.FieldTransactionID, ""),
			"error", err,
		)
		return err
	}
	w.processed.Add(1)

	payload, err := json.Marshal(pred)
	if err != nil {
		return err
	}

	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision",
			"prediction_id", pred.ID,
			"error", err,
		)
	}

	if tadp.ShouldAlert(pred) {
		w.alerts.Add(1)
		if err := w.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"prediction_id", pred.ID,
				"error", err,
			)
		}
	}

	slog.Info("transaction scored",
		"message_id", msg.ID,
		"transaction_id", pred.TransactionID,
		"risk_level", pred.RiskLevel,
		"final_prediction", pred.FinalPrediction,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         uint64   `json:"processed"`
	Failed            uint64   `json:"failed"`
	Alerts            uint64   `json:"alerts"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Alerts:            w.alerts.Load(),
	}
}
