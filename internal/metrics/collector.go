// Package metrics exposes Kestrel's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests and multiple services in one
// process never collide on registration.
type Collector struct {
	registry           *prometheus.Registry
	predictions        *prometheus.CounterVec
	ruleTriggers       *prometheus.CounterVec
	predictionDuration prometheus.Histogram
	trainingRuns       *prometheus.CounterVec
	trainingDuration   prometheus.Histogram
	modelAUC           prometheus.Gauge
}

// NewCollector creates and registers all instruments.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_predictions_total",
			Help: "Total number of scored transactions by risk level",
		}, []string{"risk_level"}),
		ruleTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_rule_triggers_total",
			Help: "Total number of times each rule fired",
		}, []string{"rule"}),
		predictionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_prediction_duration_seconds",
			Help:    "Time taken to score one transaction",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		trainingRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_training_runs_total",
			Help: "Training runs by outcome",
		}, []string{"status"}),
		trainingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_training_duration_seconds",
			Help:    "Wall time of successful training runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		modelAUC: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_model_roc_auc",
			Help: "Held-out ROC AUC of the serving model",
		}),
	}
}

// RecordPrediction counts one fused verdict.
func (c *Collector) RecordPrediction(pred *domain.Prediction, duration time.Duration) {
	c.predictions.WithLabelValues(string(pred.RiskLevel)).Inc()
	for _, rule := range pred.TriggeredRules {
		c.ruleTriggers.WithLabelValues(rule).Inc()
	}
	c.predictionDuration.Observe(duration.Seconds())
}

// RecordTraining counts one training attempt. metrics is nil on failure.
func (c *Collector) RecordTraining(status string, duration time.Duration, metrics *domain.TrainingMetrics) {
	c.trainingRuns.WithLabelValues(status).Inc()
	if metrics == nil {
		return
	}
	c.trainingDuration.Observe(duration.Seconds())
	c.modelAUC.Set(metrics.ROCAUC)
}

// SetModelAUC publishes the AUC of a restored model.
func (c *Collector) SetModelAUC(auc float64) {
	c.modelAUC.Set(auc)
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
