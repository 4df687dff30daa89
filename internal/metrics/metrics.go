// Package metrics provides Prometheus metrics collection for classifier training
// and prediction runs. Runs are batch jobs, so metrics are collected in a
// registry and pushed to a Pushgateway when the run ends rather than scraped.
//
// The package includes metrics for fit and predict durations, sample volumes,
// failures and the fitted-step cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the classifier.
type Metrics struct {
	// Run metrics
	FitDuration      prometheus.Histogram // Duration of full classifier fits
	PredictDuration  prometheus.Histogram // Duration of prediction calls
	SamplesPredicted prometheus.Counter   // Total number of samples predicted
	FitFailures      prometheus.Counter   // Total number of failed fits
	PredictFailures  prometheus.Counter   // Total number of failed predictions
	ModelClasses     prometheus.Gauge     // Number of classes of the current model

	// Pipeline metrics
	StepCacheHits   prometheus.Counter       // Fitted steps loaded from cache
	StepCacheMisses prometheus.Counter       // Fitted steps not found in cache
	StepFitDuration *prometheus.HistogramVec // Per-step fit duration
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing and
// for pushing one run's metrics in isolation).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		FitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cuppa_fit_duration_seconds",
			Help:    "Duration of classifier fits in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		PredictDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cuppa_predict_duration_seconds",
			Help:    "Duration of prediction calls in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		SamplesPredicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cuppa_samples_predicted_total",
			Help: "Total number of samples predicted",
		}),
		FitFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cuppa_fit_failures_total",
			Help: "Total number of failed classifier fits",
		}),
		PredictFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cuppa_predict_failures_total",
			Help: "Total number of failed predictions",
		}),
		ModelClasses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cuppa_model_classes",
			Help: "Number of cancer types the current model predicts",
		}),
		StepCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "cuppa_step_cache_hits_total",
			Help: "Fitted pipeline steps loaded from cache",
		}),
		StepCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "cuppa_step_cache_misses_total",
			Help: "Fitted pipeline steps not found in cache",
		}),
		StepFitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cuppa_step_fit_duration_seconds",
			Help:    "Fit duration of individual pipeline steps in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"step"}),
	}
}
