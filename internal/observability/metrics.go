// Package observability exposes the service's Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service collectors behind one private registry.
type Metrics struct {
	registry *prometheus.Registry

	RecognitionsTotal   *prometheus.CounterVec
	RecognitionDuration prometheus.Histogram
	ModelsLoaded        prometheus.Gauge
	TrainingRunsTotal   *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RecognitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digitserver_recognitions_total",
		Help: "Recognition requests by outcome.",
	}, []string{"status"})

	m.RecognitionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digitserver_recognition_duration_seconds",
		Help:    "End-to-end recognition latency, preprocessing included.",
		Buckets: prometheus.DefBuckets,
	})

	m.ModelsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "digitserver_models_loaded",
		Help: "Number of models currently held by the registry.",
	})

	m.TrainingRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digitserver_training_runs_total",
		Help: "Training runs by outcome.",
	}, []string{"status"})

	m.registry.MustRegister(
		m.RecognitionsTotal,
		m.RecognitionDuration,
		m.ModelsLoaded,
		m.TrainingRunsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
