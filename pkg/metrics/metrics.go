// Package metrics defines the Prometheus metric collectors used across the
// resolution pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	MentionsTotal       *prometheus.CounterVec
	DocumentsTotal      *prometheus.CounterVec
	RegistrySize        *prometheus.GaugeVec
	PendingDurable      prometheus.Gauge
	PendingBuffered     prometheus.Gauge
	CheckpointsTotal    *prometheus.CounterVec
	CheckpointDuration  prometheus.Histogram
	ReviewCallsTotal    *prometheus.CounterVec
	ReviewLatency       prometheus.Histogram
	DecisionsTotal      *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	StalledSince        prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		MentionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mentions_processed_total",
				Help: "Total mentions processed by the fast tier, by outcome (linked, created, deferred, invalid).",
			},
			[]string{"outcome"},
		),
		DocumentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_processed_total",
				Help: "Total corpus documents processed, by status (ok, skipped, error).",
			},
			[]string{"status"},
		),
		RegistrySize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "registry_entities",
				Help: "Number of canonical entities in the registry, by entity type.",
			},
			[]string{"entity_type"},
		),
		PendingDurable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pending_queue_durable",
				Help: "Number of pending items flushed to durable storage.",
			},
		),
		PendingBuffered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pending_queue_buffered",
				Help: "Number of pending items buffered in memory, not yet flushed.",
			},
		),
		CheckpointsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoints_total",
				Help: "Total checkpoint save operations by status.",
			},
			[]string{"status"},
		),
		CheckpointDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "checkpoint_duration_seconds",
				Help:    "Checkpoint save latency in seconds (flush plus snapshot write).",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		ReviewCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_calls_total",
				Help: "Total remote reasoning calls by result (ok, transient, parse, cache_hit).",
			},
			[]string{"result"},
		),
		ReviewLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "review_call_latency_seconds",
				Help:    "Remote reasoning call latency in seconds.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisions_total",
				Help: "Total review decisions recorded by outcome (link_existing, create_new, pending).",
			},
			[]string{"outcome"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		StalledSince: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fast_tier_stalled_seconds",
				Help: "Seconds since the fast tier last made progress; 0 when healthy.",
			},
		),
	}

	prometheus.MustRegister(
		m.MentionsTotal,
		m.DocumentsTotal,
		m.RegistrySize,
		m.PendingDurable,
		m.PendingBuffered,
		m.CheckpointsTotal,
		m.CheckpointDuration,
		m.ReviewCallsTotal,
		m.ReviewLatency,
		m.DecisionsTotal,
		m.CircuitBreakerState,
		m.StalledSince,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
