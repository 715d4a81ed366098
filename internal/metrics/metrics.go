// Package metrics provides Prometheus metrics for the offline sync engine
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Queue metrics
	MutationsEnqueued *prometheus.CounterVec
	QueueLength       prometheus.Gauge

	// Replay metrics
	MutationsApplied  *prometheus.CounterVec
	ConflictsDetected *prometheus.CounterVec
	TransientRetries  prometheus.Counter
	TerminalFailures  *prometheus.CounterVec
	PassDuration      prometheus.Histogram
	PassesTotal       *prometheus.CounterVec

	// Transport metrics
	BreakerOpen prometheus.Gauge
}

// New creates and registers all sync metrics on reg. Use a fresh registry per
// session; prometheus.DefaultRegisterer panics on a second registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MutationsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinesync_mutations_enqueued_total",
			Help: "Total number of mutations enqueued",
		}, []string{"entity_type", "operation"}),
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "offlinesync_queue_length",
			Help: "Number of mutations waiting in the queue",
		}),
		MutationsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinesync_mutations_applied_total",
			Help: "Total number of mutations replayed cleanly",
		}, []string{"entity_type"}),
		ConflictsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinesync_conflicts_detected_total",
			Help: "Total number of conflicts detected during replay",
		}, []string{"entity_type"}),
		TransientRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "offlinesync_transient_retries_total",
			Help: "Total number of execute retries after transient failures",
		}),
		TerminalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinesync_terminal_failures_total",
			Help: "Total number of mutations rejected with a terminal validation error",
		}, []string{"entity_type"}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "offlinesync_pass_duration_seconds",
			Help:    "Duration of sync passes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		PassesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "offlinesync_passes_total",
			Help: "Total number of sync passes by outcome",
		}, []string{"outcome"}),
		BreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "offlinesync_breaker_open",
			Help: "1 when the execute circuit breaker is open",
		}),
	}
}

// Enqueued records an accepted mutation.
func (m *Metrics) Enqueued(entityType, operation string) {
	if m == nil {
		return
	}
	m.MutationsEnqueued.WithLabelValues(entityType, operation).Inc()
}

// SetQueueLength records the current queue size.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

// Applied records a clean replay.
func (m *Metrics) Applied(entityType string) {
	if m == nil {
		return
	}
	m.MutationsApplied.WithLabelValues(entityType).Inc()
}

// Conflict records a detected conflict.
func (m *Metrics) Conflict(entityType string) {
	if m == nil {
		return
	}
	m.ConflictsDetected.WithLabelValues(entityType).Inc()
}

// Retry records a transient retry.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.TransientRetries.Inc()
}

// Terminal records a terminal validation failure.
func (m *Metrics) Terminal(entityType string) {
	if m == nil {
		return
	}
	m.TerminalFailures.WithLabelValues(entityType).Inc()
}

// Pass records a finished sync pass.
func (m *Metrics) Pass(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(outcome).Inc()
	m.PassDuration.Observe(d.Seconds())
}

// SetBreakerOpen records the breaker state.
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}
