// Package metrics provides Prometheus metrics for the dose engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	DosesScheduled      prometheus.Counter
	DosesTaken          prometheus.Counter
	DosesMissed         prometheus.Counter
	DosesSkipped        prometheus.Counter
	RolloversCompleted  prometheus.Counter
	CascadeDeletions    prometheus.Counter
	SweepDuration       *prometheus.HistogramVec
	ActionDuration      prometheus.Histogram
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		DosesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_scheduled_total",
			Help: "Total dose_scheduled events materialized",
		}),
		DosesTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_taken_total",
			Help: "Total doses recorded as taken",
		}),
		DosesMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_missed_total",
			Help: "Total doses detected as missed",
		}),
		DosesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_skipped_total",
			Help: "Total doses recorded as skipped",
		}),
		RolloversCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollovers_completed_total",
			Help: "Total per-patient daily rollovers completed",
		}),
		CascadeDeletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascade_deletions_total",
			Help: "Total command deletions cascaded",
		}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Background sweep duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"sweep"}),
		ActionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dose_action_duration_seconds",
			Help:    "Orchestrated dose action duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.DosesScheduled,
		m.DosesTaken,
		m.DosesMissed,
		m.DosesSkipped,
		m.RolloversCompleted,
		m.CascadeDeletions,
		m.SweepDuration,
		m.ActionDuration,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
