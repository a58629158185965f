// Package metrics exposes forwarding activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-level forwarding metrics. The per-alias
// counters live in the store; these are aggregate and reset on restart.
type Metrics struct {
	registry *prometheus.Registry

	Decisions      *prometheus.CounterVec
	DispatchErrors *prometheus.CounterVec
	JobsTotal      *prometheus.CounterVec
	JobDuration    prometheus.Histogram
	Recipients     prometheus.Histogram
}

// New registers the metrics on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alias_forwarder_decisions_total",
				Help: "Total number of per-recipient decisions by outcome",
			},
			[]string{"outcome"},
		),

		DispatchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alias_forwarder_dispatch_errors_total",
				Help: "Total number of failed sends by provider",
			},
			[]string{"provider"},
		),

		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alias_forwarder_jobs_total",
				Help: "Total number of processed jobs by result",
			},
			[]string{"result"},
		),

		JobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alias_forwarder_job_duration_seconds",
				Help:    "Time spent handling one job",
				Buckets: prometheus.DefBuckets,
			},
		),

		Recipients: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alias_forwarder_job_recipients",
				Help:    "Envelope recipients per job",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordDecision counts one recipient outcome. Nil-safe.
func (m *Metrics) RecordDecision(outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}

// RecordDispatchError counts one failed send. Nil-safe.
func (m *Metrics) RecordDispatchError(provider string) {
	if m == nil {
		return
	}
	m.DispatchErrors.WithLabelValues(provider).Inc()
}

// RecordJob observes a finished job. Nil-safe.
func (m *Metrics) RecordJob(result string, recipients int, started time.Time) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(result).Inc()
	m.Recipients.Observe(float64(recipients))
	m.JobDuration.Observe(time.Since(started).Seconds())
}
