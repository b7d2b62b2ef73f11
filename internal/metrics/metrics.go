// Package metrics exposes pipeline counters over the standard metrics
// endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the pipeline's counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed  *prometheus.CounterVec
	StageSeconds   *prometheus.HistogramVec
	WatchdogResets prometheus.Counter
	ClaimAttempts  *prometheus.CounterVec
}

// New builds the metric set.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipforge_jobs_processed_total",
			Help: "Jobs finished per lane and outcome.",
		}, []string{"lane", "outcome"}),
		StageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clipforge_stage_duration_seconds",
			Help:    "Wall-clock duration per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"stage"}),
		WatchdogResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "clipforge_watchdog_resets_total",
			Help: "Stale jobs reset to pending by the watchdog.",
		}),
		ClaimAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clipforge_claim_attempts_total",
			Help: "Job claim attempts by result.",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
