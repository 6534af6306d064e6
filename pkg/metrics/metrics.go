// Package metrics provides Prometheus instrumentation for the pipeline and a
// query service for aggregating per-session usage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's instruments. Constructed once and injected;
// never ambient globals.
type Metrics struct {
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	StageOutcomes   *prometheus.CounterVec
	DeltasEmitted   prometheus.Counter
	TurnsGated      prometheus.Counter
	ConciergeSkips  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conclave_provider_calls_total",
			Help: "Provider calls by provider, outcome, and session.",
		}, []string{"provider", "outcome", "session_id"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conclave_provider_call_seconds",
			Help:    "Provider call latency by provider and session.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider", "session_id"}),
		StageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conclave_stage_outcomes_total",
			Help: "Pipeline stage completions by stage and status.",
		}, []string{"stage", "status"}),
		DeltasEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "conclave_stream_deltas_total",
			Help: "Stream deltas emitted to live viewers.",
		}),
		TurnsGated: factory.NewCounter(prometheus.CounterOpts{
			Name: "conclave_turns_gated_total",
			Help: "Turns paused awaiting traversal input.",
		}),
		ConciergeSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "conclave_concierge_skips_total",
			Help: "Concierge executions skipped by the idempotency guard.",
		}),
	}
}
