// Package observability exposes the broker's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the broker emits. Register once against a
// registry and share the instance.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	RateLimitHits   prometheus.Counter
	BudgetCooldowns prometheus.Counter
	SweepAdoptions  prometheus.Counter
	SweepRequeues   prometheus.Counter
	SweepFailures   prometheus.Counter
	QueueDepth      prometheus.Gauge
	UpstreamLatency *prometheus.HistogramVec
	BenchRuns       prometheus.Counter
}

// New creates and registers the broker metrics. reg may be nil to use the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelbroker_decisions_total",
			Help: "Model choice decisions by policy and reason.",
		}, []string{"policy", "reason"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelbroker_retries_total",
			Help: "Retried attempts by error kind.",
		}, []string{"kind"}),
		RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelbroker_rate_limit_hits_total",
			Help: "Requests deferred by the local rate limiter.",
		}),
		BudgetCooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelbroker_budget_cooldowns_total",
			Help: "Cooldowns recorded after upstream 429 responses.",
		}),
		SweepAdoptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelbroker_sweep_adoptions_total",
			Help: "Orphaned requests adopted as already completed.",
		}),
		SweepRequeues: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelbroker_sweep_requeues_total",
			Help: "Orphaned requests requeued for another attempt.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelbroker_sweep_failures_total",
			Help: "Orphaned requests failed after exhausting retries.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelbroker_queue_depth",
			Help: "Jobs currently waiting in the dispatch queue.",
		}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelbroker_upstream_latency_seconds",
			Help:    "Wall latency of upstream calls.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"model"}),
		BenchRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelbroker_bench_runs_total",
			Help: "Benchmark probe passes executed.",
		}),
	}

	reg.MustRegister(
		m.Decisions, m.Retries, m.RateLimitHits, m.BudgetCooldowns,
		m.SweepAdoptions, m.SweepRequeues, m.SweepFailures,
		m.QueueDepth, m.UpstreamLatency, m.BenchRuns,
	)
	return m
}
