package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the alert pipeline.
type Metrics struct {
	Decisions      *prometheus.CounterVec // labels: outcome={suppressed_duplicate,suppressed_quota,delivered,queued}
	PushAttempts   *prometheus.CounterVec // labels: result={success,retryable,fatal}
	BroadcastDrops prometheus.Counter
	FarmsEvaluated prometheus.Counter
	FarmsSkipped   *prometheus.CounterVec // labels: reason={source,malformed,store}
	TickDuration   prometheus.Histogram
	BatchFlushSize prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrolert",
			Name:      "pipeline_decisions_total",
			Help:      "Notification pipeline outcomes by decision.",
		}, []string{"outcome"}),
		PushAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrolert",
			Name:      "push_attempts_total",
			Help:      "Push delivery attempts by result.",
		}, []string{"result"}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agrolert",
			Name:      "broadcast_drops_total",
			Help:      "Realtime events dropped because a subscriber buffer was full.",
		}),
		FarmsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agrolert",
			Name:      "farms_evaluated_total",
			Help:      "Farms evaluated across all monitor ticks.",
		}),
		FarmsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrolert",
			Name:      "farms_skipped_total",
			Help:      "Farms skipped during evaluation by reason.",
		}, []string{"reason"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agrolert",
			Name:      "monitor_tick_duration_seconds",
			Help:      "Duration of one complete evaluation tick.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		BatchFlushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agrolert",
			Name:      "batch_flush_size",
			Help:      "Queued notifications grouped into one batch push.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
	}
}

// NewMetrics creates the collectors and registers them with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.Decisions,
		m.PushAttempts,
		m.BroadcastDrops,
		m.FarmsEvaluated,
		m.FarmsSkipped,
		m.TickDuration,
		m.BatchFlushSize,
	)
	return m
}

// NewMetricsForTesting creates unregistered collectors so parallel tests do
// not fight over the default registry.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
