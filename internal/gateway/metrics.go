package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	gwReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "gateway",
		Name:      "reads_total",
		Help:      "Reads by resource kind and outcome.",
	}, []string{"kind", "outcome"}) // "hit", "miss", "stale_rate_limited", "stale_unavailable", "rate_limited", "error"

	gwReadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bookmate",
		Subsystem: "gateway",
		Name:      "read_duration_seconds",
		Help:      "End-to-end read latency by outcome.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.25, 1, 2.5, 5, 10},
	}, []string{"outcome"})

	gwCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "gateway",
		Name:      "coalesced_reads_total",
		Help:      "Misses answered by a concurrent fetch for the same key.",
	})

	gwWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "gateway",
		Name:      "writes_total",
		Help:      "Writes by operation and outcome.",
	}, []string{"op", "outcome"})

	gwConsistencyChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "gateway",
		Name:      "consistency_checks_total",
		Help:      "Consistency checks by total status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		gwReads,
		gwReadLatency,
		gwCoalesced,
		gwWrites,
		gwConsistencyChecks,
	)
}
