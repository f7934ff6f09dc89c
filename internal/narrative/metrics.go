package narrative

import "github.com/prometheus/client_golang/prometheus"

var (
	narrativeCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "narrative",
		Name:      "calls_total",
		Help:      "Summary generation calls by outcome.",
	}, []string{"outcome"}) // "ok", "error", "empty"

	narrativeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookmate",
		Subsystem: "narrative",
		Name:      "call_duration_seconds",
		Help:      "Summary generation latency.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8},
	})
)

func init() {
	prometheus.MustRegister(narrativeCalls, narrativeLatency)
}
