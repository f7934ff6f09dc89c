package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var (
	rlDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Admission decisions by class and outcome.",
	}, []string{"class", "outcome"}) // "allowed", "denied"

	rlWindows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookmate",
		Subsystem: "ratelimit",
		Name:      "windows",
		Help:      "Windows tracked by the in-memory store after the last sweep.",
	})

	rlStoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "ratelimit",
		Name:      "store_errors_total",
		Help:      "Window store failures (requests admitted).",
	})
)

func init() {
	prometheus.MustRegister(rlDecisions, rlWindows, rlStoreErrors)
}
