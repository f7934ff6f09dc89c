package webhook

import "github.com/prometheus/client_golang/prometheus"

var (
	whCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "webhook",
		Name:      "calls_total",
		Help:      "Upstream webhook calls by outcome.",
	}, []string{"outcome"}) // "ok", "http_error", "protocol_error", "unavailable", "timeout"

	whRedirects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "webhook",
		Name:      "redirects_followed_total",
		Help:      "POST responses answered with a redirect and resolved with a GET.",
	})

	whLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookmate",
		Subsystem: "webhook",
		Name:      "call_duration_seconds",
		Help:      "End-to-end upstream webhook latency including the redirect hop.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 10},
	})
)

func init() {
	prometheus.MustRegister(whCalls, whRedirects, whLatency)
}
