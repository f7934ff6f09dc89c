package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	monitorRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "monitor",
		Name:      "runs_total",
		Help:      "Drift monitor runs by outcome.",
	}, []string{"outcome"})

	monitorRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookmate",
		Subsystem: "monitor",
		Name:      "run_duration_seconds",
		Help:      "Duration of one drift monitor run across all tenants.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	monitorChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "monitor",
		Name:      "checks_total",
		Help:      "Per-tenant checks by resulting status.",
	}, []string{"status"}) // "OK", "WARN", "FAIL", "error"

	monitorStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bookmate",
		Subsystem: "monitor",
		Name:      "drift_status",
		Help:      "Latest drift status per tenant (0 OK, 1 WARN, 2 FAIL, -1 check failed).",
	}, []string{"tenant"})

	monitorDrift = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bookmate",
		Subsystem: "monitor",
		Name:      "total_drift",
		Help:      "Latest total drift per tenant.",
	}, []string{"tenant"})
)

func init() {
	prometheus.MustRegister(monitorRuns, monitorRunDuration, monitorChecks, monitorStatus, monitorDrift)
}
