package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "reconciliation",
		Name:      "account_checks_total",
		Help:      "Reconciled account rows by status.",
	}, []string{"status"})

	reconReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "reconciliation",
		Name:      "reports_total",
		Help:      "Consistency reports by totals status.",
	}, []string{"status"})

	reconCoercions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "reconciliation",
		Name:      "coerced_fields_total",
		Help:      "Amount fields coerced to 0 by reason.",
	}, []string{"reason"}) // "missing", "non_numeric"
)

func init() {
	prometheus.MustRegister(reconChecks, reconReports, reconCoercions)
}
