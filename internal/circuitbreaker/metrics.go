package circuitbreaker

import "github.com/prometheus/client_golang/prometheus"

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by from-state and to-state.",
	}, []string{"from_state", "to_state"})

	cbOpenCircuits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookmate",
		Subsystem: "circuitbreaker",
		Name:      "open_circuits",
		Help:      "Tenants whose upstream circuit is open or half-open.",
	})

	cbRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected because the circuit was open.",
	})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbOpenCircuits, cbRejected)
}
