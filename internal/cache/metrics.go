package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by kind and result.",
	}, []string{"kind", "result"}) // "hit", "miss", "stale"

	cachePuts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "cache",
		Name:      "puts_total",
		Help:      "Cache writes by outcome.",
	}, []string{"outcome"}) // "stored", "fenced", "error"

	cacheInvalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Explicit invalidations by kind.",
	}, []string{"kind"})

	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookmate",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries held by the in-memory store after the last sweep.",
	})

	cacheStoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bookmate",
		Subsystem: "cache",
		Name:      "store_errors_total",
		Help:      "Shared store errors by operation (treated as misses).",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(cacheLookups, cachePuts, cacheInvalidations, cacheEntries, cacheStoreErrors)
}
