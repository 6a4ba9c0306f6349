package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for breaker state.
var (
	breakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailfetch_breaker_open",
		Help: "Whether the tenant breaker is open (1) or closed (0)",
	}, []string{"tenant"})

	breakerHeavy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailfetch_breaker_heavy",
		Help: "Whether the tenant is in heavy (degraded) mode",
	}, []string{"tenant"})

	breakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_breaker_trips_total",
		Help: "Total number of CLOSED to OPEN transitions by error class",
	}, []string{"tenant", "error_class"})

	breakerShortCircuitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_breaker_short_circuits_total",
		Help: "Total number of calls rejected without network I/O while open",
	}, []string{"tenant"})

	breakerResetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_breaker_resets_total",
		Help: "Total number of emergency resets",
	}, []string{"tenant"})

	breakerStoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_breaker_store_errors_total",
		Help: "Total number of breaker state persistence errors by operation",
	}, []string{"operation"})
)

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
