package mailapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics shared by all backend adapters.
var (
	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_backend_requests_total",
		Help: "Total mail backend requests by backend, operation and outcome class",
	}, []string{"backend", "operation", "outcome"})

	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailfetch_backend_request_duration_seconds",
		Help:    "Mail backend request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"backend", "operation"})
)

// ObserveRequest records one backend round trip. The outcome label is
// "ok" for a nil error and the error class otherwise.
func ObserveRequest(backend, operation string, start time.Time, err error) {
	backendRequestDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = string(ClassOf(err))
	}
	backendRequestsTotal.WithLabelValues(backend, operation, outcome).Inc()
}
