package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for fetch sessions.
var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_sessions_total",
		Help: "Total number of fetch sessions by mode and outcome",
	}, []string{"mode", "outcome"})

	sessionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailfetch_session_duration_seconds",
		Help:    "Fetch session duration by mode",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 420},
	}, []string{"mode"})

	detailRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_detail_requests_total",
		Help: "Total number of message detail resolutions by outcome (ok, cached, placeholder)",
	}, []string{"outcome"})

	detailBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailfetch_detail_batches_total",
		Help: "Total number of detail batches started",
	})

	planSelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailfetch_plan_selections_total",
		Help: "Total number of sessions by selected batch plan",
	}, []string{"plan"})
)
