package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks detail cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailfetch_detail_cache_hits_total",
			Help: "Total number of detail cache hits",
		},
	)

	// CacheMisses tracks detail cache misses, expired entries included
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailfetch_detail_cache_misses_total",
			Help: "Total number of detail cache misses",
		},
	)

	// CacheStoredBytes tracks bytes written to the cache
	CacheStoredBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailfetch_detail_cache_stored_bytes_total",
			Help: "Total bytes written to the detail cache",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailfetch_detail_cache_errors_total",
			Help: "Total number of detail cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "purge"
	)
)
