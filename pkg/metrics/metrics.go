// Package metrics provides the Prometheus registry and scrape handler for
// mailfetch. All metrics are defined in their respective packages
// (breaker, retry, pagination, fetcher, cache, mailapi) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by mailfetch.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Circuit Breaker Metrics (pkg/breaker):
//   - mailfetch_breaker_open{tenant} (Gauge): 1 while the tenant's breaker is open
//   - mailfetch_breaker_heavy{tenant} (Gauge): 1 while the tenant runs the heavy plan
//   - mailfetch_breaker_trips_total{tenant, error_class} (Counter): Breaker openings
//   - mailfetch_breaker_short_circuits_total{tenant} (Counter): Calls refused while open
//   - mailfetch_breaker_resets_total{tenant} (Counter): Emergency resets
//   - mailfetch_breaker_store_errors_total{operation} (Counter): Breaker state persistence failures
//
// Retry Metrics (pkg/retry):
//   - mailfetch_retries_total{operation, error_class} (Counter): Retry attempts
//   - mailfetch_retry_backoff_seconds{operation, error_class} (Histogram): Backoff waits
//   - mailfetch_retry_exhausted_total{operation, error_class} (Counter): Operations that ran out of attempts
//
// List Metrics (pkg/pagination):
//   - mailfetch_list_pages_total{outcome} (Counter): List pages fetched or failed
//   - mailfetch_list_stops_total{reason} (Counter): Why pagination stopped
//
// Session Metrics (pkg/fetcher):
//   - mailfetch_sessions_total{mode, outcome} (Counter): Sessions by outcome (complete, partial, error)
//   - mailfetch_session_duration_seconds{mode} (Histogram): Session wall-clock time
//   - mailfetch_detail_requests_total{outcome} (Counter): Detail items (ok, cached, placeholder)
//   - mailfetch_detail_batches_total (Counter): Detail batches started
//   - mailfetch_plan_selections_total{plan} (Counter): Batch plans chosen (normal, heavy)
//
// Detail Cache Metrics (pkg/cache):
//   - mailfetch_detail_cache_hits_total (Counter): Cache hits
//   - mailfetch_detail_cache_misses_total (Counter): Cache misses
//   - mailfetch_detail_cache_stored_bytes_total (Counter): Bytes written
//   - mailfetch_detail_cache_errors_total{operation} (Counter): Cache operation errors
//
// Backend Metrics (pkg/mailapi, recorded by pkg/gmail and pkg/imapmail):
//   - mailfetch_backend_requests_total{backend, operation, outcome} (Counter): Round trips by outcome class
//   - mailfetch_backend_request_duration_seconds{backend, operation} (Histogram): Round trip latency
//
// Example Prometheus Queries:
//
//   # Tenants currently in cooldown
//   mailfetch_breaker_open == 1
//
//   # Partial session rate
//   sum(rate(mailfetch_sessions_total{outcome="partial"}[5m])) /
//   sum(rate(mailfetch_sessions_total[5m]))
//
//   # Quota errors per backend
//   sum by (backend) (rate(mailfetch_backend_requests_total{outcome="rate_limit"}[5m]))
//
//   # Placeholder ratio
//   rate(mailfetch_detail_requests_total{outcome="placeholder"}[5m]) /
//   rate(mailfetch_detail_requests_total[5m])
//
//   # P95 backend latency
//   histogram_quantile(0.95, rate(mailfetch_backend_request_duration_seconds_bucket[5m]))
