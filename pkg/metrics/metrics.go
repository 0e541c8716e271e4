// Package metrics provides the Prometheus registry and exposition handler of
// the OData client. All metrics are defined in their respective packages
// (batch, client, cache, ratelimit) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the OData client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the metrics of Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Batch Metrics (pkg/batch):
//   - odata_batches_total{result} (Counter): Flushed batches by result (success, encode_error, transport_error, status_error, malformed, cancelled)
//   - odata_batch_requests (Histogram): Requests per flushed batch
//   - odata_batch_duration_seconds (Histogram): Flush duration from encoding to settlement
//   - odata_batch_part_decode_failures_total (Counter): Response parts that could not be decoded
//   - odata_batch_boundary_regenerations_total (Counter): Boundaries regenerated after a collision
//
// Request Metrics (pkg/client):
//   - odata_requests_total{resource, status} (Counter): Requests by entity set and HTTP status
//   - odata_request_duration_seconds{method} (Histogram): Request duration by method
//   - odata_errors_total{class} (Counter): Errors by class (client, server, throttled, network)
//
// Retry Metrics (pkg/client):
//   - odata_retries_total{error_class} (Counter): Retry attempts by error class
//   - odata_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - odata_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Cache Metrics (pkg/cache):
//   - odata_cache_hits_total{state} (Counter): Cache hits, fresh or revalidated
//   - odata_cache_misses_total (Counter): Cache misses
//   - odata_cache_size_bytes (Gauge): Bytes written to the cache
//   - odata_304_responses_total (Counter): 304 Not Modified responses
//   - odata_conditional_requests_total (Counter): Conditional requests sent
//   - odata_cache_invalidations_total (Counter): Entries removed after writes to their resource
//   - odata_cache_errors_total{operation} (Counter): Cache operation errors
//
// Throttle Metrics (pkg/ratelimit):
//   - odata_throttle_responses_total{status} (Counter): 429/503 responses with Retry-After
//   - odata_throttle_blocks_total (Counter): Requests rejected while throttled
//   - odata_throttle_waits_total (Counter): Requests delayed through a short throttle
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(odata_cache_hits_total[5m])) /
//   (sum(rate(odata_cache_hits_total[5m])) + sum(rate(odata_cache_misses_total[5m])))
//
//   # Average requests per batch
//   rate(odata_batch_requests_sum[5m]) / rate(odata_batch_requests_count[5m])
//
//   # Failed batches
//   sum by (result) (rate(odata_batches_total{result!="success"}[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(odata_request_duration_seconds_bucket[5m]))
