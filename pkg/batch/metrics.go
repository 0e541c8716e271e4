package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for batch operations.
var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odata_batches_total",
		Help: "Total $batch calls by result",
	}, []string{"result"})

	batchRequests = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "odata_batch_requests",
		Help:    "Number of requests carried per $batch call",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "odata_batch_duration_seconds",
		Help:    "Duration of $batch calls from encode to settle",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	batchPartFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odata_batch_part_decode_failures_total",
		Help: "Total batch response parts that could not be decoded",
	})

	boundaryRegenerations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odata_batch_boundary_regenerations_total",
		Help: "Total boundaries discarded because they collided with payload content",
	})
)

// Batch result labels.
const (
	resultSuccess        = "success"
	resultEncodeError    = "encode_error"
	resultTransportError = "transport_error"
	resultStatusError    = "status_error"
	resultMalformed      = "malformed"
	resultCancelled      = "cancelled"
)
