// Package-level Prometheus metrics for the accounting core. Global and
// label-free to keep cardinality fixed; the api package serves them on
// /metrics.
package accounting

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accounting_requests_total",
		Help: "Requests handled by the processor loop, by variant",
	}, []string{"type"})

	chargesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accounting_charges_rejected_total",
		Help: "Charges that could not be fully covered",
	})

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "accounting_sync_duration_seconds",
		Help:    "Wall time of synchronize cycles",
		Buckets: prometheus.DefBuckets,
	})

	syncRecords = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "accounting_sync_records",
		Help:    "Dirty records flushed per synchronize cycle",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	syncFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accounting_sync_failures_total",
		Help: "Synchronize cycles that failed and left dirty flags in place",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, chargesRejected, syncDuration, syncRecords, syncFailures)
}
