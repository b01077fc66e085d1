package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConsumerMessages tracks the throughput and result of ingestion from the broker
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncqueue_consumer_messages_total",
		Help: "Total number of enqueue requests consumed from the broker",
	}, []string{"status"}) // status: enqueued, malformed, rejected, error

	// CanonicalRetries tracks how many times we had to retry internally due to locks
	CanonicalRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncqueue_canonical_lock_retries_total",
		Help: "Number of internal retries triggered by Firebird locks/deadlocks",
	}, []string{"table"})

	// CanonicalDuration tracks the latency of a canonical-store mutation
	// We use larger buckets because Firebird 2.5 on HDDs can be slow
	CanonicalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncqueue_canonical_duration_seconds",
		Help:    "Time taken to apply a mutation to the canonical store",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"table", "operation"})
)
