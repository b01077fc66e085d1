package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessed tracks every process/resolve outcome
	// Labels allow filtering by outcome (synced/resolved/conflict/retry/failed) and entity type
	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncqueue_items_processed_total",
		Help: "Total number of queue item processing attempts by outcome",
	}, []string{"outcome", "entity_type"})

	// ProcessDuration measures one pass through the state machine, handler call included
	ProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncqueue_process_duration_seconds",
		Help:    "Time taken to drive one queue item from claim to its next state",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome", "operation"})

	// ConflictsDetected counts ConflictingWrite signals raised by handlers
	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncqueue_conflicts_detected_total",
		Help: "Number of conflicting writes reported by the canonical store",
	}, []string{"entity_type"})

	// Resolutions counts conflict resolutions by strategy and result
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncqueue_resolutions_total",
		Help: "Conflict resolutions by strategy and result",
	}, []string{"resolution", "result"})

	// DrainDuration measures how long it takes to drain one owner's queue
	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncqueue_drain_duration_seconds",
		Help:    "Duration of drainAll passes in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DrainSize tracks the number of items picked up by each drain
	DrainSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncqueue_drain_size",
		Help:    "Number of pending items processed per drain",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	})

	// PendingBacklog is the number of PENDING items per owner, refreshed on statistics
	// reads and after every drain
	PendingBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "syncqueue_pending_backlog",
		Help: "Queue items waiting in PENDING per owner",
	}, []string{"owner_id"})

	// StaleReset counts PROCESSING rows released by the janitor
	StaleReset = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncqueue_stale_reset_total",
		Help: "Queue items released from PROCESSING after exceeding the stale threshold",
	})

	// HealthStatus provides a binary 0/1 signal for the event broker link
	// 1 = Healthy, 0 = Unhealthy (Connection to RabbitMQ is down)
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncqueue_broker_healthy",
		Help: "Current health status of the event broker link (1 for healthy, 0 for unhealthy)",
	})

	// EventsPublished tracks outcome events handed to the broker
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncqueue_events_published_total",
		Help: "Outcome events published to the broker by result",
	}, []string{"result"})
)
