// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsTotal tracks persisted records by model and outcome (added, updated, deleted, unchanged)
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "records",
			Name:      "persisted_total",
			Help:      "Total number of records persisted by outcome",
		},
		[]string{"model", "outcome"},
	)

	// BillableRecordsTotal tracks monthly active records
	BillableRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "records",
			Name:      "billable_total",
			Help:      "Total number of records activated for billing",
		},
		[]string{"environment_id", "model"},
	)

	// PersistPayloadBytes tracks the size of persisted batches
	PersistPayloadBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "persist",
			Name:      "payload_bytes",
			Help:      "Size of persisted record batches in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"type"},
	)

	// PersistDuration tracks persist calls
	PersistDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "persist",
			Name:      "duration_seconds",
			Help:      "Duration of persist calls in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type", "status"},
	)

	// StoredRecords is the number of live records held per environment
	StoredRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "records",
			Name:      "stored_count",
			Help:      "Number of records currently stored",
		},
		[]string{"environment_id"},
	)

	// StoredRecordBytes is the size of live records held per environment
	StoredRecordBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "records",
			Name:      "stored_bytes",
			Help:      "Size in bytes of records currently stored",
		},
		[]string{"environment_id"},
	)

	// RecordsDeletedTotal tracks records removed by sweeps, purges and the janitor
	RecordsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "records",
			Name:      "deleted_total",
			Help:      "Total number of records deleted, soft deleted or pruned",
		},
		[]string{"source", "mode"},
	)

	// JanitorRunsTotal tracks janitor iterations by task and status
	JanitorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "janitor",
			Name:      "runs_total",
			Help:      "Total number of janitor runs by task and status",
		},
		[]string{"task", "status"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// RedisOperationDuration tracks Redis operation duration
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis operations in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"operation"},
	)
)

// RecordPersisted records the outcome counts of one persist call
func RecordPersisted(model string, added, updated, deleted, unchanged int) {
	RecordsTotal.WithLabelValues(model, "added").Add(float64(added))
	RecordsTotal.WithLabelValues(model, "updated").Add(float64(updated))
	RecordsTotal.WithLabelValues(model, "deleted").Add(float64(deleted))
	RecordsTotal.WithLabelValues(model, "unchanged").Add(float64(unchanged))
}

// RecordBillable records activated records
func RecordBillable(environmentID, model string, activated int) {
	BillableRecordsTotal.WithLabelValues(environmentID, model).Add(float64(activated))
}

// RecordPersist records the size and duration of a persist call
func RecordPersist(persistType, status string, payloadBytes int, durationSeconds float64) {
	PersistPayloadBytes.WithLabelValues(persistType).Observe(float64(payloadBytes))
	PersistDuration.WithLabelValues(persistType, status).Observe(durationSeconds)
}

// SetStoredRecords replaces the stored record gauges with totals keyed by environment id
func SetStoredRecords(counts, sizes map[string]int64) {
	StoredRecords.Reset()
	StoredRecordBytes.Reset()
	for env, count := range counts {
		StoredRecords.WithLabelValues(env).Set(float64(count))
		StoredRecordBytes.WithLabelValues(env).Set(float64(sizes[env]))
	}
}

// RecordDeleted records deleted records
func RecordDeleted(source, mode string, count int64) {
	RecordsDeletedTotal.WithLabelValues(source, mode).Add(float64(count))
}

// RecordJanitorRun records a janitor iteration
func RecordJanitorRun(task, status string) {
	JanitorRunsTotal.WithLabelValues(task, status).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
