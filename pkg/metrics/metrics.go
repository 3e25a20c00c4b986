// Package metrics provides Prometheus metrics for the collector: records
// moved per stream, source API behavior, and flush latency. Metrics are
// registered automatically via promauto; recording is thread-safe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fabricsight"

var (
	// RecordsCollected counts normalized records produced per stream
	RecordsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_collected_total",
		Help:      "Normalized records produced, by stream",
	}, []string{"stream"})

	// RecordsSent counts records delivered to the ingestion endpoint
	RecordsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_sent_total",
		Help:      "Records delivered to the ingestion endpoint, by stream",
	}, []string{"stream"})

	// RecordsFailed counts records whose batch could not be delivered
	RecordsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_failed_total",
		Help:      "Records in batches that failed delivery, by stream",
	}, []string{"stream"})

	// BatchesSent counts successful flushes per stream
	BatchesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_sent_total",
		Help:      "Batches delivered to the ingestion endpoint, by stream",
	}, []string{"stream"})

	// FlushDuration observes end-to-end flush latency per stream
	FlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "flush_duration_seconds",
		Help:      "Latency of ingestion flush calls, by stream",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stream"})

	// APIRequests counts source API page requests by outcome
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Source API page requests, by outcome",
	}, []string{"outcome"})

	// ThrottleEvents counts 429 responses from the source API
	ThrottleEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "throttle_events_total",
		Help:      "Throttled (HTTP 429) source API responses",
	})

	// EntitiesProcessed counts entities fully read, by kind and outcome
	EntitiesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entities_processed_total",
		Help:      "Entities processed in collection runs, by kind and outcome",
	}, []string{"kind", "outcome"})
)
