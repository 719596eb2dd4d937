// Package metrics exposes the collector's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cce_collector_events_received_total",
			Help: "Total number of events received, by source and terminal status",
		},
		[]string{"source", "status"},
	)

	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cce_collector_ingestion_duration_seconds",
			Help:    "End-to-end event ingestion latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Deduplication metrics
	DedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cce_collector_dedup_hits_total",
			Help: "Duplicate detections, by layer (cache or store)",
		},
		[]string{"layer"},
	)

	// Outbox publish metrics
	PublishAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cce_collector_publish_attempts_total",
			Help: "Broker publish attempts, by outcome",
		},
		[]string{"outcome"},
	)

	OutboxRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cce_collector_outbox_retried_total",
			Help: "Outbox rows retried by the sweep",
		},
	)

	OutboxAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cce_collector_outbox_abandoned_total",
			Help: "Outbox rows past the max retry age, left for manual intervention",
		},
	)

	// Dead-letter metrics
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cce_collector_dead_letters_total",
			Help: "Dead-lettered events, by rejection reason",
		},
		[]string{"reason"},
	)
)
