// Package metrics holds the Prometheus collectors exported by a watcher
// process. The changestream and mongoresume packages never import this
// package directly; internal/watch records into it so the core stays free
// of global state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed tracks events delivered to a watcher's consumer callback.
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changestream",
			Subsystem: "watch",
			Name:      "events_processed_total",
			Help:      "Total change events delivered to the watcher's consumer",
		},
		[]string{"stream", "result"}, // result: success, failed
	)

	// BatchesProcessed tracks completed batches per stream.
	BatchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changestream",
			Subsystem: "watch",
			Name:      "batches_processed_total",
			Help:      "Total batches fetched and delivered by the watcher",
		},
		[]string{"stream"},
	)

	// ProcessingDuration tracks per-batch consumer callback duration.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "changestream",
			Subsystem: "watch",
			Name:      "processing_duration_seconds",
			Help:      "Time spent in the consumer callback for one batch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stream"},
	)

	// Resumes tracks cursor-level resume attempts and their outcome.
	Resumes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changestream",
			Subsystem: "watch",
			Name:      "resumes_total",
			Help:      "Total cursor resume attempts",
		},
		[]string{"stream", "result"}, // result: succeeded, failed
	)

	// Reconnects tracks outer-loop reconnects after a non-resumable failure.
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changestream",
			Subsystem: "watch",
			Name:      "reconnects_total",
			Help:      "Total outer-loop reconnects after a non-resumable cursor failure",
		},
		[]string{"stream", "reason"}, // reason: backoff, stale_token
	)

	// CheckpointSaves tracks checkpoint store writes.
	CheckpointSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "changestream",
			Subsystem: "watch",
			Name:      "checkpoint_saves_total",
			Help:      "Total checkpoint store writes",
		},
		[]string{"stream", "result"}, // result: success, failed
	)

	// Lag approximates how many processed batches have not yet been
	// checkpointed, the same shape as the teacher pack's stream consumer lag.
	Lag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "changestream",
			Subsystem: "watch",
			Name:      "uncheckpointed_batches",
			Help:      "Batches processed since the last successful checkpoint save",
		},
		[]string{"stream"},
	)
)
