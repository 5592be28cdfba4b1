package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion
var (
	// IngestionsTotal counts finished pipelines by terminal status and failing stage.
	IngestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsense_ingestions_total",
			Help: "Finished document ingestions",
		},
		[]string{"status", "stage"},
	)

	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docsense_ingestion_duration_seconds",
			Help:    "Wall time of one document pipeline",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	PassagesIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsense_passages_indexed_total",
			Help: "Passages embedded and written to the vector index",
		},
	)

	EmbedBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docsense_embed_batch_duration_seconds",
			Help:    "Embed plus upsert time per batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	VectorCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsense_vector_cleanup_failures_total",
			Help: "Best-effort vector deletions that failed",
		},
	)
)

// Retrieval
var (
	RetrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsense_retrievals_total",
			Help: "Retrieval calls by outcome",
		},
		[]string{"status"},
	)

	RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docsense_retrieval_duration_seconds",
			Help:    "Retrieval latency including expansions",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ExpansionFailures counts expansion probes that errored or timed out and were skipped.
	ExpansionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsense_expansion_failures_total",
			Help: "Expansion queries skipped after an error",
		},
	)

	EmbedCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsense_embed_cache_lookups_total",
			Help: "Embedding cache lookups by result",
		},
		[]string{"result"}, // l1_hit | l2_hit | miss
	)
)
