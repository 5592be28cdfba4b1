package ingestion_engine

import (
	"math"
	"time"

	"github.com/markdave123-py/docsense/internal/config"
)

const (
	DefaultBatchSize  = 5
	DefaultBatchDelay = 2 * time.Second
	DefaultQueueSize  = 64
)

// IngestConfig tunes the pipeline.
//
// ChunkSize/ChunkOverlap: passage length and carried overlap, in characters.
// Batch:                  embedding batch size and pause between batches.
// Timeouts:               stage deadlines, see EstimateTimeout.
// QueueSize:              capacity of the in-memory job queue.
// StatusWriteTimeout:     bound on each status write, which runs detached from the pipeline deadline.
type IngestConfig struct {
	ChunkSize          int
	ChunkOverlap       int
	Batch              BatchConfig
	Timeouts           TimeoutPolicy
	QueueSize          int
	StatusWriteTimeout time.Duration
}

// BatchConfig controls embedding pacing.
type BatchConfig struct {
	Size  int
	Delay time.Duration
}

// TimeoutPolicy holds the constants of the adaptive embed timeout.
//
// Baseline:   fixed allowance, also the deadline for extraction.
// PerBatch:   expected embed+store time of one batch.
// InterBatch: pause between batches (matches BatchConfig.Delay).
// Multiplier: safety factor on the variable part.
// Cap:        upper bound on any estimate.
type TimeoutPolicy struct {
	Baseline   time.Duration
	PerBatch   time.Duration
	InterBatch time.Duration
	Multiplier float64
	Cap        time.Duration
	BatchSize  int
}

func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Baseline:   5 * time.Minute,
		PerBatch:   5 * time.Second,
		InterBatch: DefaultBatchDelay,
		Multiplier: 1.5,
		Cap:        30 * time.Minute,
		BatchSize:  DefaultBatchSize,
	}
}

func DefaultIngestConfig() *IngestConfig {
	return &IngestConfig{
		ChunkSize:          DefaultChunkSize,
		ChunkOverlap:       DefaultChunkOverlap,
		Batch:              BatchConfig{Size: DefaultBatchSize, Delay: DefaultBatchDelay},
		Timeouts:           DefaultTimeoutPolicy(),
		QueueSize:          DefaultQueueSize,
		StatusWriteTimeout: 10 * time.Second,
	}
}

// IngestConfigFrom maps the env settings onto the pipeline config. The
// inter-batch allowance always follows the configured batch delay.
func IngestConfigFrom(s config.IngestSettings) *IngestConfig {
	c := DefaultIngestConfig()
	c.ChunkSize = s.ChunkSize
	c.ChunkOverlap = s.ChunkOverlap
	c.Batch = BatchConfig{Size: s.BatchSize, Delay: s.BatchDelay}
	c.Timeouts = TimeoutPolicy{
		Baseline:   s.TimeoutBaseline,
		PerBatch:   s.TimeoutPerBatch,
		InterBatch: s.BatchDelay,
		Multiplier: s.TimeoutMultiplier,
		Cap:        s.TimeoutCap,
		BatchSize:  s.BatchSize,
	}
	return c
}

// EstimateTimeout sizes the embed stage deadline for a passage count:
//
//	baseline + multiplier * (batches*perBatch + (batches-1)*interBatch), capped.
//
// With the defaults, 100 passages (20 batches) get 5m + 1.5*(100s+38s) = 8m27s.
func EstimateTimeout(passages int, p TimeoutPolicy) time.Duration {
	size := p.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := int(math.Ceil(float64(passages) / float64(size)))
	if batches <= 0 {
		return capTimeout(p.Baseline, p.Cap)
	}
	work := time.Duration(batches)*p.PerBatch + time.Duration(batches-1)*p.InterBatch
	return capTimeout(p.Baseline+time.Duration(p.Multiplier*float64(work)), p.Cap)
}

func capTimeout(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
