package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/logger"
	"github.com/markdave123-py/docsense/internal/metrics"
	"github.com/markdave123-py/docsense/internal/models"
)

// EmbeddingBatcher embeds passages a few at a time and writes them to the
// vector index, pausing between batches to stay under provider rate limits.
type EmbeddingBatcher struct {
	embedder core.EmbeddingProvider
	index    core.VectorIndex
	cfg      BatchConfig
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewEmbeddingBatcher(embedder core.EmbeddingProvider, index core.VectorIndex, cfg BatchConfig, log *zap.Logger) (*EmbeddingBatcher, error) {
	if embedder == nil {
		return nil, errors.New("embedding batcher: embedder is nil")
	}
	if index == nil {
		return nil, errors.New("embedding batcher: vector index is nil")
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultBatchSize
	}
	return &EmbeddingBatcher{
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		log:      logger.OrNop(log),
		sleep:    sleepCtx,
	}, nil
}

// EmbedAndStore processes passages in sequential batches. Each batch is
// embedded then upserted before the next starts. The first failure aborts
// with a *core.BatchFailure; earlier batches stay stored.
func (b *EmbeddingBatcher) EmbedAndStore(ctx context.Context, passages []models.Passage, namespace string) error {
	total := (len(passages) + b.cfg.Size - 1) / b.cfg.Size

	for n := 0; n < total; n++ {
		if n > 0 && b.cfg.Delay > 0 {
			if err := b.sleep(ctx, b.cfg.Delay); err != nil {
				return err
			}
		}

		start := n * b.cfg.Size
		end := min(start+b.cfg.Size, len(passages))
		began := time.Now()

		if err := b.storeBatch(ctx, passages[start:end], namespace); err != nil {
			return &core.BatchFailure{Batch: n + 1, Total: total, Err: err}
		}

		metrics.EmbedBatchDuration.Observe(time.Since(began).Seconds())
		metrics.PassagesIndexed.Add(float64(end - start))
		b.log.Debug("batch stored",
			zap.String("workspace_id", namespace),
			zap.Int("batch", n+1),
			zap.Int("batches", total),
			zap.Int("passages", end-start),
		)
	}
	return nil
}

func (b *EmbeddingBatcher) storeBatch(ctx context.Context, batch []models.Passage, namespace string) error {
	texts := make([]string, len(batch))
	for i := range batch {
		texts[i] = batch[i].Text
	}

	vecs, err := b.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(batch) {
		return fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(batch))
	}

	entries := make([]models.VectorEntry, len(batch))
	for i := range batch {
		entries[i] = models.VectorEntry{
			ID:       batch[i].EntryID(),
			Vector:   vecs[i],
			Text:     batch[i].Text,
			Metadata: batch[i].Metadata(),
		}
	}
	if err := b.index.Upsert(ctx, namespace, entries); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
