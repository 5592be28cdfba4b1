package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/logger"
	"github.com/markdave123-py/docsense/internal/metrics"
	"github.com/markdave123-py/docsense/internal/models"
)

var _ Ingestor = (*DocumentIngestor)(nil)

// DocumentIngestor runs the extract, chunk, embed and store pipeline for
// uploaded documents and records every status transition.
type DocumentIngestor struct {
	db        core.DbClient
	obj       core.ObjectClient
	extractor core.DocumentExtractor
	index     core.VectorIndex
	splitter  *TextSplitter
	batcher   *EmbeddingBatcher
	cfg       *IngestConfig
	log       *zap.Logger

	jobs    chan IngestRequest
	workers sync.WaitGroup
}

// NewDocumentIngestor constructs the ingestor with a bounded job queue.
// obj may be nil when every source is a local path.
func NewDocumentIngestor(
	db core.DbClient,
	obj core.ObjectClient,
	extractor core.DocumentExtractor,
	embedder core.EmbeddingProvider,
	index core.VectorIndex,
	cfg *IngestConfig,
	log *zap.Logger,
) (*DocumentIngestor, error) {
	if db == nil {
		return nil, errors.New("ingestor: db client is nil")
	}
	if extractor == nil {
		return nil, errors.New("ingestor: extractor is nil")
	}
	if cfg == nil {
		cfg = DefaultIngestConfig()
	}
	log = logger.OrNop(log)

	batcher, err := NewEmbeddingBatcher(embedder, index, cfg.Batch, log)
	if err != nil {
		return nil, err
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	return &DocumentIngestor{
		db:        db,
		obj:       obj,
		extractor: extractor,
		index:     index,
		splitter:  NewTextSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		batcher:   batcher,
		cfg:       cfg,
		log:       log,
		jobs:      make(chan IngestRequest, queue),
	}, nil
}

// Start runs numWorkers goroutines reading from the job queue. A job that is
// already running when ctx ends is finished; jobs still queued are marked
// error, so no document is left in processing.
func (i *DocumentIngestor) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		i.workers.Add(1)
		go func(w int) {
			defer i.workers.Done()
			for {
				select {
				case <-ctx.Done():
					i.log.Debug("ingest worker shutting down", zap.Int("worker", w))
					i.abandonQueued(ctx)
					return
				case req := <-i.jobs:
					if ctx.Err() != nil {
						i.abandon(ctx, req)
						i.abandonQueued(ctx)
						return
					}
					log := logger.Document(i.log, req.DocumentID, req.WorkspaceID).With(zap.Int("worker", w))
					log.Info("processing document")
					if _, err := i.process(context.WithoutCancel(ctx), req, log); err != nil {
						log.Warn("document ingestion failed", zap.Error(err))
					}
				}
			}
		}(w)
	}
}

// abandonQueued fails every job left in the queue without blocking.
func (i *DocumentIngestor) abandonQueued(ctx context.Context) {
	for {
		select {
		case req := <-i.jobs:
			i.abandon(ctx, req)
		default:
			return
		}
	}
}

func (i *DocumentIngestor) abandon(ctx context.Context, req IngestRequest) {
	logger.Document(i.log, req.DocumentID, req.WorkspaceID).Warn("dropping queued document on shutdown")
	if err := i.setStatus(ctx, models.StatusUpdate{
		DocumentID:    req.DocumentID,
		Status:        models.StatusError,
		FailureKind:   models.FailureException,
		FailureReason: "shut down before processing",
	}); err != nil {
		i.log.Error("could not record shutdown status", zap.String("document_id", req.DocumentID), zap.Error(err))
	}
}

// Wait blocks until every worker started by Start has returned.
func (i *DocumentIngestor) Wait() {
	i.workers.Wait()
}

// Ingest marks the document processing and schedules it for a worker. It
// blocks while the queue is full, until ctx ends.
func (i *DocumentIngestor) Ingest(ctx context.Context, req IngestRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if err := i.ensureRecord(ctx, req); err != nil {
		return err
	}
	if err := i.setStatus(ctx, models.StatusUpdate{DocumentID: req.DocumentID, Status: models.StatusProcessing}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	select {
	case i.jobs <- req:
		return nil
	case <-ctx.Done():
		_ = i.setStatus(ctx, models.StatusUpdate{
			DocumentID:    req.DocumentID,
			Status:        models.StatusError,
			FailureKind:   models.FailureException,
			FailureReason: "ingest queue full: " + ctx.Err().Error(),
		})
		return fmt.Errorf("enqueue %s: %w", req.DocumentID, ctx.Err())
	}
}

// ProcessOne runs the whole pipeline for req on the calling goroutine.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, req IngestRequest) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := i.ensureRecord(ctx, req); err != nil {
		return nil, err
	}
	if err := i.setStatus(ctx, models.StatusUpdate{DocumentID: req.DocumentID, Status: models.StatusProcessing}); err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	return i.process(ctx, req, logger.Document(i.log, req.DocumentID, req.WorkspaceID))
}

// DeleteDocumentVectors removes every stored passage of the document from the
// workspace namespace. It gives up after the baseline stage limit. Failures
// are logged and swallowed.
func (i *DocumentIngestor) DeleteDocumentVectors(ctx context.Context, documentID, workspaceID string) {
	_, err := runStage(ctx, core.StageCleanup, i.cleanupTimeout(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, i.index.DeleteByFilter(ctx, workspaceID, models.DocumentFilter(documentID))
	})
	if err != nil {
		metrics.VectorCleanupFailures.Inc()
		logger.Document(i.log, documentID, workspaceID).Warn("vector cleanup failed", zap.Error(err))
	}
}

func (i *DocumentIngestor) process(ctx context.Context, req IngestRequest, log *zap.Logger) (*Outcome, error) {
	began := time.Now()
	out, err := i.run(ctx, req, log)
	metrics.IngestionDuration.Observe(time.Since(began).Seconds())

	if err != nil {
		i.recordFailure(ctx, req, err, log)
		metrics.IngestionsTotal.WithLabelValues(string(models.StatusError), string(core.StageOf(err))).Inc()
		return nil, err
	}

	out.Duration = time.Since(began)
	if err := i.setStatus(ctx, models.StatusUpdate{
		DocumentID:   req.DocumentID,
		Status:       models.StatusReady,
		PassageCount: out.PassageCount,
	}); err != nil {
		return nil, fmt.Errorf("mark ready: %w", err)
	}
	metrics.IngestionsTotal.WithLabelValues(string(models.StatusReady), "").Inc()
	log.Info("document ready",
		zap.Int("passages", out.PassageCount),
		zap.Bool("no_content", out.NoContent),
		zap.Duration("took", out.Duration),
	)
	return out, nil
}

func (i *DocumentIngestor) run(ctx context.Context, req IngestRequest, log *zap.Logger) (*Outcome, error) {
	baseline := i.cfg.Timeouts.Baseline

	src, err := runStage(ctx, core.StageFetch, baseline, func(ctx context.Context) (fetched, error) {
		return i.fetch(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	defer src.remove(log)

	text, err := runStage(ctx, core.StageExtract, baseline, func(ctx context.Context) (string, error) {
		return i.extractor.Extract(ctx, src.path, req.DeclaredType)
	})
	if err != nil {
		return nil, err
	}

	passages, err := runStage(ctx, core.StageChunk, 0, func(context.Context) ([]models.Passage, error) {
		return i.splitter.Passages(text, req.DocumentID, req.WorkspaceID, req.source()), nil
	})
	if err != nil {
		return nil, err
	}

	// Entries from an earlier ingestion of the same document would otherwise
	// outlive a shorter re-upload.
	i.DeleteDocumentVectors(ctx, req.DocumentID, req.WorkspaceID)

	out := &Outcome{DocumentID: req.DocumentID, PassageCount: len(passages)}
	if len(passages) == 0 {
		out.NoContent = true
		log.Info("document has no extractable text", zap.Error(core.ErrNoContent))
		return out, nil
	}

	limit := EstimateTimeout(len(passages), i.cfg.Timeouts)
	log.Debug("embedding passages", zap.Int("passages", len(passages)), zap.Duration("timeout", limit))
	_, err = runStage(ctx, core.StageEmbed, limit, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, i.batcher.EmbedAndStore(ctx, passages, req.WorkspaceID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (i *DocumentIngestor) recordFailure(ctx context.Context, req IngestRequest, err error, log *zap.Logger) {
	stage := core.StageOf(err)
	kind := models.FailureException
	if core.IsTimeout(err) {
		kind = models.FailureTimeout
	}

	log.Error("document ingestion failed",
		zap.String("stage", string(stage)),
		zap.String("kind", kind),
		zap.Error(err),
	)
	if werr := i.setStatus(ctx, models.StatusUpdate{
		DocumentID:    req.DocumentID,
		Status:        models.StatusError,
		FailureStage:  string(stage),
		FailureKind:   kind,
		FailureReason: err.Error(),
	}); werr != nil {
		log.Error("could not record failure status", zap.Error(werr))
	}

	// Earlier batches may already be stored; none of them stay searchable.
	if stage == core.StageEmbed {
		i.DeleteDocumentVectors(context.WithoutCancel(ctx), req.DocumentID, req.WorkspaceID)
	}
}

// setStatus writes outside the pipeline deadline so a timed-out stage can
// still be recorded.
func (i *DocumentIngestor) setStatus(ctx context.Context, u models.StatusUpdate) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.statusWriteTimeout())
	defer cancel()
	return i.db.UpdateDocumentStatus(wctx, u)
}

func (i *DocumentIngestor) cleanupTimeout() time.Duration {
	if i.cfg.Timeouts.Baseline > 0 {
		return i.cfg.Timeouts.Baseline
	}
	return time.Minute
}

func (i *DocumentIngestor) statusWriteTimeout() time.Duration {
	if i.cfg.StatusWriteTimeout > 0 {
		return i.cfg.StatusWriteTimeout
	}
	return 10 * time.Second
}

// ensureRecord creates the document row for callers (the CLI) that ingest
// a file nobody uploaded through the API.
func (i *DocumentIngestor) ensureRecord(ctx context.Context, req IngestRequest) error {
	doc, err := i.db.GetDocumentByID(ctx, req.DocumentID)
	if err != nil && !errors.Is(err, core.ErrDocumentNotFound) {
		return fmt.Errorf("load document %s: %w", req.DocumentID, err)
	}
	if doc != nil {
		if doc.WorkspaceID != "" && doc.WorkspaceID != req.WorkspaceID {
			return fmt.Errorf("%w: %s", core.ErrWorkspaceMismatch, req.DocumentID)
		}
		return nil
	}
	return i.db.CreateDocument(ctx, &models.Document{
		ID:          req.DocumentID,
		WorkspaceID: req.WorkspaceID,
		FileName:    req.source(),
		StorageURL:  req.FilePath,
		ContentType: req.DeclaredType,
		Status:      models.StatusUploaded,
	})
}

// fetched is a source file available on local disk.
type fetched struct {
	path string
	dir  string // temp dir to remove, empty for caller-owned files
}

func (f fetched) remove(log *zap.Logger) {
	if f.dir == "" {
		return
	}
	if err := os.RemoveAll(f.dir); err != nil {
		log.Warn("could not remove fetched source", zap.String("dir", f.dir), zap.Error(err))
	}
}

// fetch makes the source available locally. Object storage references are
// downloaded to a temp file that keeps the object's extension.
func (i *DocumentIngestor) fetch(ctx context.Context, req IngestRequest) (fetched, error) {
	bucket, key, ok := ParseS3URL(req.FilePath)
	if !ok {
		if _, err := os.Stat(req.FilePath); err != nil {
			return fetched{}, fmt.Errorf("source file: %w", err)
		}
		return fetched{path: req.FilePath}, nil
	}
	if i.obj == nil {
		return fetched{}, fmt.Errorf("source %q is in object storage but no object client is configured", req.FilePath)
	}

	dir, err := os.MkdirTemp("", "docsense-fetch-*")
	if err != nil {
		return fetched{}, fmt.Errorf("create temp dir: %w", err)
	}
	local := filepath.Join(dir, path.Base(key))
	if _, err := i.obj.DownloadToFile(ctx, bucket, key, local); err != nil {
		_ = os.RemoveAll(dir)
		return fetched{}, err
	}
	return fetched{path: local, dir: dir}, nil
}

// runStage races fn against the stage deadline. A stage that ignores ctx
// still releases the pipeline when the deadline passes; its late result is
// discarded. limit <= 0 means no stage deadline.
func runStage[T any](ctx context.Context, stage core.Stage, limit time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	sctx, cancel := ctx, context.CancelFunc(func() {})
	if limit > 0 {
		sctx, cancel = context.WithTimeout(ctx, limit)
	}
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(sctx)
		done <- result{val: v, err: err}
	}()

	timedOut := func() bool {
		return limit > 0 && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded)
	}
	select {
	case r := <-done:
		if r.err == nil {
			return r.val, nil
		}
		if timedOut() {
			return zero, &core.ProcessingTimeout{Stage: stage, Limit: limit}
		}
		return zero, &core.StageError{Stage: stage, Err: r.err}
	case <-sctx.Done():
		if timedOut() {
			return zero, &core.ProcessingTimeout{Stage: stage, Limit: limit}
		}
		return zero, &core.StageError{Stage: stage, Err: ctx.Err()}
	}
}

// ParseS3URL recognizes s3://bucket/key plus virtual-hosted and path-style
// S3 https URLs. Anything else is treated as a local path.
//
//	s3://my-bucket/path/to/file.pdf
//	https://my-bucket.s3.us-east-2.amazonaws.com/path/to/file.pdf
//	https://s3.us-east-2.amazonaws.com/my-bucket/path/to/file.pdf
func ParseS3URL(raw string) (bucket, key string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	p := strings.TrimPrefix(u.Path, "/")

	switch u.Scheme {
	case "s3":
		bucket, key = u.Host, p
	case "https", "http":
		host := u.Hostname()
		if !strings.HasSuffix(host, ".amazonaws.com") {
			return "", "", false
		}
		if strings.HasPrefix(host, "s3.") || strings.HasPrefix(host, "s3-") {
			bucket, key, _ = strings.Cut(p, "/")
		} else if idx := strings.Index(host, ".s3"); idx > 0 {
			bucket, key = host[:idx], p
		} else {
			return "", "", false
		}
	default:
		return "", "", false
	}
	if bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
