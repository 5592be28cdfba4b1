package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/config"
	"github.com/markdave123-py/docsense/internal/core"
	db "github.com/markdave123-py/docsense/internal/core/database"
	"github.com/markdave123-py/docsense/internal/core/ingestion_engine"
	"github.com/markdave123-py/docsense/internal/core/llm"
	objectclient "github.com/markdave123-py/docsense/internal/core/object-client"
	"github.com/markdave123-py/docsense/internal/core/retrieval"
	"github.com/markdave123-py/docsense/internal/core/vectorindex"
	"github.com/markdave123-py/docsense/internal/logger"
)

// App owns every long-lived component. The API server and the CLI both
// build one.
type App struct {
	Config       *config.Config
	Log          *zap.Logger
	DBClient     *db.DatabaseClient
	ObjectClient *objectclient.S3Client
	Index        core.VectorIndex
	Ingestor     *ingestion_engine.DocumentIngestor
	Retriever    *retrieval.Retriever
	Server       *Server

	closers []func() error
}

func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	log = logger.OrNop(log)
	for _, w := range cfg.Warnings {
		log.Warn("config value ignored", zap.String("detail", w))
	}

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{Config: cfg, Log: log}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	a.DBClient, err = db.NewDatabaseClient(appCtx, cfg, log.Named("db"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DBClient.Close)
	log.Info("database initialized and ready")

	a.ObjectClient, err = objectclient.NewS3Client(appCtx, cfg, log.Named("s3"))
	if err != nil {
		return nil, err
	}
	log.Info("object client initialized and ready", zap.String("bucket", cfg.BucketName))

	a.Index, err = newVectorIndex(cfg, a.DBClient)
	if err != nil {
		return nil, err
	}
	log.Info("vector index selected", zap.String("backend", cfg.VectorIndex))

	geminiEmbedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
	}
	a.closers = append(a.closers, geminiEmbedder.Close)

	llmProvider, err := llm.NewGeminiLLM(appCtx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the generator: %w", err)
	}
	a.closers = append(a.closers, llmProvider.Close)

	rdb := a.newRedis(appCtx)
	queryEmbedder, err := llm.NewCachedEmbedder(geminiEmbedder, rdb, llm.CacheOptions{
		Model: geminiEmbedder.Model(),
		TTL:   cfg.EmbedCacheTTL,
	}, log.Named("embed_cache"))
	if err != nil {
		return nil, err
	}

	extractor := ingestion_engine.NewExtractor(ingestion_engine.ExtractorConfig{
		LargePDFBytes: cfg.Ingest.LargePDFBytes,
		PDFPageBatch:  cfg.Ingest.PDFPageBatch,
	}, log.Named("extract"))

	a.Ingestor, err = ingestion_engine.NewDocumentIngestor(
		a.DBClient, a.ObjectClient, extractor, geminiEmbedder, a.Index,
		ingestion_engine.IngestConfigFrom(cfg.Ingest), log.Named("ingest"),
	)
	if err != nil {
		return nil, err
	}

	a.Retriever, err = retrieval.NewRetriever(queryEmbedder, a.Index, nil, retrieval.Options{
		PrimaryTopK:      cfg.Retrieval.PrimaryTopK,
		ExpansionTopK:    cfg.Retrieval.ExpansionTopK,
		ExpansionTimeout: cfg.Retrieval.ExpansionTimeout,
		DefaultLimit:     cfg.Retrieval.DefaultLimit,
	}, log.Named("retrieve"))
	if err != nil {
		return nil, err
	}

	a.Server = NewServer(cfg, ServerDeps{
		DB:        a.DBClient,
		Objects:   a.ObjectClient,
		Ingestor:  a.Ingestor,
		Index:     a.Index,
		Retriever: a.Retriever,
		LLM:       llmProvider,
		Health:    a.DBClient.DB().PingContext,
	}, log.Named("http"))

	ready = true
	return a, nil
}

func newVectorIndex(cfg *config.Config, dbClient *db.DatabaseClient) (core.VectorIndex, error) {
	switch cfg.VectorIndex {
	case config.IndexQdrant:
		return vectorindex.NewQdrantIndex(vectorindex.QdrantOptions{
			Endpoint:        cfg.QdrantURL,
			APIKey:          cfg.QdrantAPIKey,
			Collection:      cfg.QdrantCollection,
			VectorDimension: cfg.EmbedDim,
		})
	case config.IndexMemory:
		return vectorindex.NewMemoryIndex(), nil
	default:
		return vectorindex.NewPGVectorIndex(dbClient.DB())
	}
}

// newRedis returns nil when no address is configured. An unreachable server
// is only logged; the cache treats Redis errors as misses.
func (a *App) newRedis(ctx context.Context) *redis.Client {
	if a.Config.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	a.closers = append(a.closers, rdb.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		a.Log.Warn("redis unreachable, embedding cache is memory only for now", zap.String("addr", a.Config.RedisAddr), zap.Error(err))
	} else {
		a.Log.Info("redis connected", zap.String("addr", a.Config.RedisAddr))
	}
	return rdb
}

// Run starts the ingestion workers and serves HTTP until ctx ends. Workers
// finish their in-flight document before Run returns.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	a.Ingestor.Start(workerCtx, a.Config.Ingest.Workers)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	stopWorkers()
	a.Ingestor.Wait()
	return serveErr
}

// Close releases resources in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Log.Sync()
}
