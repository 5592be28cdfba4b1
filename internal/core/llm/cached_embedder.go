package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/logger"
	"github.com/markdave123-py/docsense/internal/metrics"
)

const (
	defaultCachePrefix   = "docsense:emb:"
	defaultCacheTTL      = 24 * time.Hour
	defaultLocalCapacity = 4096
)

// CachedEmbedder puts a two-level cache in front of query embeddings: an
// in-process map, then Redis when a client is configured. Retrieval embeds
// the same expansion probes on every call, so most lookups hit L1.
//
// EmbedTexts is passed straight through; document passages are embedded once.
type CachedEmbedder struct {
	next   core.EmbeddingProvider
	redis  *redis.Client
	model  string
	prefix string
	ttl    time.Duration
	log    *zap.Logger

	mu       sync.RWMutex
	local    map[string][]float32
	capacity int
}

type CacheOptions struct {
	Model    string // part of the key, so switching models never serves stale vectors
	Prefix   string
	TTL      time.Duration
	Capacity int
}

func NewCachedEmbedder(next core.EmbeddingProvider, rdb *redis.Client, opts CacheOptions, log *zap.Logger) (*CachedEmbedder, error) {
	if next == nil {
		return nil, errors.New("cached embedder: provider is nil")
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultCachePrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultCacheTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultLocalCapacity
	}
	return &CachedEmbedder{
		next:     next,
		redis:    rdb,
		model:    opts.Model,
		prefix:   opts.Prefix,
		ttl:      opts.TTL,
		log:      logger.OrNop(log),
		local:    make(map[string][]float32),
		capacity: opts.Capacity,
	}, nil
}

// EmbedText returns a vector the caller owns; the cached copy is never shared.
func (c *CachedEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	if vec, ok := c.getLocal(key); ok {
		metrics.EmbedCacheLookups.WithLabelValues("l1_hit").Inc()
		return vec, nil
	}
	if vec, ok := c.getRemote(ctx, key); ok {
		metrics.EmbedCacheLookups.WithLabelValues("l2_hit").Inc()
		c.setLocal(key, vec)
		return vec, nil
	}
	metrics.EmbedCacheLookups.WithLabelValues("miss").Inc()

	vec, err := c.next.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}
	c.setLocal(key, vec)
	c.setRemote(ctx, key, vec)
	return vec, nil
}

func (c *CachedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return c.next.EmbedTexts(ctx, texts)
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + c.model + ":" + hex.EncodeToString(sum[:16])
}

func (c *CachedEmbedder) getLocal(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.local[key]
	return slices.Clone(vec), ok
}

// setLocal drops half the entries when the map is full. Map iteration order
// makes the victims arbitrary, which is fine for a small hot set.
func (c *CachedEmbedder) setLocal(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.local) >= c.capacity {
		drop := c.capacity / 2
		for k := range c.local {
			if drop == 0 {
				break
			}
			delete(c.local, k)
			drop--
		}
	}
	c.local[key] = slices.Clone(vec)
}

// getRemote treats every Redis problem as a miss; the provider is the source of truth.
func (c *CachedEmbedder) getRemote(ctx context.Context, key string) ([]float32, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debug("embedding cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.log.Debug("embedding cache entry unreadable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vec, true
}

func (c *CachedEmbedder) setRemote(ctx context.Context, key string, vec []float32) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Debug("embedding cache write failed", zap.Error(err))
	}
}

var _ core.EmbeddingProvider = (*CachedEmbedder)(nil)
