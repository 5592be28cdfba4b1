package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/logger"
	"github.com/markdave123-py/docsense/internal/metrics"
	"github.com/markdave123-py/docsense/internal/models"
)

// Options tunes one Retriever.
//
// PrimaryTopK:      candidates taken from the user query itself.
// ExpansionTopK:    candidates taken from each expansion probe.
// ExpansionTimeout: bound on one probe's embed plus query.
// DefaultLimit:     result count when a request asks for <= 0.
// Concurrency:      probes in flight at once.
type Options struct {
	PrimaryTopK      int
	ExpansionTopK    int
	ExpansionTimeout time.Duration
	DefaultLimit     int
	Concurrency      int
}

func DefaultOptions() Options {
	return Options{
		PrimaryTopK:      50,
		ExpansionTopK:    30,
		ExpansionTimeout: 10 * time.Second,
		DefaultLimit:     10,
		Concurrency:      4,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PrimaryTopK <= 0 {
		o.PrimaryTopK = def.PrimaryTopK
	}
	if o.ExpansionTopK <= 0 {
		o.ExpansionTopK = def.ExpansionTopK
	}
	if o.ExpansionTimeout <= 0 {
		o.ExpansionTimeout = def.ExpansionTimeout
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = def.DefaultLimit
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	return o
}

// RetrieveRequest is one retrieval call. A nil Policy uses the retriever's.
type RetrieveRequest struct {
	Query       string
	WorkspaceID string
	Limit       int
	Policy      *ExpansionPolicy
}

// Retriever merges a primary similarity query with expansion probes into one
// ranked, deduplicated passage list.
type Retriever struct {
	embedder core.EmbeddingProvider
	index    core.VectorIndex
	policy   *ExpansionPolicy
	opts     Options
	log      *zap.Logger
}

func NewRetriever(embedder core.EmbeddingProvider, index core.VectorIndex, policy *ExpansionPolicy, opts Options, log *zap.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, errors.New("retriever: embedder is nil")
	}
	if index == nil {
		return nil, errors.New("retriever: vector index is nil")
	}
	if policy == nil {
		policy = DefaultExpansionPolicy()
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		policy:   policy,
		opts:     opts.withDefaults(),
		log:      logger.OrNop(log),
	}, nil
}

// Retrieve returns at most Limit passages sorted by descending score. Only a
// failure of the primary query fails the call; failed probes are skipped.
func (r *Retriever) Retrieve(ctx context.Context, req RetrieveRequest) ([]models.RetrievalResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is empty", core.ErrInvalidRequest)
	}
	if req.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id is required", core.ErrInvalidRequest)
	}
	began := time.Now()
	defer func() { metrics.RetrievalDuration.Observe(time.Since(began).Seconds()) }()

	log := r.log.With(zap.String("workspace_id", req.WorkspaceID))

	primary, err := r.search(ctx, req.WorkspaceID, req.Query, r.opts.PrimaryTopK)
	if err != nil {
		metrics.RetrievalsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("primary query: %w", err)
	}

	policy := req.Policy
	if policy == nil {
		policy = r.policy
	}
	probes := policy.Expand(req.Query)
	expanded := r.runExpansions(ctx, req.WorkspaceID, probes, log)

	merged := primary
	for _, res := range expanded {
		merged = append(merged, res...)
	}
	out := Dedup(merged)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	limit := req.Limit
	if limit <= 0 {
		limit = r.opts.DefaultLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}

	metrics.RetrievalsTotal.WithLabelValues("ok").Inc()
	log.Debug("retrieved passages",
		zap.Int("primary", len(primary)),
		zap.Int("probes", len(probes)),
		zap.Int("merged", len(merged)),
		zap.Int("returned", len(out)),
	)
	return out, nil
}

// runExpansions queries every probe concurrently and returns the results in
// probe order. A failed or timed-out probe leaves an empty slot.
func (r *Retriever) runExpansions(ctx context.Context, workspaceID string, probes []string, log *zap.Logger) [][]models.RetrievalResult {
	results := make([][]models.RetrievalResult, len(probes))

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, probe := range probes {
		g.Go(func() error {
			res, err := r.expansion(ctx, workspaceID, probe)
			if err != nil {
				metrics.ExpansionFailures.Inc()
				log.Warn("expansion query skipped", zap.String("probe", probe), zap.Error(err))
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// expansion bounds one probe by ExpansionTimeout even if the provider ignores ctx.
func (r *Retriever) expansion(ctx context.Context, workspaceID, probe string) ([]models.RetrievalResult, error) {
	ectx, cancel := context.WithTimeout(ctx, r.opts.ExpansionTimeout)
	defer cancel()

	type result struct {
		res []models.RetrievalResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := r.search(ectx, workspaceID, probe, r.opts.ExpansionTopK)
		done <- result{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ectx.Done():
		return nil, ectx.Err()
	}
}

func (r *Retriever) search(ctx context.Context, workspaceID, text string, topK int) ([]models.RetrievalResult, error) {
	vec, err := r.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return r.index.Query(ctx, workspaceID, vec, topK)
}
