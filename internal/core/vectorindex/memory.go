package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/models"
)

var _ core.VectorIndex = (*MemoryIndex)(nil)

// MemoryIndex keeps vectors in process, one map per namespace. Scores are
// cosine similarity, the same measure the pgvector backend reports.
type MemoryIndex struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]models.VectorEntry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{namespaces: make(map[string]map[string]models.VectorEntry)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, namespace string, entries []models.VectorEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]models.VectorEntry)
		m.namespaces[namespace] = ns
	}
	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("memory index: entry without id")
		}
		ns[e.ID] = models.VectorEntry{
			ID:       e.ID,
			Vector:   append([]float32(nil), e.Vector...),
			Text:     e.Text,
			Metadata: copyMetadata(e.Metadata),
		}
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]models.RetrievalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns := m.namespaces[namespace]
	out := make([]models.RetrievalResult, 0, len(ns))
	for _, e := range ns {
		out = append(out, models.RetrievalResult{
			ID:       e.ID,
			Text:     e.Text,
			Metadata: copyMetadata(e.Metadata),
			Score:    cosine(vector, e.Vector),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *MemoryIndex) DeleteByFilter(ctx context.Context, namespace string, filter models.Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(filter) == 0 {
		return core.ErrEmptyFilter
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.namespaces[namespace] {
		if matches(e.Metadata, filter) {
			delete(m.namespaces[namespace], id)
		}
	}
	return nil
}

func (m *MemoryIndex) DescribeStats(ctx context.Context, namespace string) (models.IndexStats, error) {
	if err := ctx.Err(); err != nil {
		return models.IndexStats{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := models.IndexStats{Namespace: namespace}
	for _, e := range m.namespaces[namespace] {
		stats.Count++
		stats.Dimension = len(e.Vector)
	}
	return stats, nil
}

func matches(meta map[string]any, filter models.Filter) bool {
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
