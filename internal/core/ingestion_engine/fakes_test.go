package ingestion_engine

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/models"
)

var errEmbedFailed = errors.New("embedding provider returned 500")

// fakeEmbedder returns small deterministic vectors. failOnCall makes the n-th
// EmbedTexts call (1-based) fail; delay slows every call down.
type fakeEmbedder struct {
	mu         sync.Mutex
	calls      int
	failOnCall int
	delay      time.Duration
	ignoreCtx  bool
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if f.failOnCall > 0 && call == f.failOnCall {
		return nil, errEmbedFailed
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		h := fnv.New32a()
		_, _ = h.Write([]byte(t))
		sum := h.Sum32()
		out[i] = []float32{1, float32(sum%97) / 97, float32(sum%89) / 89}
	}
	return out, nil
}

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// failingIndex wraps an index and fails selected operations.
type failingIndex struct {
	core.VectorIndex
	upsertErr error
	deleteErr error
}

func (f *failingIndex) Upsert(ctx context.Context, ns string, entries []models.VectorEntry) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.VectorIndex.Upsert(ctx, ns, entries)
}

func (f *failingIndex) DeleteByFilter(ctx context.Context, ns string, filter models.Filter) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.VectorIndex.DeleteByFilter(ctx, ns, filter)
}

// stallingIndex never finishes a delete until its context ends.
type stallingIndex struct {
	core.VectorIndex
	upsertErr error
}

func (s *stallingIndex) Upsert(ctx context.Context, ns string, entries []models.VectorEntry) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.VectorIndex.Upsert(ctx, ns, entries)
}

func (s *stallingIndex) DeleteByFilter(ctx context.Context, _ string, _ models.Filter) error {
	<-ctx.Done()
	return ctx.Err()
}

// memoryStore is an in-memory core.DbClient that records every status write.
type memoryStore struct {
	mu      sync.Mutex
	docs    map[string]*models.Document
	history map[string][]models.DocumentStatus
}

func newMemoryStore(docs ...models.Document) *memoryStore {
	s := &memoryStore{docs: map[string]*models.Document{}, history: map[string][]models.DocumentStatus{}}
	for i := range docs {
		d := docs[i]
		s.docs[d.ID] = &d
	}
	return s
}

func (s *memoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := *doc
	s.docs[doc.ID] = &d
	return nil
}

func (s *memoryStore) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *memoryStore) ListDocumentsByWorkspace(_ context.Context, workspaceID string) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Document
	for _, d := range s.docs {
		if d.WorkspaceID == workspaceID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateDocumentStatus(_ context.Context, u models.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[u.DocumentID]
	if !ok {
		return core.ErrDocumentNotFound
	}
	d.Status = u.Status
	d.FailureStage = u.FailureStage
	d.FailureKind = u.FailureKind
	d.FailureReason = u.FailureReason
	d.PassageCount = u.PassageCount
	s.history[u.DocumentID] = append(s.history[u.DocumentID], u.Status)
	return nil
}

func (s *memoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) doc(id string) models.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.docs[id]
}

func (s *memoryStore) statuses(id string) []models.DocumentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DocumentStatus(nil), s.history[id]...)
}

var _ core.DbClient = (*memoryStore)(nil)
var _ core.EmbeddingProvider = (*fakeEmbedder)(nil)
