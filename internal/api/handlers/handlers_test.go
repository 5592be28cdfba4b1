package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/core/ingestion_engine"
	"github.com/markdave123-py/docsense/internal/core/retrieval"
	"github.com/markdave123-py/docsense/internal/core/vectorindex"
	"github.com/markdave123-py/docsense/internal/models"
)

type docStore struct {
	mu        sync.Mutex
	docs      map[string]*models.Document
	createErr error
}

func newDocStore(docs ...models.Document) *docStore {
	s := &docStore{docs: map[string]*models.Document{}}
	for i := range docs {
		d := docs[i]
		s.docs[d.ID] = &d
	}
	return s
}

func (s *docStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("duplicate %s", doc.ID)
	}
	d := *doc
	s.docs[doc.ID] = &d
	return nil
}

func (s *docStore) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	out := *d
	return &out, nil
}

func (s *docStore) ListDocumentsByWorkspace(_ context.Context, workspaceID string) ([]models.Document, error) {
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

func (s *docStore) UpdateDocumentStatus(_ context.Context, u models.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[u.DocumentID]
	if !ok {
		return core.ErrDocumentNotFound
	}
	d.Status = u.Status
	return nil
}

func (s *docStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *docStore) Close() error { return nil }

type objectStore struct {
	mu       sync.Mutex
	uploaded map[string][]byte
	deleted  []string
	err      error
}

func (o *objectStore) UploadFile(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	if o.err != nil {
		return "", o.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.uploaded == nil {
		o.uploaded = map[string][]byte{}
	}
	o.uploaded[key] = data
	return "s3://docs/" + key, nil
}

func (o *objectStore) DeleteFile(_ context.Context, bucket, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, bucket+"/"+key)
	return nil
}

func (o *objectStore) Bucket() string { return "docs" }

func (o *objectStore) DownloadToFile(context.Context, string, string, string) (int64, error) {
	return 0, errors.New("not implemented")
}

// recordingIngestor marks documents processing the way the real ingestor does
// and remembers every call.
type recordingIngestor struct {
	store    *docStore
	mu       sync.Mutex
	requests []ingestion_engine.IngestRequest
	deleted  []string
	err      error
}

func (r *recordingIngestor) Ingest(ctx context.Context, req ingestion_engine.IngestRequest) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return r.store.UpdateDocumentStatus(ctx, models.StatusUpdate{DocumentID: req.DocumentID, Status: models.StatusProcessing})
}

func (r *recordingIngestor) ProcessOne(ctx context.Context, req ingestion_engine.IngestRequest) (*ingestion_engine.Outcome, error) {
	return nil, r.Ingest(ctx, req)
}

func (r *recordingIngestor) DeleteDocumentVectors(_ context.Context, documentID, workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, workspaceID+"/"+documentID)
}

type stubRetriever struct {
	results []models.RetrievalResult
	err     error
	last    retrieval.RetrieveRequest
}

func (s *stubRetriever) Retrieve(_ context.Context, req retrieval.RetrieveRequest) ([]models.RetrievalResult, error) {
	s.last = req
	return s.results, s.err
}

type stubLLM struct {
	system, user string
	err          error
}

func (s *stubLLM) Generate(_ context.Context, system, user string) (string, error) {
	s.system, s.user = system, user
	if s.err != nil {
		return "", s.err
	}
	return "Jane Doe wrote it.", nil
}

type fixture struct {
	store    *docStore
	objects  *objectStore
	ingestor *recordingIngestor
	index    *vectorindex.MemoryIndex
	router   chi.Router
}

func newFixture(t *testing.T, retriever Retriever, llm core.LLMProvider) *fixture {
	t.Helper()
	store := newDocStore(models.Document{
		ID: "doc-1", WorkspaceID: "ws-1", FileName: "book.pdf",
		StorageURL: "s3://docs/ws-1/doc-1/book.pdf", ContentType: "application/pdf",
		Status: models.StatusReady, PassageCount: 3,
	})
	f := &fixture{
		store:    store,
		objects:  &objectStore{},
		ingestor: &recordingIngestor{store: store},
		index:    vectorindex.NewMemoryIndex(),
	}
	docs := NewDocumentHandler(store, f.objects, f.ingestor, f.index, nil)
	if retriever == nil {
		retriever = &stubRetriever{}
	}
	chat := NewChatHandler(retriever, llm, nil)

	r := chi.NewRouter()
	r.Route("/api/workspaces/{workspaceID}", func(ws chi.Router) {
		ws.Post("/documents", docs.UploadDocument)
		ws.Get("/documents", docs.GetDocuments)
		ws.Get("/documents/{documentID}", docs.GetDocument)
		ws.Post("/documents/{documentID}/ingest", docs.IngestDocument)
		ws.Delete("/documents/{documentID}", docs.DeleteDocument)
		ws.Delete("/documents/{documentID}/vectors", docs.DeleteVectors)
		ws.Get("/stats", docs.Stats)
		ws.Post("/retrieve", chat.Retrieve)
		ws.Post("/ask", chat.Ask)
	})
	f.router = r
	return f
}

func (f *fixture) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) doJSON(method, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	return f.do(method, path, bytes.NewReader(data), "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestUploadDocument(t *testing.T) {
	f := newFixture(t, nil, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "../../notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("Written by Jane Doe"))
	require.NoError(t, mw.Close())

	rec := f.do(http.MethodPost, "/api/workspaces/ws-9/documents", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	doc := decode[models.Document](t, rec)
	assert.Equal(t, "ws-9", doc.WorkspaceID)
	assert.Equal(t, "notes.txt", doc.FileName)
	assert.Equal(t, models.StatusProcessing, doc.Status)
	assert.Equal(t, "s3://docs/ws-9/"+doc.ID+"/notes.txt", doc.StorageURL)
	assert.Equal(t, []byte("Written by Jane Doe"), f.objects.uploaded["ws-9/"+doc.ID+"/notes.txt"])

	require.Len(t, f.ingestor.requests, 1)
	assert.Equal(t, doc.ID, f.ingestor.requests[0].DocumentID)
	assert.Equal(t, doc.StorageURL, f.ingestor.requests[0].FilePath)

	stored, _ := f.store.GetDocumentByID(context.Background(), doc.ID)
	require.NotNil(t, stored)
	assert.Equal(t, models.StatusProcessing, stored.Status)
}

func TestUploadDocumentStorageFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.objects.err = errors.New("access denied")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "a.txt")
	_, _ = part.Write([]byte("x"))
	require.NoError(t, mw.Close())

	rec := f.do(http.MethodPost, "/api/workspaces/ws-1/documents", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, f.ingestor.requests)
}

func TestUploadDocumentRecordFailureRemovesObject(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.store.createErr = errors.New("db down")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "a.txt")
	_, _ = part.Write([]byte("x"))
	require.NoError(t, mw.Close())

	rec := f.do(http.MethodPost, "/api/workspaces/ws-1/documents", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, f.objects.uploaded, 1)
	for key := range f.objects.uploaded {
		assert.Equal(t, []string{"docs/" + key}, f.objects.deleted)
	}
	assert.Empty(t, f.ingestor.requests)
}

func TestUploadDocumentRequiresFile(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(http.MethodPost, "/api/workspaces/ws-1/documents", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestDocumentReusesRecordedSource(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.doJSON(http.MethodPost, "/api/workspaces/ws-1/documents/doc-1/ingest", map[string]string{})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, f.ingestor.requests, 1)
	req := f.ingestor.requests[0]
	assert.Equal(t, "s3://docs/ws-1/doc-1/book.pdf", req.FilePath)
	assert.Equal(t, "application/pdf", req.DeclaredType)
	assert.Equal(t, "book.pdf", req.FileName)
	assert.Equal(t, models.StatusProcessing, decode[models.Document](t, rec).Status)
}

func TestIngestDocumentWithExplicitPath(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.doJSON(http.MethodPost, "/api/workspaces/ws-1/documents/doc-1/ingest",
		map[string]string{"file_path": "s3://docs/ws-1/doc-1/book-v2.txt", "type": "txt"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "s3://docs/ws-1/doc-1/book-v2.txt", f.ingestor.requests[0].FilePath)
	assert.Equal(t, "txt", f.ingestor.requests[0].DeclaredType)
}

func TestIngestDocumentRejectsForeignSources(t *testing.T) {
	for _, src := range []string{
		"/etc/hostname",
		"file:///etc/passwd",
		"../ws-1/doc-1/book.pdf",
		"s3://other-bucket/ws-1/doc-1/book.pdf",
		"s3://docs/ws-2/doc-1/book.pdf",
		"s3://docs/ws-1/../ws-2/book.pdf",
		"https://example.com/ws-1/book.pdf",
	} {
		t.Run(src, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			rec := f.doJSON(http.MethodPost, "/api/workspaces/ws-1/documents/doc-1/ingest",
				map[string]string{"file_path": src, "type": "txt"})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.ingestor.requests)
		})
	}
}

func TestIngestDocumentErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", fmt.Errorf("%w: file path is required", core.ErrInvalidRequest), http.StatusBadRequest},
		{"mismatch", fmt.Errorf("%w: doc-1", core.ErrWorkspaceMismatch), http.StatusConflict},
		{"other", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			f.ingestor.err = tc.err
			rec := f.doJSON(http.MethodPost, "/api/workspaces/ws-1/documents/doc-1/ingest",
				map[string]string{"file_path": "s3://docs/ws-1/doc-1/book.txt"})
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestIngestDocumentRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.doJSON(http.MethodPost, "/api/workspaces/ws-1/documents/doc-1/ingest", map[string]string{"path": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDocumentIsScopedToWorkspace(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(http.MethodGet, "/api/workspaces/ws-1/documents/doc-1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[models.Document](t, rec).PassageCount)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/workspaces/ws-2/documents/doc-1", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/workspaces/ws-1/documents/nope", nil, "").Code)
}

func TestGetDocuments(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(http.MethodGet, "/api/workspaces/ws-1/documents", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Document](t, rec), 1)

	rec = f.do(http.MethodGet, "/api/workspaces/empty/documents", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestDeleteVectors(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(http.MethodDelete, "/api/workspaces/ws-1/documents/doc-1/vectors", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"ws-1/doc-1"}, f.ingestor.deleted)
}

// unreachableIndex fails every delete.
type unreachableIndex struct {
	*vectorindex.MemoryIndex
}

func (unreachableIndex) DeleteByFilter(context.Context, string, models.Filter) error {
	return core.ErrIndexUnavailable
}

type constEmbedder struct{}

func (constEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (constEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestDeleteDocumentSurvivesIndexFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	index := unreachableIndex{MemoryIndex: f.index}
	ing, err := ingestion_engine.NewDocumentIngestor(f.store, f.objects,
		ingestion_engine.NewExtractor(ingestion_engine.DefaultExtractorConfig(), nil),
		constEmbedder{}, index, nil, nil)
	require.NoError(t, err)

	docs := NewDocumentHandler(f.store, f.objects, ing, index, nil)
	r := chi.NewRouter()
	r.Delete("/api/workspaces/{workspaceID}/documents/{documentID}", docs.DeleteDocument)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/workspaces/ws-1/documents/doc-1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	stored, _ := f.store.GetDocumentByID(context.Background(), "doc-1")
	assert.Nil(t, stored, "record is removed although vector cleanup failed")
	assert.Equal(t, []string{"docs/ws-1/doc-1/book.pdf"}, f.objects.deleted)
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t, nil, nil)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/workspaces/ws-2/documents/doc-1", nil, "").Code)
	assert.Empty(t, f.ingestor.deleted)

	rec := f.do(http.MethodDelete, "/api/workspaces/ws-1/documents/doc-1", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"ws-1/doc-1"}, f.ingestor.deleted)
	assert.Equal(t, []string{"docs/ws-1/doc-1/book.pdf"}, f.objects.deleted)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/workspaces/ws-1/documents/doc-1", nil, "").Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.index.Upsert(context.Background(), "ws-1", []models.VectorEntry{
		{ID: "a", Vector: []float32{1, 0}, Text: "a"},
		{ID: "b", Vector: []float32{0, 1}, Text: "b"},
	}))

	rec := f.do(http.MethodGet, "/api/workspaces/ws-1/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[models.IndexStats](t, rec)
	assert.Equal(t, int64(2), stats.Count)
	assert.Equal(t, 2, stats.Dimension)
}

func TestRetrieve(t *testing.T) {
	ret := &stubRetriever{results: []models.RetrievalResult{{ID: "p1", Text: "Written by Jane Doe", Score: 0.9}}}
	f := newFixture(t, ret, nil)

	rec := f.doJSON(http.MethodPost, "/api/workspaces/ws-1/retrieve", ChatRequest{Query: "who is the author", Limit: 3})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[retrieveResponse](t, rec)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "p1", body.Results[0].ID)
	assert.Equal(t, retrieval.RetrieveRequest{Query: "who is the author", WorkspaceID: "ws-1", Limit: 3}, ret.last)
}

func TestRetrieveErrors(t *testing.T) {
	f := newFixture(t, &stubRetriever{err: fmt.Errorf("%w: query is empty", core.ErrInvalidRequest)}, nil)
	assert.Equal(t, http.StatusBadRequest, f.doJSON(http.MethodPost, "/api/workspaces/ws-1/retrieve", ChatRequest{}).Code)

	f = newFixture(t, &stubRetriever{err: fmt.Errorf("primary query: %w", core.ErrIndexUnavailable)}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, f.doJSON(http.MethodPost, "/api/workspaces/ws-1/retrieve", ChatRequest{Query: "q"}).Code)
}

func TestAsk(t *testing.T) {
	ret := &stubRetriever{results: []models.RetrievalResult{
		{ID: "p1", Text: "Written by Jane Doe", Score: 0.9},
		{ID: "p2", Text: "Chapter one", Score: 0.5},
	}}
	llm := &stubLLM{}
	f := newFixture(t, ret, llm)

	rec := f.doJSON(http.MethodPost, "/api/workspaces/ws-1/ask", ChatRequest{Query: "who is the author"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[askResponse](t, rec)
	assert.Equal(t, "Jane Doe wrote it.", body.Answer)
	assert.Len(t, body.Sources, 2)
	assert.Equal(t, retrieval.AnswerSystemPrompt, llm.system)
	assert.Equal(t, "Context:\nWritten by Jane Doe\n---\nChapter one\n\nQuestion: who is the author", llm.user)
}

func TestAskWithoutPassagesSkipsGeneration(t *testing.T) {
	llm := &stubLLM{}
	f := newFixture(t, &stubRetriever{}, llm)

	rec := f.doJSON(http.MethodPost, "/api/workspaces/ws-1/ask", ChatRequest{Query: "anything"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, retrieval.NoAnswer, decode[askResponse](t, rec).Answer)
	assert.Empty(t, llm.user)
}

func TestAskGenerationFailure(t *testing.T) {
	ret := &stubRetriever{results: []models.RetrievalResult{{ID: "p1", Text: "x", Score: 1}}}
	f := newFixture(t, ret, &stubLLM{err: errors.New("quota")})
	assert.Equal(t, http.StatusBadGateway, f.doJSON(http.MethodPost, "/api/workspaces/ws-1/ask", ChatRequest{Query: "q"}).Code)
}

func TestAskWithoutLLM(t *testing.T) {
	f := newFixture(t, &stubRetriever{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, f.doJSON(http.MethodPost, "/api/workspaces/ws-1/ask", ChatRequest{Query: "q"}).Code)
}
