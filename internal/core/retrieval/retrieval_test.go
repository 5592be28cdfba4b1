package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/core/vectorindex"
	"github.com/markdave123-py/docsense/internal/models"
)

var vocabulary = []string{
	"who", "is", "the", "author", "written", "by", "jane", "doe",
	"harbor", "report", "tides", "weather", "title", "chapter", "summary",
	"key", "concept", "publisher", "lighthouse",
}

// bagOfWords embeds text as term counts over a fixed vocabulary, so cosine
// similarity tracks shared words.
type bagOfWords struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]error
	delay map[string]time.Duration
}

func (b *bagOfWords) EmbedText(ctx context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	b.seen = append(b.seen, text)
	err := b.fail[text]
	delay := b.delay[text]
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	vec := make([]float32, len(vocabulary))
	for _, tok := range tokenize(text) {
		for i, w := range vocabulary {
			if tok == w {
				vec[i]++
			}
		}
	}
	return vec, nil
}

func (b *bagOfWords) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := b.EmbedText(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (b *bagOfWords) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.seen...)
}

const authorPassage = "Written by Jane Doe"

// seedLibrary stores the author passage plus 20 unrelated passages in ws-1.
func seedLibrary(t *testing.T, emb *bagOfWords) *vectorindex.MemoryIndex {
	t.Helper()
	idx := vectorindex.NewMemoryIndex()
	texts := []string{authorPassage}
	for i := 0; i < 20; i++ {
		texts = append(texts, fmt.Sprintf("Harbor report %d: the tides were high and the weather was calm.", i))
	}
	entries := make([]models.VectorEntry, len(texts))
	for i, text := range texts {
		vec, err := emb.EmbedText(context.Background(), text)
		require.NoError(t, err)
		p := models.Passage{DocumentID: "doc-1", WorkspaceID: "ws-1", Ordinal: i, Total: len(texts), Text: text}
		entries[i] = models.VectorEntry{ID: p.EntryID(), Vector: vec, Text: text, Metadata: p.Metadata()}
	}
	require.NoError(t, idx.Upsert(context.Background(), "ws-1", entries))
	return idx
}

func newTestRetriever(t *testing.T, emb *bagOfWords, opts Options) *Retriever {
	t.Helper()
	r, err := NewRetriever(emb, seedLibrary(t, &bagOfWords{}), nil, opts, nil)
	require.NoError(t, err)
	return r
}

func texts(results []models.RetrievalResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Text
	}
	return out
}

func TestRetrieveSurfacesAuthorThroughExpansion(t *testing.T) {
	emb := &bagOfWords{}
	r := newTestRetriever(t, emb, DefaultOptions())

	res, err := r.Retrieve(context.Background(), RetrieveRequest{Query: "who is the author", WorkspaceID: "ws-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, res, 10)
	assert.Contains(t, texts(res), authorPassage)
	assert.Equal(t, authorPassage, res[0].Text, "the written-by probe scores it above every harbor report")
	assert.Contains(t, emb.texts(), "written by")

	// Without expansion the primary query alone ranks it below all 20 reports.
	plain, err := r.Retrieve(context.Background(), RetrieveRequest{
		Query: "who is the author", WorkspaceID: "ws-1", Limit: 10,
		Policy: &ExpansionPolicy{},
	})
	require.NoError(t, err)
	assert.NotContains(t, texts(plain), authorPassage)
}

func TestRetrieveRespectsLimitAndOrder(t *testing.T) {
	r := newTestRetriever(t, &bagOfWords{}, DefaultOptions())

	for _, limit := range []int{1, 3, 10, 50} {
		res, err := r.Retrieve(context.Background(), RetrieveRequest{Query: "harbor tides", WorkspaceID: "ws-1", Limit: limit})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(res), limit)
		for i := 1; i < len(res); i++ {
			assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
		}
	}

	res, err := r.Retrieve(context.Background(), RetrieveRequest{Query: "harbor tides", WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Len(t, res, 10, "limit <= 0 falls back to the default")
}

func TestRetrieveSkipsFailedExpansions(t *testing.T) {
	emb := &bagOfWords{
		fail: map[string]error{
			"title":   errors.New("provider 503"),
			"summary": errors.New("provider 503"),
		},
	}
	r := newTestRetriever(t, emb, DefaultOptions())

	res, err := r.Retrieve(context.Background(), RetrieveRequest{Query: "who is the author", WorkspaceID: "ws-1", Limit: 5})
	require.NoError(t, err)
	assert.Contains(t, texts(res), authorPassage)
}

func TestRetrieveBoundsSlowExpansions(t *testing.T) {
	emb := &bagOfWords{delay: map[string]time.Duration{"chapter": time.Second}}
	opts := DefaultOptions()
	opts.ExpansionTimeout = 30 * time.Millisecond
	r := newTestRetriever(t, emb, opts)

	began := time.Now()
	res, err := r.Retrieve(context.Background(), RetrieveRequest{Query: "who is the author", WorkspaceID: "ws-1", Limit: 5})
	require.NoError(t, err)
	assert.Less(t, time.Since(began), 900*time.Millisecond)
	assert.NotEmpty(t, res)
}

func TestRetrievePrimaryFailureFails(t *testing.T) {
	emb := &bagOfWords{fail: map[string]error{"who is the author": errors.New("quota exceeded")}}
	r := newTestRetriever(t, emb, DefaultOptions())

	_, err := r.Retrieve(context.Background(), RetrieveRequest{Query: "who is the author", WorkspaceID: "ws-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestRetrieveValidatesRequest(t *testing.T) {
	r := newTestRetriever(t, &bagOfWords{}, DefaultOptions())
	_, err := r.Retrieve(context.Background(), RetrieveRequest{Query: "  ", WorkspaceID: "ws-1"})
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
	_, err = r.Retrieve(context.Background(), RetrieveRequest{Query: "tides"})
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestRetrieveIsScopedToWorkspace(t *testing.T) {
	r := newTestRetriever(t, &bagOfWords{}, DefaultOptions())
	res, err := r.Retrieve(context.Background(), RetrieveRequest{Query: "harbor tides", WorkspaceID: "ws-2"})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestExpand(t *testing.T) {
	p := DefaultExpansionPolicy()

	assert.Equal(t, CoreProbes, p.Expand("what happens at the lighthouse"))
	assert.Equal(t,
		[]string{"title", "chapter", "summary", "key concept", "written by", "publisher"},
		p.Expand("Who is the AUTHOR?"))
	assert.NotContains(t, p.Expand("authority figures"), "written by", "keywords match whole words")

	all := p.Expand("author chapter summary published")
	assert.Len(t, all, MaxExpansions)
	assert.Equal(t, CoreProbes, all[:4])
	assert.Equal(t, []string{"written by", "publisher", "table of contents", "introduction"}, all[4:])
}

func TestExpandDeduplicatesCaseInsensitively(t *testing.T) {
	p := &ExpansionPolicy{
		Core:  []string{"Title", "title", " TITLE "},
		Rules: []ExpansionRule{{Keywords: []string{"main idea"}, Probes: []string{"Summary", "summary"}}},
	}
	assert.Equal(t, []string{"Title"}, p.Expand("tides"))
	assert.Equal(t, []string{"Title", "Summary"}, p.Expand("what is the main idea"))
}

func TestDedup(t *testing.T) {
	long := strings.Repeat("a", 100)
	in := []models.RetrievalResult{
		{ID: "1", Text: "The  Tides\nwere high", Score: 0.2},
		{ID: "2", Text: "the tides were HIGH", Score: 0.9},
		{ID: "3", Text: long + " first tail", Score: 0.5},
		{ID: "4", Text: long + " second tail", Score: 0.4},
		{ID: "5", Text: "something else", Score: 0.1},
	}

	once := Dedup(in)
	require.Len(t, once, 3)
	assert.Equal(t, "1", once[0].ID, "first occurrence is kept")
	assert.InDelta(t, 0.9, once[0].Score, 1e-9, "with the best score seen for its key")
	assert.Equal(t, "3", once[1].ID)
	assert.Equal(t, "5", once[2].ID)

	assert.Equal(t, once, Dedup(once), "dedup is idempotent")
}

func TestContextBlock(t *testing.T) {
	res := []models.RetrievalResult{{Text: " first "}, {Text: ""}, {Text: "second"}}
	assert.Equal(t, "first\n---\nsecond", ContextBlock(res))
	assert.Equal(t, "Context:\nfirst\n---\nsecond\n\nQuestion: why?", AnswerPrompt(" why? ", res))
}
