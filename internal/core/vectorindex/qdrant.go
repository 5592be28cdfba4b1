package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/models"
)

var _ core.VectorIndex = (*QdrantIndex)(nil)

// namespaceKey is the payload field every point is partitioned by.
const namespaceKey = "namespace"

type QdrantOptions struct {
	Endpoint            string
	APIKey              string
	Collection          string
	VectorDimension     int
	Timeout             time.Duration
	HTTPClient          *http.Client
	SkipCollectionCheck bool
}

// QdrantIndex talks to Qdrant's REST API. Qdrant has no namespaces, so the
// namespace is stored in the payload and enforced with a must filter on every call.
type QdrantIndex struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	collection string
	vectorSize int
	skipEnsure bool
	ensureMu   sync.Mutex
	ensured    bool
}

func NewQdrantIndex(opts QdrantOptions) (*QdrantIndex, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(opts.Endpoint), "/")
	if baseURL == "" {
		return nil, errors.New("qdrant endpoint is empty")
	}
	collection := opts.Collection
	if collection == "" {
		collection = "passages"
	}
	vectorSize := opts.VectorDimension
	if vectorSize <= 0 {
		vectorSize = 768
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &QdrantIndex{
		client:     client,
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		collection: collection,
		vectorSize: vectorSize,
		skipEnsure: opts.SkipCollectionCheck,
	}, nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, namespace string, entries []models.VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]qdrantPoint, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != q.vectorSize {
			return fmt.Errorf("qdrant upsert: vector dimension %d, collection expects %d", len(e.Vector), q.vectorSize)
		}
		payload := make(map[string]any, len(e.Metadata)+2)
		for k, v := range e.Metadata {
			payload[k] = v
		}
		payload["text"] = e.Text
		payload[namespaceKey] = namespace
		points = append(points, qdrantPoint{ID: e.ID, Vector: e.Vector, Payload: payload})
	}

	var resp qdrantOperationResponse
	if err := q.do(ctx, http.MethodPut, q.collectionPath("/points?wait=true"), upsertPointsRequest{Points: points}, &resp); err != nil {
		return err
	}
	return resp.check("upsert")
}

func (q *QdrantIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]models.RetrievalResult, error) {
	if topK <= 0 {
		return nil, nil
	}
	if err := q.ensureCollection(ctx); err != nil {
		return nil, err
	}

	req := searchRequest{
		Vector:      vector,
		Limit:       topK,
		WithPayload: true,
		Filter:      mustMatch(models.Filter{namespaceKey: namespace}),
	}
	var resp searchResponse
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("qdrant search: %s", resp.Error)
	}

	out := make([]models.RetrievalResult, 0, len(resp.Result))
	for _, item := range resp.Result {
		text, _ := item.Payload["text"].(string)
		meta := make(map[string]any, len(item.Payload))
		for k, v := range item.Payload {
			if k == "text" || k == namespaceKey {
				continue
			}
			meta[k] = v
		}
		out = append(out, models.RetrievalResult{
			ID:       fmt.Sprint(item.ID),
			Text:     text,
			Metadata: meta,
			Score:    item.Score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (q *QdrantIndex) DeleteByFilter(ctx context.Context, namespace string, filter models.Filter) error {
	if len(filter) == 0 {
		return core.ErrEmptyFilter
	}
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}
	conditions := models.Filter{namespaceKey: namespace}
	for k, v := range filter {
		conditions[k] = v
	}
	var resp qdrantOperationResponse
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/delete?wait=true"), deletePointsRequest{Filter: mustMatch(conditions)}, &resp); err != nil {
		return err
	}
	return resp.check("delete")
}

func (q *QdrantIndex) DescribeStats(ctx context.Context, namespace string) (models.IndexStats, error) {
	stats := models.IndexStats{Namespace: namespace, Dimension: q.vectorSize}
	if err := q.ensureCollection(ctx); err != nil {
		return stats, err
	}
	req := countRequest{Filter: mustMatch(models.Filter{namespaceKey: namespace}), Exact: true}
	var resp countResponse
	if err := q.do(ctx, http.MethodPost, q.collectionPath("/points/count"), req, &resp); err != nil {
		return stats, err
	}
	if resp.Status != "ok" {
		return stats, fmt.Errorf("qdrant count: %s", resp.Error)
	}
	stats.Count = resp.Result.Count
	return stats, nil
}

// ensureCollection creates the collection on first use. A failed attempt is
// retried on the next call.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	if q.skipEnsure {
		return nil
	}
	q.ensureMu.Lock()
	defer q.ensureMu.Unlock()
	if q.ensured {
		return nil
	}

	var resp qdrantOperationResponse
	if err := q.do(ctx, http.MethodGet, q.collectionPath(""), nil, &resp); err == nil && resp.Status == "ok" {
		q.ensured = true
		return nil
	} else if errors.Is(err, core.ErrIndexUnavailable) {
		return err
	}

	create := createCollectionRequest{Vectors: qdrantVectorParams{Size: q.vectorSize, Distance: "Cosine"}}
	if err := q.do(ctx, http.MethodPut, q.collectionPath(""), create, &resp); err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	if err := resp.check("create collection"); err != nil {
		return err
	}
	q.ensured = true
	return nil
}

func (q *QdrantIndex) collectionPath(path string) string {
	return fmt.Sprintf("/collections/%s%s", url.PathEscape(q.collection), path)
}

// do sends one request. Transport failures and 5xx answers are reported as
// core.ErrIndexUnavailable; 4xx answers are plain errors.
func (q *QdrantIndex) do(ctx context.Context, method, path string, payload, dest any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return fmt.Errorf("qdrant: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("qdrant %s %s: %w: %w", method, path, core.ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Status any `json:"status"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("qdrant %s %s: %w: status %d: %v", method, path, core.ErrIndexUnavailable, resp.StatusCode, errBody.Status)
		}
		return fmt.Errorf("qdrant %s %s: status %d: %v", method, path, resp.StatusCode, errBody.Status)
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func mustMatch(values models.Filter) *qdrantFilter {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]fieldCondition, 0, len(keys))
	for _, k := range keys {
		must = append(must, fieldCondition{Key: k, Match: fieldMatch{Value: values[k]}})
	}
	return &qdrantFilter{Must: must}
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type upsertPointsRequest struct {
	Points []qdrantPoint `json:"points"`
}

type fieldMatch struct {
	Value string `json:"value"`
}

type fieldCondition struct {
	Key   string     `json:"key"`
	Match fieldMatch `json:"match"`
}

type qdrantFilter struct {
	Must []fieldCondition `json:"must"`
}

type searchRequest struct {
	Vector      []float32     `json:"vector"`
	Limit       int           `json:"limit"`
	WithPayload bool          `json:"with_payload"`
	Filter      *qdrantFilter `json:"filter,omitempty"`
}

type searchResultEntry struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type searchResponse struct {
	Status string              `json:"status"`
	Result []searchResultEntry `json:"result"`
	Error  string              `json:"error"`
}

type deletePointsRequest struct {
	Filter *qdrantFilter `json:"filter"`
}

type countRequest struct {
	Filter *qdrantFilter `json:"filter"`
	Exact  bool          `json:"exact"`
}

type countResponse struct {
	Status string `json:"status"`
	Result struct {
		Count int64 `json:"count"`
	} `json:"result"`
	Error string `json:"error"`
}

type qdrantVectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

type createCollectionRequest struct {
	Vectors qdrantVectorParams `json:"vectors"`
}

type qdrantOperationResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (r qdrantOperationResponse) check(op string) error {
	if r.Status != "ok" {
		return fmt.Errorf("qdrant %s: %s", op, r.Error)
	}
	return nil
}
