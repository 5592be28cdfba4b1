package vectorindex

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/models"
)

var _ core.VectorIndex = (*PGVectorIndex)(nil)

// PGVectorIndex stores passages in the passage_vectors table created by the
// database bootstrap. Namespaces are a column; metadata is jsonb.
type PGVectorIndex struct {
	db *sql.DB
}

func NewPGVectorIndex(db *sql.DB) (*PGVectorIndex, error) {
	if db == nil {
		return nil, errors.New("pgvector index: db is nil")
	}
	return &PGVectorIndex{db: db}, nil
}

// Upsert writes all entries in a single transaction.
func (p *PGVectorIndex) Upsert(ctx context.Context, namespace string, entries []models.VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return classify("begin upsert", err)
	}

	const q = `
		INSERT INTO passage_vectors
			(id, namespace, document_id, ordinal, text, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT (id) DO UPDATE SET
			namespace   = EXCLUDED.namespace,
			document_id = EXCLUDED.document_id,
			ordinal     = EXCLUDED.ordinal,
			text        = EXCLUDED.text,
			metadata    = EXCLUDED.metadata,
			embedding   = EXCLUDED.embedding,
			updated_at  = now()
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return classify("prepare upsert", err)
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("pgvector upsert: marshal metadata for %s: %w", e.ID, err)
		}
		docID, _ := e.Metadata[models.MetaDocumentID].(string)
		ordinal, _ := e.Metadata[models.MetaOrdinal].(int)

		if _, err := stmt.ExecContext(ctx,
			e.ID, namespace, docID, ordinal, e.Text, string(meta), pgvector.NewVector(e.Vector),
		); err != nil {
			_ = tx.Rollback()
			return classify("upsert", err)
		}
	}
	return classify("commit upsert", tx.Commit())
}

// Query ranks by cosine distance; score is 1 - distance.
func (p *PGVectorIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]models.RetrievalResult, error) {
	if topK <= 0 {
		return nil, nil
	}
	const q = `
		SELECT id, text, metadata, 1 - (embedding <=> $2) AS score
		FROM passage_vectors
		WHERE namespace = $1
		ORDER BY embedding <=> $2
		LIMIT $3
	`
	rows, err := p.db.QueryContext(ctx, q, namespace, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	var out []models.RetrievalResult
	for rows.Next() {
		var (
			r    models.RetrievalResult
			meta []byte
		)
		if err := rows.Scan(&r.ID, &r.Text, &meta, &r.Score); err != nil {
			return nil, classify("scan", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("pgvector query: decode metadata for %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, classify("query", rows.Err())
}

// DeleteByFilter uses jsonb containment, so filter values match string metadata.
func (p *PGVectorIndex) DeleteByFilter(ctx context.Context, namespace string, filter models.Filter) error {
	if len(filter) == 0 {
		return core.ErrEmptyFilter
	}
	doc, err := filterJSON(filter)
	if err != nil {
		return err
	}
	const q = `DELETE FROM passage_vectors WHERE namespace = $1 AND metadata @> $2::jsonb`
	_, err = p.db.ExecContext(ctx, q, namespace, doc)
	return classify("delete", err)
}

func (p *PGVectorIndex) DescribeStats(ctx context.Context, namespace string) (models.IndexStats, error) {
	const q = `
		SELECT count(*), COALESCE(max(vector_dims(embedding)), 0)
		FROM passage_vectors
		WHERE namespace = $1
	`
	stats := models.IndexStats{Namespace: namespace}
	if err := p.db.QueryRowContext(ctx, q, namespace).Scan(&stats.Count, &stats.Dimension); err != nil {
		return stats, classify("stats", err)
	}
	return stats, nil
}

func filterJSON(filter models.Filter) (string, error) {
	b, err := json.Marshal(map[string]string(filter))
	if err != nil {
		return "", fmt.Errorf("pgvector: encode filter: %w", err)
	}
	return string(b), nil
}

// classify tags connection-level failures with core.ErrIndexUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if unavailable(err) {
		return fmt.Errorf("pgvector %s: %w: %w", op, core.ErrIndexUnavailable, err)
	}
	return fmt.Errorf("pgvector %s: %w", op, err)
}

func unavailable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
