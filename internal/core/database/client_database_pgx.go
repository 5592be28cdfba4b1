package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/config"
	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/logger"
	"github.com/markdave123-py/docsense/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

type DatabaseClient struct {
	db  *sql.DB
	log *zap.Logger
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config, log *zap.Logger) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	log = logger.OrNop(log)

	dsn, err := dsnWithSSL(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, cfg.EmbedDim, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	log.Info("connected to postgres")
	return &DatabaseClient{db: db, log: log}, nil
}

// dsnWithSSL pins verify-ca with the given root cert. An empty certPath
// leaves the URL untouched.
func dsnWithSSL(databaseURL, certPath string) (string, error) {
	if certPath == "" {
		return databaseURL, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DB exposes the pool so the pgvector index can share it.
func (c *DatabaseClient) DB() *sql.DB {
	return c.db
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if doc.Status == "" {
		doc.Status = models.StatusUploaded
	}
	const q = `
		INSERT INTO documents
			(id, workspace_id, file_name, storage_url, content_type, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, COALESCE($7, now()), COALESCE($8, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.WorkspaceID, doc.FileName, doc.StorageURL, doc.ContentType, doc.Status,
		nullTime(doc.CreatedAt), nullTime(doc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	return nil
}

const documentColumns = `id, workspace_id, file_name, storage_url, content_type, status,
	failure_stage, failure_kind, failure_reason, passage_count, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*models.Document, error) {
	var d models.Document
	if err := row.Scan(
		&d.ID, &d.WorkspaceID, &d.FileName, &d.StorageURL, &d.ContentType, &d.Status,
		&d.FailureStage, &d.FailureKind, &d.FailureReason, &d.PassageCount, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDocumentByID returns (nil, nil) when the document does not exist.
func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, nil
}

func (c *DatabaseClient) ListDocumentsByWorkspace(ctx context.Context, workspaceID string) ([]models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE workspace_id = $1 ORDER BY created_at DESC`
	rows, err := c.db.QueryContext(ctx, q, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDocumentStatus writes one transition. Failure fields are cleared on
// every non-error status so a re-ingested document loses its old reason.
func (c *DatabaseClient) UpdateDocumentStatus(ctx context.Context, u models.StatusUpdate) error {
	if u.Status != models.StatusError {
		u.FailureStage, u.FailureKind, u.FailureReason = "", "", ""
	}
	const q = `
		UPDATE documents
		SET status = $2, failure_stage = $3, failure_kind = $4, failure_reason = $5,
			passage_count = $6, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, u.DocumentID, u.Status, u.FailureStage, u.FailureKind, u.FailureReason, u.PassageCount)
	if err != nil {
		return fmt.Errorf("update document %s: %w", u.DocumentID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", core.ErrDocumentNotFound, u.DocumentID)
	}
	return nil
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", core.ErrDocumentNotFound, id)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
