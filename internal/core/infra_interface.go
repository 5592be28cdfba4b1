package core

import (
	"context"
	"io"

	"github.com/markdave123-py/docsense/internal/models"
)

// DbClient holds document records and their ingestion status.
// It abstracts Postgres so higher layers never depend on a specific DB.
type DbClient interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByWorkspace(ctx context.Context, workspaceID string) ([]models.Document, error)
	UpdateDocumentStatus(ctx context.Context, update models.StatusUpdate) error
	DeleteDocument(ctx context.Context, id string) error

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	// UploadFile stores r under key in the default bucket and returns an s3://bucket/key reference.
	UploadFile(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	DeleteFile(ctx context.Context, bucket, key string) error
	DownloadToFile(ctx context.Context, bucket, key, path string) (int64, error)
	// Bucket is the default bucket uploads go to.
	Bucket() string
}

// VectorIndex stores passage embeddings partitioned by namespace (workspace id).
type VectorIndex interface {
	// Upsert writes entries, replacing any with the same id.
	Upsert(ctx context.Context, namespace string, entries []models.VectorEntry) error
	// Query returns at most topK entries ordered by descending similarity.
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]models.RetrievalResult, error)
	// DeleteByFilter removes every entry whose metadata matches the filter.
	DeleteByFilter(ctx context.Context, namespace string, filter models.Filter) error
	DescribeStats(ctx context.Context, namespace string) (models.IndexStats, error)
}
