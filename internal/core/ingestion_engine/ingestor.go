package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/markdave123-py/docsense/internal/core"
)

// Ingestor is what the HTTP and CLI layers need from the pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, req IngestRequest) error
	ProcessOne(ctx context.Context, req IngestRequest) (*Outcome, error)
	DeleteDocumentVectors(ctx context.Context, documentID, workspaceID string)
}

// IngestRequest names one document to ingest. FilePath is a local path, an
// s3://bucket/key reference or an S3 https URL.
type IngestRequest struct {
	DocumentID   string
	WorkspaceID  string
	FilePath     string
	DeclaredType string
	FileName     string // optional, recorded as the passage source
}

func (r IngestRequest) validate() error {
	var errs []error
	if strings.TrimSpace(r.DocumentID) == "" {
		errs = append(errs, errors.New("document id is required"))
	}
	if strings.TrimSpace(r.WorkspaceID) == "" {
		errs = append(errs, errors.New("workspace id is required"))
	}
	if strings.TrimSpace(r.FilePath) == "" {
		errs = append(errs, errors.New("file path is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", core.ErrInvalidRequest, errors.Join(errs...))
}

func (r IngestRequest) source() string {
	if r.FileName != "" {
		return r.FileName
	}
	if _, key, ok := ParseS3URL(r.FilePath); ok {
		return path.Base(key)
	}
	return filepath.Base(r.FilePath)
}

// Outcome summarizes a pipeline that reached ready.
type Outcome struct {
	DocumentID   string `json:"document_id"`
	PassageCount int    `json:"passage_count"`
	// NoContent is set when extraction produced no text. The document is
	// still ready, with zero passages.
	NoContent bool          `json:"no_content"`
	Duration  time.Duration `json:"duration_ns"`
}
