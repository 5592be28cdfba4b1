package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupportedType is returned for files that are not PDF, DOCX or TXT.
	ErrUnsupportedType = errors.New("unsupported document type")
	// ErrIndexUnavailable means the vector index could not be reached at all.
	ErrIndexUnavailable = errors.New("vector index unavailable")
	// ErrNoContent marks a document that produced no passages. It is an outcome, not a failure.
	ErrNoContent = errors.New("document has no extractable content")
	// ErrEmptyFilter guards DeleteByFilter against wiping a whole namespace.
	ErrEmptyFilter = errors.New("delete filter must not be empty")
	// ErrDocumentNotFound is returned when a document record does not exist.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrInvalidRequest marks caller mistakes such as missing ids.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrWorkspaceMismatch is returned when a document id is reused under another workspace.
	ErrWorkspaceMismatch = errors.New("document belongs to another workspace")
)

// Stage names one step of the ingestion pipeline.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StageChunk   Stage = "chunk"
	StageEmbed   Stage = "embed"
	StageCleanup Stage = "cleanup"
)

// ExtractionError wraps a decoder failure for a file of a supported type.
type ExtractionError struct {
	FileType string
	Path     string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s %q: %v", e.FileType, e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// BatchFailure reports which embedding batch failed. Batches before Batch
// were fully stored, Batch and later were not.
type BatchFailure struct {
	Batch int // 1-based
	Total int
	Err   error
}

func (e *BatchFailure) Error() string {
	return fmt.Sprintf("embedding batch %d/%d failed: %v", e.Batch, e.Total, e.Err)
}

func (e *BatchFailure) Unwrap() error { return e.Err }

// ProcessingTimeout is returned when a pipeline stage exceeds its deadline.
type ProcessingTimeout struct {
	Stage Stage
	Limit time.Duration
}

func (e *ProcessingTimeout) Error() string {
	return fmt.Sprintf("%s stage timed out after %s", e.Stage, e.Limit)
}

// Unwrap lets callers match timeouts with errors.Is(err, context.DeadlineExceeded).
func (e *ProcessingTimeout) Unwrap() error { return context.DeadlineExceeded }

// StageError attaches the failing pipeline stage to an error.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage recorded on err, or "" if there is none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	var pt *ProcessingTimeout
	if errors.As(err, &pt) {
		return pt.Stage
	}
	return ""
}

// IsTimeout reports whether err came from a stage deadline.
func IsTimeout(err error) bool {
	var pt *ProcessingTimeout
	return errors.As(err, &pt)
}
