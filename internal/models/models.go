package models

import (
	"time"
)

// DocumentStatus is the lifecycle state of an uploaded document.
type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusError      DocumentStatus = "error"
)

// Terminal reports whether no further transition is expected for the status.
func (s DocumentStatus) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// Failure kinds recorded alongside an error status.
const (
	FailureException = "exception"
	FailureTimeout   = "timeout"
)

// Document represents a user-uploaded document and its ingestion state.
type Document struct {
	ID            string         `db:"id" json:"id"`
	WorkspaceID   string         `db:"workspace_id" json:"workspace_id"`
	FileName      string         `db:"file_name" json:"file_name"`
	StorageURL    string         `db:"storage_url" json:"storage_url"`     // local path, s3:// ref or S3 URL
	ContentType   string         `db:"content_type" json:"content_type"`   // declared type, MIME or extension
	Status        DocumentStatus `db:"status" json:"status"`               // uploaded | processing | ready | error
	FailureStage  string         `db:"failure_stage" json:"failure_stage,omitempty"`
	FailureKind   string         `db:"failure_kind" json:"failure_kind,omitempty"` // exception | timeout
	FailureReason string         `db:"failure_reason" json:"failure_reason,omitempty"`
	PassageCount  int            `db:"passage_count" json:"passage_count"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// StatusUpdate is a single status transition written by the ingestion pipeline.
type StatusUpdate struct {
	DocumentID    string
	Status        DocumentStatus
	FailureStage  string
	FailureKind   string
	FailureReason string
	PassageCount  int
}

// Metadata keys carried by every stored passage.
const (
	MetaSource      = "source"
	MetaDocumentID  = "document_id"
	MetaWorkspaceID = "workspace_id"
	MetaOrdinal     = "ordinal"
	MetaTotal       = "total"
)

// Passage is one chunk of extracted document text.
type Passage struct {
	DocumentID  string
	WorkspaceID string
	Source      string
	Ordinal     int
	Total       int
	Text        string
}

// EntryID is the deterministic vector index id for the passage, so that
// re-ingesting a document overwrites its entries instead of duplicating them.
func (p Passage) EntryID() string {
	return PassageID(p.DocumentID, p.Ordinal)
}

// Metadata returns the metadata stored with the passage's vector entry.
func (p Passage) Metadata() map[string]any {
	return map[string]any{
		MetaSource:      p.Source,
		MetaDocumentID:  p.DocumentID,
		MetaWorkspaceID: p.WorkspaceID,
		MetaOrdinal:     p.Ordinal,
		MetaTotal:       p.Total,
	}
}

// VectorEntry is what gets written to the vector index.
type VectorEntry struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// Filter is an equality match on passage metadata.
type Filter map[string]string

// DocumentFilter selects every passage of one document.
func DocumentFilter(documentID string) Filter {
	return Filter{MetaDocumentID: documentID}
}

// RetrievalResult is a passage returned from a similarity query.
type RetrievalResult struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// DocumentID returns the owning document id from the result metadata, if present.
func (r RetrievalResult) DocumentID() string {
	if v, ok := r.Metadata[MetaDocumentID].(string); ok {
		return v
	}
	return ""
}

// IndexStats describes one namespace of the vector index.
type IndexStats struct {
	Namespace string `json:"namespace"`
	Count     int64  `json:"count"`
	Dimension int    `json:"dimension"`
}
