package handlers

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/core/ingestion_engine"
	"github.com/markdave123-py/docsense/internal/logger"
	"github.com/markdave123-py/docsense/internal/models"
)

const maxUploadBytes = 52 << 20

type DocumentHandler struct {
	dbclient     core.DbClient
	objectclient core.ObjectClient
	ingestor     ingestion_engine.Ingestor
	index        core.VectorIndex
	log          *zap.Logger
}

// NewDocumentHandler wires the document routes. objectclient may be nil, in
// which case uploads are rejected and only path-based ingestion works.
func NewDocumentHandler(dbclient core.DbClient, objectclient core.ObjectClient, ing ingestion_engine.Ingestor, index core.VectorIndex, log *zap.Logger) *DocumentHandler {
	return &DocumentHandler{dbclient: dbclient, objectclient: objectclient, ingestor: ing, index: index, log: logger.OrNop(log)}
}

// UploadDocument stores the multipart file in object storage, records it and
// schedules ingestion.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if h.objectclient == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage is not configured")
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file")
		return
	}
	defer file.Close()

	// Base strips any client-supplied directories from the key.
	cleanFilename := filepath.Base(header.Filename)
	docID := uuid.NewString()
	key := fmt.Sprintf("%s/%s/%s", workspaceID, docID, cleanFilename)

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadCtx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	url, err := h.objectclient.UploadFile(uploadCtx, key, file, contentType)
	if err != nil {
		h.log.Error("upload failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upload failed")
		return
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:          docID,
		WorkspaceID: workspaceID,
		FileName:    cleanFilename,
		StorageURL:  url,
		ContentType: contentType,
		Status:      models.StatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.dbclient.CreateDocument(uploadCtx, doc); err != nil {
		log := logger.Document(h.log, docID, workspaceID)
		log.Error("document insert failed", zap.Error(err))
		h.removeObject(context.WithoutCancel(r.Context()), url, log)
		writeError(w, http.StatusInternalServerError, "failed to store document metadata")
		return
	}

	if err := h.ingestor.Ingest(r.Context(), ingestion_engine.IngestRequest{
		DocumentID:   doc.ID,
		WorkspaceID:  workspaceID,
		FilePath:     url,
		DeclaredType: contentType,
		FileName:     cleanFilename,
	}); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	doc.Status = models.StatusProcessing
	writeJSON(w, http.StatusAccepted, doc)
}

type ingestRequest struct {
	FilePath string `json:"file_path"`
	Type     string `json:"type"`
	FileName string `json:"file_name"`
}

// IngestDocument schedules ingestion of a file that is already stored. An
// empty file_path re-ingests the document's recorded source; otherwise it
// must name an object under the workspace prefix of the upload bucket.
func (h *DocumentHandler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	documentID := chi.URLParam(r, "documentID")

	var body ingestRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	if body.FilePath != "" {
		if err := h.checkSource(workspaceID, body.FilePath); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	} else {
		doc, err := h.lookup(r.Context(), workspaceID, documentID)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		body.FilePath = doc.StorageURL
		if body.Type == "" {
			body.Type = doc.ContentType
		}
		if body.FileName == "" {
			body.FileName = doc.FileName
		}
	}

	err := h.ingestor.Ingest(r.Context(), ingestion_engine.IngestRequest{
		DocumentID:   documentID,
		WorkspaceID:  workspaceID,
		FilePath:     body.FilePath,
		DeclaredType: body.Type,
		FileName:     body.FileName,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	doc, err := h.lookup(r.Context(), workspaceID, documentID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")

	documents, err := h.dbclient.ListDocumentsByWorkspace(r.Context(), workspaceID)
	if err != nil {
		h.log.Error("list documents failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if documents == nil {
		documents = []models.Document{}
	}
	writeJSON(w, http.StatusOK, documents)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.lookup(r.Context(), chi.URLParam(r, "workspaceID"), chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DeleteVectors removes the document's passages from the index. Cleanup is
// best-effort, so this always answers 204.
func (h *DocumentHandler) DeleteVectors(w http.ResponseWriter, r *http.Request) {
	h.ingestor.DeleteDocumentVectors(r.Context(), chi.URLParam(r, "documentID"), chi.URLParam(r, "workspaceID"))
	w.WriteHeader(http.StatusNoContent)
}

// DeleteDocument removes the document's passages, its record and its stored
// object. Only the record delete can fail the request.
func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	documentID := chi.URLParam(r, "documentID")

	doc, err := h.lookup(r.Context(), workspaceID, documentID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	log := logger.Document(h.log, documentID, workspaceID)

	h.ingestor.DeleteDocumentVectors(r.Context(), documentID, workspaceID)
	if err := h.dbclient.DeleteDocument(r.Context(), documentID); err != nil {
		log.Error("document delete failed", zap.Error(err))
		writeError(w, statusFor(err), "failed to delete document")
		return
	}
	h.removeObject(r.Context(), doc.StorageURL, log)
	log.Info("document deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.index.DescribeStats(r.Context(), chi.URLParam(r, "workspaceID"))
	if err != nil {
		h.log.Warn("describe stats failed", zap.Error(err))
		writeError(w, statusFor(err), "failed to describe index")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// checkSource accepts only objects this service could have uploaded for the
// workspace, so a request can never read server-local files.
func (h *DocumentHandler) checkSource(workspaceID, ref string) error {
	if h.objectclient == nil {
		return fmt.Errorf("%w: object storage is not configured", core.ErrInvalidRequest)
	}
	bucket, key, ok := ingestion_engine.ParseS3URL(ref)
	if !ok {
		return fmt.Errorf("%w: file_path must be an s3:// reference", core.ErrInvalidRequest)
	}
	if bucket != h.objectclient.Bucket() {
		return fmt.Errorf("%w: file_path must be in bucket %s", core.ErrInvalidRequest, h.objectclient.Bucket())
	}
	if path.Clean(key) != key || !strings.HasPrefix(key, workspaceID+"/") {
		return fmt.Errorf("%w: file_path must be under %s/", core.ErrInvalidRequest, workspaceID)
	}
	return nil
}

// removeObject deletes a stored upload. Failures leave an orphaned object
// and are only logged.
func (h *DocumentHandler) removeObject(ctx context.Context, ref string, log *zap.Logger) {
	if h.objectclient == nil {
		return
	}
	bucket, key, ok := ingestion_engine.ParseS3URL(ref)
	if !ok {
		return
	}
	if err := h.objectclient.DeleteFile(ctx, bucket, key); err != nil {
		log.Warn("object cleanup failed", zap.String("key", key), zap.Error(err))
	}
}

// lookup hides documents of other workspaces behind ErrDocumentNotFound.
func (h *DocumentHandler) lookup(ctx context.Context, workspaceID, documentID string) (*models.Document, error) {
	doc, err := h.dbclient.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("%w: %s", core.ErrDocumentNotFound, documentID)
	}
	return doc, nil
}
