package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/markdave123-py/docsense/internal/core"
	"github.com/markdave123-py/docsense/internal/core/retrieval"
	"github.com/markdave123-py/docsense/internal/logger"
	"github.com/markdave123-py/docsense/internal/models"
)

// Retriever is the query side of the pipeline.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.RetrieveRequest) ([]models.RetrievalResult, error)
}

type ChatHandler struct {
	retriever Retriever
	llm       core.LLMProvider
	log       *zap.Logger
}

// NewChatHandler wires the query routes. llm may be nil; Ask then answers 503.
func NewChatHandler(retriever Retriever, llm core.LLMProvider, log *zap.Logger) *ChatHandler {
	return &ChatHandler{retriever: retriever, llm: llm, log: logger.OrNop(log)}
}

type ChatRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type retrieveResponse struct {
	Results []models.RetrievalResult `json:"results"`
}

type askResponse struct {
	Answer  string                   `json:"answer"`
	Sources []models.RetrievalResult `json:"sources"`
}

func (h *ChatHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	_, results, ok := h.retrieve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, retrieveResponse{Results: results})
}

// Ask answers the query from the retrieved passages only.
func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	if h.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "generation is not configured")
		return
	}
	query, results, ok := h.retrieve(w, r)
	if !ok {
		return
	}
	if len(results) == 0 {
		writeJSON(w, http.StatusOK, askResponse{Answer: retrieval.NoAnswer, Sources: results})
		return
	}

	answer, err := h.llm.Generate(r.Context(), retrieval.AnswerSystemPrompt, retrieval.AnswerPrompt(query, results))
	if err != nil {
		h.log.Error("generation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "generation failed")
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: answer, Sources: results})
}

// retrieve decodes the body and runs retrieval. On failure the error
// response is already written.
func (h *ChatHandler) retrieve(w http.ResponseWriter, r *http.Request) (string, []models.RetrievalResult, bool) {
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return "", nil, false
	}

	workspaceID := chi.URLParam(r, "workspaceID")
	results, err := h.retriever.Retrieve(r.Context(), retrieval.RetrieveRequest{
		Query:       req.Query,
		WorkspaceID: workspaceID,
		Limit:       req.Limit,
	})
	if err != nil {
		h.log.Warn("retrieval failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return "", nil, false
	}
	if results == nil {
		results = []models.RetrievalResult{}
	}
	return req.Query, results, true
}
