package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/scriptorium/internal/apperr"
	"github.com/starford/scriptorium/internal/conflicts"
	"github.com/starford/scriptorium/internal/doctree"
	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/workspace"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 10 << 20

// Workspace is the document session the handlers operate on.
type Workspace interface {
	List() []models.Document
	Trash() []models.Document
	Active() (models.Document, bool)
	Get(ctx context.Context, id string) (models.Document, error)
	Create(ctx context.Context) (models.Document, error)
	Select(ctx context.Context, id string) (models.Document, error)
	UpdateContent(ctx context.Context, id string, content doctree.Value) (models.Document, error)
	Delete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) (models.Document, error)
	Purge(ctx context.Context, id string) error
	Conflicts() []models.Conflict
	ResolveConflict(ctx context.Context, id string, choice conflicts.Choice) error
	RecoveryCandidates() []models.RecoveryCandidate
	AcceptRecovery(ctx context.Context) error
	DeclineRecovery(ctx context.Context) error
	Health(ctx context.Context) workspace.Health
	SyncNow(ctx context.Context) error
}

// Compile-time check.
var _ Workspace = (*workspace.Session)(nil)

// Handler holds API route handlers.
type Handler struct {
	ws Workspace
}

// NewHandler creates a new Handler.
func NewHandler(ws Workspace) *Handler {
	return &Handler{ws: ws}
}

// ListDocuments handles GET /api/documents.
//
//	@Summary		List live documents, most recently updated first
//	@Tags			documents
//	@Produce		json
//	@Success		200		{object}	DocumentListResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) ListDocuments(w http.ResponseWriter, _ *http.Request) {
	docs := h.ws.List()
	resp := DocumentListResponse{Documents: listItems(docs), Total: len(docs)}
	if active, ok := h.ws.Active(); ok {
		resp.ActiveID = active.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListTrash handles GET /api/trash.
//
//	@Summary		List documents in the trash
//	@Tags			documents
//	@Produce		json
//	@Success		200		{object}	DocumentListResponse
//	@Security		BearerAuth
//	@Router			/trash [get]
func (h *Handler) ListTrash(w http.ResponseWriter, _ *http.Request) {
	docs := h.ws.Trash()
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: listItems(docs), Total: len(docs)})
}

// GetDocument handles GET /api/documents/{id}.
//
//	@Summary		Get a single document with its body
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	DocumentDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.ws.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// CreateDocument handles POST /api/documents.
//
//	@Summary		Create a document; an optional body sets its content
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			body	body		WriteDocumentRequest	false	"Initial content"
//	@Success		201		{object}	DocumentDetail
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents [post]
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var content doctree.Value
	if r.ContentLength != 0 {
		req, ok := decodeWrite(w, r)
		if !ok {
			return
		}
		if req.Content != nil || req.Markdown != "" {
			var err error
			if content, err = requestContent(req); err != nil {
				writeError(w, "create document", err)
				return
			}
		}
	}

	doc, err := h.ws.Create(r.Context())
	if err != nil {
		writeError(w, "create document", err)
		return
	}
	if content != nil {
		if doc, err = h.ws.UpdateContent(r.Context(), doc.ID, content); err != nil {
			writeError(w, "create document", err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, doc)
}

// UpdateDocument handles PUT /api/documents/{id}.
//
//	@Summary		Replace a document body with optimistic concurrency
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string					true	"Document id"
//	@Param			If-Match	header		string					false	"Expected current version"
//	@Param			body		body		WriteDocumentRequest	true	"New content"
//	@Success		200			{object}	DocumentDetail
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [put]
func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := decodeWrite(w, r)
	if !ok {
		return
	}
	content, err := requestContent(req)
	if err != nil {
		writeError(w, "update document", err)
		return
	}

	if match := strings.Trim(r.Header.Get("If-Match"), `" `); match != "" {
		expected, err := strconv.ParseInt(match, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("If-Match must be a version number"))
			return
		}
		current, err := h.ws.Get(r.Context(), id)
		if err != nil {
			writeError(w, "update document", err)
			return
		}
		if current.Version != expected {
			writeJSON(w, http.StatusConflict, errorBody(fmt.Sprintf("version mismatch: current is %d", current.Version)))
			return
		}
	}

	doc, err := h.ws.UpdateContent(r.Context(), id, content)
	if err != nil {
		writeError(w, "update document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DeleteDocument handles DELETE /api/documents/{id}.
//
//	@Summary		Move a document to the trash
//	@Tags			documents
//	@Param			id	path	string	true	"Document id"
//	@Success		204
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [delete]
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreDocument handles POST /api/documents/{id}/restore.
func (h *Handler) RestoreDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.ws.Restore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "restore document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// PurgeDocument handles DELETE /api/documents/{id}/purge.
func (h *Handler) PurgeDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "purge document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SelectDocument handles POST /api/documents/{id}/select.
func (h *Handler) SelectDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.ws.Select(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "select document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ListConflicts handles GET /api/conflicts.
func (h *Handler) ListConflicts(w http.ResponseWriter, _ *http.Request) {
	found := h.ws.Conflicts()
	if found == nil {
		found = []models.Conflict{}
	}
	writeJSON(w, http.StatusOK, ConflictListResponse{Conflicts: found})
}

// ResolveConflict handles POST /api/conflicts/{id}/resolve.
//
//	@Summary		Resolve a conflict by adopting the remote state or forcing the local one
//	@Tags			conflicts
//	@Accept			json
//	@Param			id		path	string					true	"Document id"
//	@Param			body	body	ResolveConflictRequest	true	"Choice"
//	@Success		204
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/conflicts/{id}/resolve [post]
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	choice := conflicts.Choice(req.Choice)
	if choice != conflicts.AdoptRemote && choice != conflicts.ForceLocal {
		writeJSON(w, http.StatusBadRequest, errorBody(`choice must be "remote" or "local"`))
		return
	}
	if err := h.ws.ResolveConflict(r.Context(), chi.URLParam(r, "id"), choice); err != nil {
		writeError(w, "resolve conflict", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRecovery handles GET /api/recovery.
func (h *Handler) GetRecovery(w http.ResponseWriter, _ *http.Request) {
	candidates := h.ws.RecoveryCandidates()
	if candidates == nil {
		candidates = []models.RecoveryCandidate{}
	}
	writeJSON(w, http.StatusOK, RecoveryResponse{Pending: len(candidates) > 0, Candidates: candidates})
}

// AcceptRecovery handles POST /api/recovery/accept.
func (h *Handler) AcceptRecovery(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.AcceptRecovery(r.Context()); err != nil {
		writeError(w, "accept recovery", err)
		return
	}
	h.ListDocuments(w, r)
}

// DeclineRecovery handles POST /api/recovery/decline.
func (h *Handler) DeclineRecovery(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.DeclineRecovery(r.Context()); err != nil {
		writeError(w, "decline recovery", err)
		return
	}
	h.ListDocuments(w, r)
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ws.Health(r.Context()))
}

// SyncNow handles POST /api/sync.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.SyncNow(r.Context()); err != nil {
		writeError(w, "sync", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func decodeWrite(w http.ResponseWriter, r *http.Request) (WriteDocumentRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req WriteDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return req, false
	}
	return req, true
}

func requestContent(req WriteDocumentRequest) (doctree.Value, error) {
	if len(req.Content) > 0 {
		if !doctree.Valid(req.Content) {
			return nil, fmt.Errorf("content must be a node array: %w", apperr.ErrInvalid)
		}
		return doctree.Value(req.Content), nil
	}
	if req.Markdown == "" {
		return nil, fmt.Errorf("content or markdown is required: %w", apperr.ErrInvalid)
	}
	v, err := doctree.FromMarkdown([]byte(req.Markdown))
	if err != nil {
		return nil, fmt.Errorf("markdown: %v: %w", err, apperr.ErrInvalid)
	}
	return v, nil
}
