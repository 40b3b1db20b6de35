package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(ws Workspace, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(ws)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Documents.
	r.Get("/documents", h.ListDocuments)
	r.Post("/documents", h.CreateDocument)
	r.Get("/documents/{id}", h.GetDocument)
	r.Put("/documents/{id}", h.UpdateDocument)
	r.Delete("/documents/{id}", h.DeleteDocument)
	r.Post("/documents/{id}/restore", h.RestoreDocument)
	r.Delete("/documents/{id}/purge", h.PurgeDocument)
	r.Post("/documents/{id}/select", h.SelectDocument)
	r.Get("/trash", h.ListTrash)

	// Conflicts.
	r.Get("/conflicts", h.ListConflicts)
	r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

	// Recovery.
	r.Get("/recovery", h.GetRecovery)
	r.Post("/recovery/accept", h.AcceptRecovery)
	r.Post("/recovery/decline", h.DeclineRecovery)

	r.Get("/health", h.Health)
	r.Post("/sync", h.SyncNow)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
