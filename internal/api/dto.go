package api

import (
	"encoding/json"

	"github.com/starford/scriptorium/internal/models"
)

// DocumentDetail is the full document response type (aliased from the domain layer).
type DocumentDetail = models.Document

// DocumentListItem is a lightweight item in a list response.
type DocumentListItem struct {
	ID        string `json:"id" example:"3f0c2a8e-5a7b-4c1e-9d2f-1b6e8a9c0d4e" validate:"required"`
	Title     string `json:"title" example:"Meeting notes" validate:"required"`
	Version   int64  `json:"version" example:"3" validate:"required"`
	UpdatedAt int64  `json:"updatedAt" example:"1718000000000" validate:"required"`
	DeletedAt *int64 `json:"deletedAt,omitempty"`
}

// DocumentListResponse wraps document listings.
type DocumentListResponse struct {
	Documents []DocumentListItem `json:"documents" validate:"required"`
	ActiveID  string             `json:"activeId,omitempty"`
	Total     int                `json:"total" example:"42" validate:"required"`
}

// WriteDocumentRequest is the body for creating or updating a document.
// Content is a document tree; Markdown is converted into one when Content is
// absent.
type WriteDocumentRequest struct {
	Content  json.RawMessage `json:"content,omitempty"`
	Markdown string          `json:"markdown,omitempty" example:"# Hello\nWorld"`
}

// ResolveConflictRequest picks the side that wins a conflict.
type ResolveConflictRequest struct {
	Choice string `json:"choice" example:"remote" enums:"remote,local" validate:"required"`
}

// ConflictListResponse wraps unresolved conflicts.
type ConflictListResponse struct {
	Conflicts []models.Conflict `json:"conflicts" validate:"required"`
}

// RecoveryResponse describes a pending recovery prompt.
type RecoveryResponse struct {
	Pending    bool                       `json:"pending"`
	Candidates []models.RecoveryCandidate `json:"candidates" validate:"required"`
}

func listItems(docs []models.Document) []DocumentListItem {
	items := make([]DocumentListItem, len(docs))
	for i, d := range docs {
		items[i] = DocumentListItem{
			ID:        d.ID,
			Title:     d.Title,
			Version:   d.Version,
			UpdatedAt: d.UpdatedAt,
			DeletedAt: models.CloneMillis(d.DeletedAt),
		}
	}
	return items
}
