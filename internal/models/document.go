// Package models defines the domain types shared by the persistence and sync layers.
package models

import (
	"fmt"
	"time"

	"github.com/starford/scriptorium/internal/doctree"
)

// Document is the in-memory document record.
//
// Timestamps are Unix milliseconds so that the persisted layout and the remote
// wire format stay numeric.
type Document struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Content        doctree.Value `json:"content"`
	CreatedAt      int64         `json:"createdAt"`
	UpdatedAt      int64         `json:"updatedAt"`
	Version        int64         `json:"version"`
	ContentVersion int64         `json:"contentVersion"`
	DeletedAt      *int64        `json:"deletedAt,omitempty"`
}

// DocumentMeta is the metadata-cache projection of a Document (no body).
type DocumentMeta struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
	Version        int64  `json:"version"`
	ContentVersion int64  `json:"contentVersion"`
	DeletedAt      *int64 `json:"deletedAt"`
}

// Deleted reports whether the document is tombstoned.
func (d Document) Deleted() bool { return d.DeletedAt != nil }

// Deleted reports whether the document is tombstoned.
func (m DocumentMeta) Deleted() bool { return m.DeletedAt != nil }

// Meta projects d onto its metadata.
func (d Document) Meta() DocumentMeta {
	return DocumentMeta{
		ID:             d.ID,
		Title:          d.Title,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		Version:        d.Version,
		ContentVersion: d.ContentVersion,
		DeletedAt:      CloneMillis(d.DeletedAt),
	}
}

// Placeholder returns a record for m whose body has not been loaded.
func (m DocumentMeta) Placeholder() Document {
	return Document{
		ID:             m.ID,
		Title:          m.Title,
		Content:        doctree.Empty(),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		Version:        m.Version,
		ContentVersion: m.ContentVersion,
		DeletedAt:      CloneMillis(m.DeletedAt),
	}
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	out := d
	out.Content = doctree.Clone(d.Content)
	out.DeletedAt = CloneMillis(d.DeletedAt)
	return out
}

// Signature identifies the persisted state of a record. Two records with the
// same signature need no rewrite.
func (d Document) Signature() string {
	deleted := ""
	if d.DeletedAt != nil {
		deleted = fmt.Sprintf("%d", *d.DeletedAt)
	}
	return fmt.Sprintf("%d:%d:%s", d.UpdatedAt, d.Version, deleted)
}

// RecoveryCandidate is a live document offered in the recovery prompt.
type RecoveryCandidate struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Version   int64  `json:"version"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Millis converts t to Unix milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// MillisPtr returns a pointer to ms.
func MillisPtr(ms int64) *int64 { return &ms }

// CloneMillis copies an optional timestamp.
func CloneMillis(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
