// Package normalize validates persisted records from either storage tier.
//
// Input is never trusted: every field is checked individually and replaced
// with a default when missing or mistyped. A record without a usable id is
// rejected.
package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/starford/scriptorium/internal/doctree"
	"github.com/starford/scriptorium/internal/models"
)

// Rejection reasons.
const (
	ReasonNotObject = "not a JSON object"
	ReasonMissingID = "missing id"
)

// Fields holds the raw, optional fields of a persisted record.
type Fields struct {
	ID             *string
	Title          *string
	Content        []byte
	CreatedAt      *int64
	UpdatedAt      *int64
	Version        *int64
	ContentVersion *int64
	DeletedAt      *int64
}

// DocumentResult is the tagged outcome of normalizing a full record.
type DocumentResult struct {
	Doc    models.Document
	Reason string
}

// OK reports whether the record was accepted.
func (r DocumentResult) OK() bool { return r.Reason == "" }

// MetaResult is the tagged outcome of normalizing a metadata entry.
type MetaResult struct {
	Meta   models.DocumentMeta
	Reason string
}

// OK reports whether the entry was accepted.
func (r MetaResult) OK() bool { return r.Reason == "" }

// Document normalizes f into a full record. now (Unix ms) fills missing timestamps.
func Document(f Fields, now int64) DocumentResult {
	id := trimmed(f.ID)
	if id == "" {
		return DocumentResult{Reason: ReasonMissingID}
	}

	content := doctree.Value(f.Content)
	if !doctree.Valid(content) {
		content = doctree.DefaultContent()
	}
	title := trimmed(f.Title)
	if title == "" {
		title = doctree.DeriveTitle(content, doctree.DefaultTitle)
	}
	updatedAt := orDefault(f.UpdatedAt, now)

	return DocumentResult{Doc: models.Document{
		ID:             id,
		Title:          title,
		Content:        doctree.Clone(content),
		CreatedAt:      orDefault(f.CreatedAt, now),
		UpdatedAt:      updatedAt,
		Version:        version(f.Version),
		ContentVersion: orDefault(f.ContentVersion, updatedAt),
		DeletedAt:      models.CloneMillis(f.DeletedAt),
	}}
}

// Meta normalizes f into a metadata entry.
func Meta(f Fields, now int64) MetaResult {
	id := trimmed(f.ID)
	if id == "" {
		return MetaResult{Reason: ReasonMissingID}
	}
	title := ""
	if f.Title != nil {
		title = *f.Title
	}
	return MetaResult{Meta: models.DocumentMeta{
		ID:             id,
		Title:          title,
		CreatedAt:      orDefault(f.CreatedAt, now),
		UpdatedAt:      orDefault(f.UpdatedAt, now),
		Version:        version(f.Version),
		ContentVersion: orDefault(f.ContentVersion, 0),
		DeletedAt:      models.CloneMillis(f.DeletedAt),
	}}
}

// DocumentJSON normalizes one JSON-encoded record.
func DocumentJSON(raw []byte, now int64) DocumentResult {
	f, ok := decodeFields(raw)
	if !ok {
		return DocumentResult{Reason: ReasonNotObject}
	}
	return Document(f, now)
}

// MetaJSON normalizes one JSON-encoded metadata entry.
func MetaJSON(raw []byte, now int64) MetaResult {
	f, ok := decodeFields(raw)
	if !ok {
		return MetaResult{Reason: ReasonNotObject}
	}
	return Meta(f, now)
}

func decodeFields(raw []byte) (Fields, bool) {
	trimmedRaw := bytes.TrimSpace(raw)
	if len(trimmedRaw) == 0 || trimmedRaw[0] != '{' {
		return Fields{}, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmedRaw, &obj); err != nil {
		return Fields{}, false
	}
	f := Fields{
		ID:             stringField(obj["id"]),
		Title:          stringField(obj["title"]),
		CreatedAt:      numberField(obj["createdAt"]),
		UpdatedAt:      numberField(obj["updatedAt"]),
		Version:        numberField(obj["version"]),
		ContentVersion: numberField(obj["contentVersion"]),
		DeletedAt:      numberField(obj["deletedAt"]),
	}
	if c, ok := obj["content"]; ok {
		f.Content = []byte(c)
	}
	return f, true
}

func stringField(raw json.RawMessage) *string {
	if raw == nil {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

func numberField(raw json.RawMessage) *int64 {
	if raw == nil {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	v := int64(f)
	return &v
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func orDefault(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}

func version(v *int64) int64 {
	if v == nil || *v < 1 {
		return 1
	}
	return *v
}
