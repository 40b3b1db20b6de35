// Package docstate holds the in-memory document set and the only function
// allowed to change it.
package docstate

import (
	"sort"

	"github.com/google/uuid"

	"github.com/starford/scriptorium/internal/doctree"
	"github.com/starford/scriptorium/internal/models"
)

// Document is the record type held in State.
type Document = models.Document

// State is an immutable snapshot of the document set. ActiveID is empty when
// nothing is selected.
type State struct {
	Docs     []Document
	ActiveID string
}

// Reduce returns the state that results from applying a to s. It never
// panics, and actions naming an unknown id return s unchanged.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case Init:
		return reduceInit(s, a)
	case Select:
		if _, ok := Find(s, a.ID); !ok {
			return s
		}
		return State{Docs: s.Docs, ActiveID: a.ID}
	case Create:
		return reduceCreate(s, a)
	case UpdateContent:
		return update(s, a.ID, func(d *Document) bool {
			d.Content = doctree.Clone(a.Content)
			d.Title = doctree.DeriveTitle(a.Content, d.Title)
			d.UpdatedAt = a.Now
			d.ContentVersion = a.Now
			d.Version++
			return true
		}, s.ActiveID)
	case DeleteSoft:
		next := update(s, a.ID, func(d *Document) bool {
			if d.Deleted() {
				return false
			}
			d.DeletedAt = models.MillisPtr(a.Now)
			d.UpdatedAt = a.Now
			d.Version++
			return true
		}, s.ActiveID)
		if next.ActiveID == a.ID {
			next.ActiveID = mostRecentLive(next.Docs)
		}
		return next
	case Restore:
		return update(s, a.ID, func(d *Document) bool {
			if !d.Deleted() {
				return false
			}
			d.DeletedAt = nil
			d.UpdatedAt = a.Now
			d.Version++
			return true
		}, a.ID)
	case Purge:
		return reducePurge(s, a)
	case ApplyServerState:
		if a.IfSignature != "" {
			if d, ok := Find(s, a.ID); !ok || d.Signature() != a.IfSignature {
				return s
			}
		}
		next := update(s, a.ID, func(d *Document) bool {
			if a.Server.Title != nil {
				d.Title = *a.Server.Title
			}
			d.Content = doctree.Clone(a.Server.Content)
			if !doctree.Valid(d.Content) {
				d.Content = doctree.Empty()
			}
			d.Version = a.Server.Version
			d.UpdatedAt = a.Server.UpdatedAt
			d.ContentVersion = a.Server.UpdatedAt
			d.DeletedAt = models.CloneMillis(a.Server.DeletedAt)
			return true
		}, s.ActiveID)
		if next.ActiveID == a.ID && a.Server.DeletedAt != nil {
			next.ActiveID = mostRecentLive(next.Docs)
		}
		return next
	case BumpVersion:
		return update(s, a.ID, func(d *Document) bool {
			d.Version = a.ToVersion
			d.UpdatedAt = a.Now
			return true
		}, s.ActiveID)
	default:
		return s
	}
}

func reduceInit(s State, a Init) State {
	docs := make([]Document, len(a.Docs))
	for i, d := range a.Docs {
		docs[i] = d.Clone()
	}
	sortByUpdated(docs)

	next := State{Docs: docs}
	switch {
	case a.HasActive:
		if _, ok := Find(next, a.ActiveID); ok {
			next.ActiveID = a.ActiveID
		}
	default:
		if d, ok := Find(next, s.ActiveID); ok && !d.Deleted() {
			next.ActiveID = s.ActiveID
		} else {
			next.ActiveID = mostRecentLive(docs)
		}
	}
	return next
}

func reduceCreate(s State, a Create) State {
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := Find(s, id); exists {
		return s
	}
	content := doctree.DefaultContent()
	doc := Document{
		ID:             id,
		Title:          doctree.DeriveTitle(content, doctree.DefaultTitle),
		Content:        content,
		CreatedAt:      a.Now,
		UpdatedAt:      a.Now,
		Version:        1,
		ContentVersion: a.Now,
	}
	docs := make([]Document, 0, len(s.Docs)+1)
	docs = append(docs, doc)
	docs = append(docs, s.Docs...)
	return State{Docs: docs, ActiveID: id}
}

func reducePurge(s State, a Purge) State {
	idx := indexOf(s.Docs, a.ID)
	if idx < 0 {
		return s
	}
	docs := make([]Document, 0, len(s.Docs)-1)
	docs = append(docs, s.Docs[:idx]...)
	docs = append(docs, s.Docs[idx+1:]...)
	next := State{Docs: docs, ActiveID: s.ActiveID}
	if s.ActiveID == a.ID {
		next.ActiveID = mostRecentLive(docs)
	}
	return next
}

// update copies the slice, applies fn to the record with id and sets the
// active id. fn returning false leaves s untouched.
func update(s State, id string, fn func(*Document) bool, activeID string) State {
	idx := indexOf(s.Docs, id)
	if idx < 0 {
		return s
	}
	doc := s.Docs[idx]
	doc.DeletedAt = models.CloneMillis(doc.DeletedAt)
	if !fn(&doc) {
		return s
	}
	docs := make([]Document, len(s.Docs))
	copy(docs, s.Docs)
	docs[idx] = doc
	return State{Docs: docs, ActiveID: activeID}
}

// Find returns the record with id.
func Find(s State, id string) (Document, bool) {
	if id == "" {
		return Document{}, false
	}
	if idx := indexOf(s.Docs, id); idx >= 0 {
		return s.Docs[idx], true
	}
	return Document{}, false
}

// Live returns the live records, most recently updated first.
func Live(s State) []Document {
	return filter(s.Docs, func(d Document) bool { return !d.Deleted() })
}

// Trashed returns the tombstoned records, most recently updated first.
func Trashed(s State) []Document {
	return filter(s.Docs, func(d Document) bool { return d.Deleted() })
}

// Metas projects every record onto its metadata.
func Metas(s State) []models.DocumentMeta {
	out := make([]models.DocumentMeta, len(s.Docs))
	for i, d := range s.Docs {
		out[i] = d.Meta()
	}
	return out
}

func filter(docs []Document, keep func(Document) bool) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if keep(d) {
			out = append(out, d)
		}
	}
	sortByUpdated(out)
	return out
}

func mostRecentLive(docs []Document) string {
	var (
		best  string
		bestT int64
		found bool
	)
	for _, d := range docs {
		if d.Deleted() {
			continue
		}
		if !found || d.UpdatedAt > bestT {
			best, bestT, found = d.ID, d.UpdatedAt, true
		}
	}
	return best
}

func indexOf(docs []Document, id string) int {
	for i := range docs {
		if docs[i].ID == id {
			return i
		}
	}
	return -1
}

func sortByUpdated(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UpdatedAt > docs[j].UpdatedAt
	})
}
