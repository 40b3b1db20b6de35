// Package authority is a reference remote authority. It keeps the latest
// accepted version of every document in memory and arbitrates conflicts by
// version.
package authority

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/starford/scriptorium/internal/models"
)

// Record is the authority's copy of a document.
type Record struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Version   int64  `json:"version"`
	UpdatedAt int64  `json:"updatedAt"`
	DeletedAt *int64 `json:"deletedAt,omitempty"`
}

// EventsResult is the outcome of one event batch.
type EventsResult struct {
	AckedVersions map[string]int64
	AcceptedIDs   []string
	Conflicts     []models.Conflict
}

// SyncResult is the outcome of one snapshot batch.
type SyncResult struct {
	Synced    []string
	Conflicts []models.Conflict
}

// Store holds accepted documents and the idempotency keys already applied.
type Store struct {
	mu   sync.Mutex
	docs map[string]Record
	seen mapset.Set[string]
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		docs: make(map[string]Record),
		seen: mapset.NewThreadUnsafeSet[string](),
	}
}

// Get returns the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.docs[id]
	return r, ok
}

// List returns all records ordered by id.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.docs))
	for _, r := range s.docs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyEvents applies a batch in order. A replayed idempotency key is
// acknowledged without change. Any other event whose version does not exceed
// the current one is a conflict acknowledged at the current version.
func (s *Store) ApplyEvents(events []models.OutboxEvent) EventsResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := EventsResult{AckedVersions: make(map[string]int64)}
	ack := func(id string, v int64) {
		if v > res.AckedVersions[id] {
			res.AckedVersions[id] = v
		}
	}

	for _, ev := range events {
		current, exists := s.docs[ev.DocID]
		if s.seen.Contains(ev.IdempotencyKey) {
			ack(ev.DocID, current.Version)
			res.AcceptedIDs = append(res.AcceptedIDs, ev.ID)
			continue
		}
		if exists && ev.Version <= current.Version {
			ack(ev.DocID, current.Version)
			res.Conflicts = append(res.Conflicts, conflictFor(current, ev.Version))
			continue
		}

		next := Record{
			ID:        ev.DocID,
			Title:     ev.Title,
			Content:   ev.Content,
			Version:   ev.Version,
			UpdatedAt: ev.UpdatedAt,
			DeletedAt: models.CloneMillis(ev.DeletedAt),
		}
		if ev.Kind == models.EventDelete {
			if next.DeletedAt == nil {
				next.DeletedAt = models.MillisPtr(ev.UpdatedAt)
			}
			if next.Content == "" {
				next.Content = current.Content
			}
			if next.Title == "" {
				next.Title = current.Title
			}
		}
		s.docs[ev.DocID] = next
		s.seen.Add(ev.IdempotencyKey)
		ack(ev.DocID, ev.Version)
		res.AcceptedIDs = append(res.AcceptedIDs, ev.ID)
	}
	return res
}

// ApplySnapshots stores every snapshot newer than the current version.
func (s *Store) ApplySnapshots(docs []models.SnapshotDoc) SyncResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SyncResult
	for _, d := range docs {
		if current, ok := s.docs[d.ID]; ok && d.Version <= current.Version {
			res.Conflicts = append(res.Conflicts, conflictFor(current, d.Version))
			continue
		}
		s.docs[d.ID] = Record{
			ID:        d.ID,
			Title:     d.Title,
			Content:   d.Content,
			Version:   d.Version,
			UpdatedAt: d.UpdatedAt,
			DeletedAt: models.CloneMillis(d.DeletedAt),
		}
		res.Synced = append(res.Synced, d.ID)
	}
	return res
}

func conflictFor(r Record, clientVersion int64) models.Conflict {
	return models.Conflict{
		ID:              r.ID,
		ClientVersion:   clientVersion,
		ServerVersion:   r.Version,
		ServerContent:   r.Content,
		ServerUpdatedAt: r.UpdatedAt,
		ServerDeletedAt: models.CloneMillis(r.DeletedAt),
		ServerTitle:     r.Title,
	}
}
