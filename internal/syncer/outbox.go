package syncer

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/starford/scriptorium/internal/docstate"
	"github.com/starford/scriptorium/internal/localstore"
	"github.com/starford/scriptorium/internal/models"
)

// Local-store keys.
const (
	OutboxKey = "scriptorium:outbox:v1"
	AcksKey   = "scriptorium:acks:v1"
)

// Outbox is the durable, shared log of local mutations awaiting remote
// acknowledgment, plus the per-document ack watermark.
type Outbox struct {
	kv    localstore.KV
	newID func() string
}

// NewOutbox returns an Outbox stored in kv.
func NewOutbox(kv localstore.KV) *Outbox {
	return &Outbox{kv: kv, newID: uuid.NewString}
}

// Events returns the whole log in append order.
func (o *Outbox) Events() ([]models.OutboxEvent, error) {
	return read[[]models.OutboxEvent](o.kv, OutboxKey)
}

// Acks returns the watermark per document id.
func (o *Outbox) Acks() (map[string]int64, error) {
	acks, err := read[map[string]int64](o.kv, AcksKey)
	if acks == nil {
		acks = map[string]int64{}
	}
	return acks, err
}

// AppendChanged appends one event per record whose persisted state differs
// between prev and next. Versions at or below the watermark, and events
// already in the log, are skipped. It returns the number appended.
func (o *Outbox) AppendChanged(prev, next docstate.State) (int, error) {
	acks, err := o.Acks()
	if err != nil {
		return 0, err
	}

	before := make(map[string]models.Document, len(prev.Docs))
	for _, d := range prev.Docs {
		before[d.ID] = d
	}

	var fresh []models.OutboxEvent
	for _, d := range next.Docs {
		p, existed := before[d.ID]
		if existed && p.Signature() == d.Signature() {
			continue
		}
		if d.Version <= acks[d.ID] {
			continue
		}
		fresh = append(fresh, o.eventFor(d, kindOf(p, existed, d)))
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	appended := 0
	err = o.mutate(func(events *[]models.OutboxEvent) bool {
		keys := mapset.NewThreadUnsafeSet[string]()
		for _, ev := range *events {
			keys.Add(ev.IdempotencyKey)
		}
		appended = 0
		for _, ev := range fresh {
			if keys.Contains(ev.IdempotencyKey) {
				continue
			}
			*events = append(*events, ev)
			appended++
		}
		return appended > 0
	})
	return appended, err
}

func kindOf(prev models.Document, existed bool, next models.Document) models.EventKind {
	switch {
	case next.Deleted() && (!existed || !prev.Deleted()):
		return models.EventDelete
	case !existed:
		return models.EventCreate
	default:
		return models.EventUpdate
	}
}

func (o *Outbox) eventFor(d models.Document, kind models.EventKind) models.OutboxEvent {
	ev := models.OutboxEvent{
		ID:             o.newID(),
		DocID:          d.ID,
		Kind:           kind,
		Version:        d.Version,
		UpdatedAt:      d.UpdatedAt,
		DeletedAt:      models.CloneMillis(d.DeletedAt),
		Title:          d.Title,
		IdempotencyKey: models.IdempotencyKey(d.ID, d.Version, d.UpdatedAt),
	}
	if kind != models.EventDelete {
		ev.Content = string(d.Content)
	}
	return ev
}

// Pending returns events above the watermark, grouped by document and in
// non-decreasing version order within each document.
func (o *Outbox) Pending() ([]models.OutboxEvent, error) {
	events, err := o.Events()
	if err != nil {
		return nil, err
	}
	acks, err := o.Acks()
	if err != nil {
		return nil, err
	}
	out := make([]models.OutboxEvent, 0, len(events))
	for _, ev := range events {
		if ev.Version > acks[ev.DocID] {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DocID != out[j].DocID {
			return out[i].DocID < out[j].DocID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// RemoveByIDs drops events by id.
func (o *Outbox) RemoveByIDs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := mapset.NewThreadUnsafeSet(ids...)
	return o.mutate(func(events *[]models.OutboxEvent) bool {
		kept := (*events)[:0]
		for _, ev := range *events {
			if !drop.Contains(ev.ID) {
				kept = append(kept, ev)
			}
		}
		changed := len(kept) != len(*events)
		*events = kept
		return changed
	})
}

// AckUpTo raises the watermark for docID to version. It never lowers it.
func (o *Outbox) AckUpTo(docID string, version int64) error {
	return update(o.kv, AcksKey, func(acks *map[string]int64) bool {
		if *acks == nil {
			*acks = map[string]int64{}
		}
		if (*acks)[docID] >= version {
			return false
		}
		(*acks)[docID] = version
		return true
	})
}

// Compact drops events already covered by the watermark.
func (o *Outbox) Compact() error {
	acks, err := o.Acks()
	if err != nil {
		return err
	}
	return o.mutate(func(events *[]models.OutboxEvent) bool {
		kept := (*events)[:0]
		for _, ev := range *events {
			if ev.Version > acks[ev.DocID] {
				kept = append(kept, ev)
			}
		}
		changed := len(kept) != len(*events)
		*events = kept
		return changed
	})
}

func (o *Outbox) mutate(fn func(*[]models.OutboxEvent) bool) error {
	return update(o.kv, OutboxKey, fn)
}
