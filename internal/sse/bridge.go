package sse

import (
	"sync/atomic"

	"github.com/starford/scriptorium/internal/docstate"
	"github.com/starford/scriptorium/internal/models"
)

// Source is the session whose changes are pushed to clients.
type Source interface {
	Subscribe(fn docstate.Listener) (cancel func())
	SubscribeLeadership(fn func(isLeader bool)) (cancel func())
	SubscribeConflicts(fn func([]models.Conflict)) (cancel func())
	RecoveryCandidates() []models.RecoveryCandidate
}

// Attach forwards document, leadership and conflict changes from src to b.
// A pending recovery prompt is published once.
//
// Accepting or declining the prompt re-initializes the document set; the
// empty candidate list published then replaces the retained prompt.
func Attach(b *Broker, src Source) (cancel func()) {
	var prompted atomic.Bool
	cancels := []func(){
		src.Subscribe(func(prev, next docstate.State, action docstate.Action) {
			if kind, id, ok := documentEvent(prev, next, action); ok {
				b.PublishDocumentEvent(kind, id)
			}
			if _, isInit := action.(docstate.Init); isInit && prompted.Load() {
				if len(src.RecoveryCandidates()) == 0 && prompted.CompareAndSwap(true, false) {
					b.Publish(Event{Type: TypeRecoveryPrompt, Data: []models.RecoveryCandidate{}})
				}
			}
		}),
		src.SubscribeLeadership(func(isLeader bool) {
			b.Publish(Event{Type: TypeLeaderChanged, Data: map[string]bool{"isLeader": isLeader}})
		}),
		src.SubscribeConflicts(func(found []models.Conflict) {
			if found == nil {
				found = []models.Conflict{}
			}
			b.Publish(Event{Type: TypeConflicts, Data: found})
		}),
	}
	if candidates := src.RecoveryCandidates(); len(candidates) > 0 {
		prompted.Store(true)
		b.Publish(Event{Type: TypeRecoveryPrompt, Data: candidates})
	}
	return func() {
		for _, fn := range cancels {
			fn()
		}
	}
}

// documentEvent names the event for an applied action. ok is false when the
// action changed nothing; Init yields an empty kind that only refreshes the
// list.
func documentEvent(prev, next docstate.State, action docstate.Action) (kind, id string, ok bool) {
	var target string
	switch a := action.(type) {
	case docstate.Init:
		return "", "", true
	case docstate.Create:
		kind, target = TypeDocumentCreated, a.ID
	case docstate.UpdateContent:
		kind, target = TypeDocumentUpdated, a.ID
	case docstate.BumpVersion:
		kind, target = TypeDocumentUpdated, a.ID
	case docstate.ApplyServerState:
		kind, target = TypeDocumentUpdated, a.ID
	case docstate.DeleteSoft:
		kind, target = TypeDocumentDeleted, a.ID
	case docstate.Restore:
		kind, target = TypeDocumentRestored, a.ID
	case docstate.Purge:
		kind, target = TypeDocumentPurged, a.ID
	default:
		return "", "", false
	}

	before, hadBefore := docstate.Find(prev, target)
	after, hasAfter := docstate.Find(next, target)
	if hadBefore == hasAfter && (!hasAfter || before.Signature() == after.Signature()) {
		return "", "", false
	}
	return kind, target, true
}
