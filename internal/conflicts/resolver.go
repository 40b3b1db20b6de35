// Package conflicts holds version conflicts reported by the remote authority
// until they are resolved by a user or by policy.
package conflicts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/starford/scriptorium/internal/apperr"
	"github.com/starford/scriptorium/internal/docstate"
	"github.com/starford/scriptorium/internal/doctree"
	"github.com/starford/scriptorium/internal/models"
)

// Choice is a resolution decision.
type Choice string

const (
	// AdoptRemote discards local edits in favour of the server copy.
	AdoptRemote Choice = "remote"
	// ForceLocal makes the local copy newer than the server's.
	ForceLocal Choice = "local"
)

// Policy decides what happens when a conflict arrives.
type Policy string

const (
	PolicyManual Policy = "manual"
	PolicyRemote Policy = "remote"
	PolicyLocal  Policy = "local"
)

// Acker raises the acknowledged version of a document.
type Acker interface {
	AckUpTo(docID string, version int64) error
}

// Hydrator loads the stored body of a document that is still a placeholder.
// It returns apperr.ErrNotFound for ids unknown in memory.
type Hydrator func(ctx context.Context, id string) error

// Resolver keeps the latest conflict per document.
type Resolver struct {
	store   *docstate.Store
	acker   Acker
	hydrate Hydrator
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	pending   map[string]models.Conflict
	listeners map[int]func([]models.Conflict)
	nextSub   int
}

// New creates a Resolver. acker may be nil when no outbox is in use.
func New(store *docstate.Store, acker Acker, policy Policy, logger *slog.Logger) *Resolver {
	if policy == "" {
		policy = PolicyManual
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		acker:     acker,
		policy:    policy,
		logger:    logger.With(slog.String("component", "conflicts")),
		now:       time.Now,
		pending:   make(map[string]models.Conflict),
		listeners: make(map[int]func([]models.Conflict)),
	}
}

// SetAcker replaces the acker.
func (r *Resolver) SetAcker(a Acker) {
	r.mu.Lock()
	r.acker = a
	r.mu.Unlock()
}

// SetHydrator installs the hook run before a resolution touches a document,
// so that a placeholder never turns its empty body into a sent version and
// an adopted body is never replaced by an older stored one.
func (r *Resolver) SetHydrator(h Hydrator) {
	r.mu.Lock()
	r.hydrate = h
	r.mu.Unlock()
}

// Report records conflicts, replacing older ones for the same document, and
// applies the policy.
func (r *Resolver) Report(conflicts []models.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	r.mu.Lock()
	for _, c := range conflicts {
		r.pending[c.ID] = c
	}
	r.mu.Unlock()
	r.logger.Info("conflicts reported", slog.Int("count", len(conflicts)))

	switch r.policy {
	case PolicyRemote, PolicyLocal:
		choice := AdoptRemote
		if r.policy == PolicyLocal {
			choice = ForceLocal
		}
		for _, c := range conflicts {
			if err := r.Resolve(context.Background(), c.ID, choice); err != nil {
				r.logger.Warn("auto-resolve failed", slog.String("id", c.ID), slog.String("error", err.Error()))
			}
		}
		return
	}
	r.notify()
}

// List returns pending conflicts ordered by document id.
func (r *Resolver) List() []models.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Resolver) listLocked() []models.Conflict {
	out := make([]models.Conflict, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe calls fn with the pending list after every change.
func (r *Resolver) Subscribe(fn func([]models.Conflict)) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Resolve applies choice to the pending conflict for id. The document is
// hydrated first; when that fails the conflict stays pending.
func (r *Resolver) Resolve(ctx context.Context, id string, choice Choice) error {
	if choice != AdoptRemote && choice != ForceLocal {
		return fmt.Errorf("conflicts: unknown choice %q", choice)
	}
	r.mu.Lock()
	_, ok := r.pending[id]
	hydrate := r.hydrate
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("conflicts: resolve %s: %w", id, apperr.ErrNotFound)
	}

	if hydrate != nil {
		if err := hydrate(ctx, id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return fmt.Errorf("conflicts: resolve %s: %w", id, err)
		}
	}

	// Take the conflict only now: a newer report may have replaced it while
	// the body was loading.
	r.mu.Lock()
	c, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("conflicts: resolve %s: %w", id, apperr.ErrNotFound)
	}
	delete(r.pending, id)
	acker := r.acker
	r.mu.Unlock()

	switch choice {
	case AdoptRemote:
		var title *string
		if c.ServerTitle != "" {
			t := c.ServerTitle
			title = &t
		}
		content := doctree.Value(c.ServerContent)
		if !doctree.Valid(content) {
			content = doctree.Empty()
		}
		r.store.Dispatch(docstate.ApplyServerState{ID: id, Server: docstate.ServerState{
			Title:     title,
			Content:   content,
			Version:   c.ServerVersion,
			UpdatedAt: c.ServerUpdatedAt,
			DeletedAt: models.CloneMillis(c.ServerDeletedAt),
		}})
		if acker != nil {
			if err := acker.AckUpTo(id, c.ServerVersion); err != nil {
				r.logger.Warn("ack after adoption failed", slog.String("id", id), slog.String("error", err.Error()))
			}
		}
	case ForceLocal:
		r.store.Dispatch(docstate.BumpVersion{ID: id, ToVersion: c.ServerVersion + 1, Now: r.now().UnixMilli()})
	}
	r.logger.Info("conflict resolved", slog.String("id", id), slog.String("choice", string(choice)))
	r.notify()
	return nil
}

func (r *Resolver) notify() {
	r.mu.Lock()
	list := r.listLocked()
	listeners := make([]func([]models.Conflict), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(list)
	}
}
