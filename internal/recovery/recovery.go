// Package recovery bootstraps the in-memory document set at startup.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/starford/scriptorium/internal/apperr"
	"github.com/starford/scriptorium/internal/contentstore"
	"github.com/starford/scriptorium/internal/docstate"
	"github.com/starford/scriptorium/internal/doctree"
	"github.com/starford/scriptorium/internal/metacache"
	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/persist"
)

// Status is the outcome of Boot.
type Status string

const (
	// StatusReady means documents are loaded and usable.
	StatusReady Status = "ready"
	// StatusPrompt means the user must accept or decline recovery.
	StatusPrompt Status = "prompt"
)

// Result describes what Boot did.
type Result struct {
	Status     Status                     `json:"status"`
	Candidates []models.RecoveryCandidate `json:"candidates,omitempty"`
}

// Manager loads state from the two storage tiers.
type Manager struct {
	store   *docstate.Store
	content contentstore.Store
	meta    *metacache.Cache
	sched   *persist.Scheduler
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	candidates []models.RecoveryCandidate

	loads singleflight.Group
}

// New creates a Manager.
func New(store *docstate.Store, content contentstore.Store, meta *metacache.Cache, sched *persist.Scheduler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		content: content,
		meta:    meta,
		sched:   sched,
		logger:  logger.With(slog.String("component", "recovery")),
		now:     time.Now,
	}
}

// Boot initializes state. With cached metadata it starts from placeholders
// and loads only the active body. Without metadata it offers the live
// documents of the content store for recovery, or creates a default document
// when there are none.
func (m *Manager) Boot(ctx context.Context) (Result, error) {
	metas := m.meta.Load()
	if len(metas) > 0 {
		docs := make([]models.Document, len(metas))
		for i, meta := range metas {
			docs[i] = meta.Placeholder()
		}
		m.store.Dispatch(docstate.Init{Docs: docs})
		m.sched.Sweep(ctx)
		state := m.store.State()
		if state.ActiveID != "" {
			if err := m.Hydrate(ctx, state.ActiveID); err != nil {
				m.logger.Warn("active document not hydrated", slog.String("id", state.ActiveID), slog.String("error", err.Error()))
			}
		}
		m.logger.Info("booted from metadata", slog.Int("documents", len(docs)))
		return Result{Status: StatusReady}, nil
	}

	m.sched.Sweep(ctx)
	all, err := m.content.All(ctx)
	if err != nil {
		m.logger.Warn("content store scan failed", slog.String("error", err.Error()))
	}
	var candidates []models.RecoveryCandidate
	for _, d := range all {
		if d.Deleted() {
			continue
		}
		candidates = append(candidates, candidate(d))
	}
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].UpdatedAt > candidates[j].UpdatedAt
		})
		m.mu.Lock()
		m.candidates = candidates
		m.mu.Unlock()
		m.logger.Info("recovery available", slog.Int("documents", len(candidates)))
		return Result{Status: StatusPrompt, Candidates: candidates}, nil
	}

	m.createDefault()
	return Result{Status: StatusReady}, nil
}

func candidate(d models.Document) models.RecoveryCandidate {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = doctree.DeriveTitle(d.Content, doctree.UntitledLabel)
	}
	return models.RecoveryCandidate{ID: d.ID, Title: title, Version: d.Version, UpdatedAt: d.UpdatedAt}
}

// Candidates returns the documents offered by a pending prompt.
func (m *Manager) Candidates() []models.RecoveryCandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RecoveryCandidate(nil), m.candidates...)
}

// Pending reports whether a recovery prompt awaits an answer.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates) > 0
}

func (m *Manager) takePrompt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.candidates) == 0 {
		return apperr.ErrNoRecovery
	}
	m.candidates = nil
	return nil
}

// Accept loads every stored record into memory and rewrites the metadata
// cache from it.
func (m *Manager) Accept(ctx context.Context) error {
	if err := m.takePrompt(); err != nil {
		return fmt.Errorf("recovery: accept: %w", err)
	}
	all, err := m.content.All(ctx)
	if err != nil {
		m.logger.Warn("recovery read failed", slog.String("error", err.Error()))
	}
	if len(all) == 0 {
		m.createDefault()
		return nil
	}

	state := m.store.Dispatch(docstate.Init{Docs: all})
	ids := make([]string, len(all))
	for i, d := range all {
		ids[i] = d.ID
	}
	m.sched.MarkHydrated(ids...)
	m.meta.SaveImmediate(docstate.Metas(state))
	m.logger.Info("recovered documents", slog.Int("documents", len(all)))
	return nil
}

// Decline discards the prompt and starts with a new default document.
func (m *Manager) Decline(_ context.Context) error {
	if err := m.takePrompt(); err != nil {
		return fmt.Errorf("recovery: decline: %w", err)
	}
	m.createDefault()
	return nil
}

func (m *Manager) createDefault() {
	id := uuid.NewString()
	m.store.Dispatch(docstate.Init{HasActive: true})
	m.sched.MarkHydrated(id)
	m.store.Dispatch(docstate.Create{ID: id, Now: m.now().UnixMilli()})
	m.logger.Info("created default document", slog.String("id", id))
}

// Hydrate loads the stored body of a placeholder. Already hydrated ids are
// left alone. A record missing from the content store keeps its in-memory
// state and counts as hydrated.
//
// Concurrent calls for one id share a single load. The load is applied only
// if the record is unchanged since it was read, so an edit that lands in
// between is never replaced by the stored copy.
func (m *Manager) Hydrate(ctx context.Context, id string) error {
	if m.sched.IsHydrated(id) {
		return nil
	}
	if _, ok := docstate.Find(m.store.State(), id); !ok {
		return fmt.Errorf("recovery: hydrate %s: %w", id, apperr.ErrNotFound)
	}
	_, err, _ := m.loads.Do(id, func() (any, error) {
		return nil, m.load(context.WithoutCancel(ctx), id)
	})
	return err
}

func (m *Manager) load(ctx context.Context, id string) error {
	if m.sched.IsHydrated(id) {
		return nil
	}
	current, ok := docstate.Find(m.store.State(), id)
	if !ok {
		return fmt.Errorf("recovery: hydrate %s: %w", id, apperr.ErrNotFound)
	}

	stored, err := m.content.Get(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		m.sched.MarkHydrated(id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recovery: hydrate %s: %w", id, err)
	}

	server := docstate.ServerState{Content: stored.Content}
	if stored.Version >= current.Version {
		title := stored.Title
		server.Title = &title
		server.Version = stored.Version
		server.UpdatedAt = stored.UpdatedAt
		server.DeletedAt = stored.DeletedAt
	} else {
		server.Version = current.Version
		server.UpdatedAt = current.UpdatedAt
		server.DeletedAt = current.DeletedAt
	}

	m.sched.MarkHydrated(id)
	state := m.store.Dispatch(docstate.ApplyServerState{ID: id, Server: server, IfSignature: current.Signature()})
	if after, ok := docstate.Find(state, id); ok && (after.Version != server.Version || after.UpdatedAt != server.UpdatedAt) {
		m.logger.Info("record changed while loading, kept in-memory copy", slog.String("id", id))
		m.sched.Schedule(id)
	}
	return nil
}
