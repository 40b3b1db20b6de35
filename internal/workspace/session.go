// Package workspace wires the storage, election and sync layers into one
// session and exposes the document operations used by the outer surfaces.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/scriptorium/internal/apperr"
	"github.com/starford/scriptorium/internal/broadcast"
	"github.com/starford/scriptorium/internal/conflicts"
	"github.com/starford/scriptorium/internal/contentstore"
	"github.com/starford/scriptorium/internal/docstate"
	"github.com/starford/scriptorium/internal/doctree"
	"github.com/starford/scriptorium/internal/leader"
	"github.com/starford/scriptorium/internal/localstore"
	"github.com/starford/scriptorium/internal/metacache"
	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/netstatus"
	"github.com/starford/scriptorium/internal/persist"
	"github.com/starford/scriptorium/internal/recovery"
	"github.com/starford/scriptorium/internal/remote"
	"github.com/starford/scriptorium/internal/syncer"
)

// DefaultSweepInterval is how often expired tombstones are purged.
const DefaultSweepInterval = time.Hour

// Config describes one session.
type Config struct {
	// DataDir holds the content database, the local store, the lock files
	// and the broadcast directory. Empty keeps everything in memory.
	DataDir        string
	MetaDebounce   time.Duration
	Persist        persist.Config
	SweepInterval  time.Duration
	Sync           SyncConfig
	Leader         leader.Config
	ConflictPolicy conflicts.Policy
}

// SyncConfig controls delivery to the remote authority.
type SyncConfig struct {
	Enabled       bool
	RemoteURL     string
	Token         string
	ProbeInterval time.Duration
	Engine        syncer.Config
}

// Session is one tab: an in-memory document set backed by the shared data
// directory.
type Session struct {
	cfg    Config
	logger *slog.Logger

	kv       localstore.KV
	content  contentstore.Store
	store    *docstate.Store
	meta     *metacache.Cache
	sched    *persist.Scheduler
	recovery *recovery.Manager
	resolver *conflicts.Resolver

	client     remote.Client
	locker     leader.Locker
	bc         broadcast.Channel
	ownBC      bool
	leaderOpts []leader.Option
	coord      *leader.Coordinator
	net        *netstatus.Monitor
	engine     *syncer.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	booted   bool
	tornDown bool
}

// Open builds a session. Storage that cannot be opened degrades to memory
// with a warning; Open fails only on invalid arguments.
func Open(cfg Config, opts ...Option) (*Session, error) {
	s := &Session{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "workspace"))
	if cfg.SweepInterval <= 0 {
		s.cfg.SweepInterval = DefaultSweepInterval
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			s.logger.Warn("data directory unavailable", slog.String("path", cfg.DataDir), slog.String("error", err.Error()))
		}
	}
	if s.kv == nil {
		s.kv = s.openLocalStore()
	}
	if s.content == nil {
		if cfg.DataDir == "" {
			s.content = contentstore.NewMemory()
		} else {
			s.content = contentstore.Open(filepath.Join(cfg.DataDir, "content.db"), s.logger)
		}
	}

	s.store = docstate.NewStore(docstate.State{})
	s.meta = metacache.New(s.kv, cfg.MetaDebounce, s.logger)
	s.sched = persist.New(s.store, s.content, s.meta, s.kv, cfg.Persist, s.logger)
	s.recovery = recovery.New(s.store, s.content, s.meta, s.sched, s.logger)
	s.resolver = conflicts.New(s.store, nil, cfg.ConflictPolicy, s.logger)
	s.resolver.SetHydrator(s.recovery.Hydrate)

	if cfg.Sync.Enabled {
		if err := s.openSync(); err != nil {
			return nil, err
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) openLocalStore() localstore.KV {
	if s.cfg.DataDir == "" {
		return localstore.NewMemory()
	}
	kv, err := localstore.NewFile(filepath.Join(s.cfg.DataDir, "local"))
	if err != nil {
		s.logger.Warn("local store unavailable, using memory", slog.String("error", err.Error()))
		return localstore.NewMemory()
	}
	return kv
}

func (s *Session) openSync() error {
	if s.client == nil {
		s.client = remote.NewHTTPClient(s.cfg.Sync.RemoteURL, s.cfg.Sync.Token, nil)
	}
	if s.locker == nil && s.cfg.DataDir != "" {
		locker, err := leader.NewFileLocker(s.cfg.DataDir)
		if err != nil {
			s.logger.Warn("lock primitive unavailable, using lease", slog.String("error", err.Error()))
		} else {
			s.locker = locker
		}
	}
	if s.bc == nil {
		s.ownBC = true
		if s.cfg.DataDir == "" {
			s.bc = broadcast.NewHub()
		} else if bc, err := broadcast.NewDirChannel(filepath.Join(s.cfg.DataDir, "broadcast"), s.logger); err != nil {
			s.logger.Warn("broadcast directory unavailable", slog.String("error", err.Error()))
			s.bc = broadcast.NewHub()
		} else {
			s.bc = bc
		}
	}

	s.coord = leader.New(s.cfg.Leader, s.locker, s.kv, s.bc, s.logger, s.leaderOpts...)
	s.net = netstatus.New(s.client.Health, s.cfg.Sync.ProbeInterval, s.logger)
	s.engine = syncer.New(s.cfg.Sync.Engine, s.store, s.client, s.kv, s.coord, s.net, s.resolver, s.logger)
	s.resolver.SetAcker(s.engine.Outbox())
	return nil
}

// Boot loads the document set and starts the background services. It runs
// once; later calls return a ready result.
func (s *Session) Boot(ctx context.Context) (recovery.Result, error) {
	s.mu.Lock()
	if s.booted || s.tornDown {
		s.mu.Unlock()
		return recovery.Result{Status: recovery.StatusReady}, nil
	}
	s.booted = true
	s.mu.Unlock()

	s.sched.Start()
	if s.engine != nil {
		s.net.Start(s.ctx)
		s.engine.Start(s.ctx)
	}
	res, err := s.recovery.Boot(ctx)
	if err != nil {
		return res, fmt.Errorf("workspace: boot: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sched.RunSweeper(s.ctx, s.cfg.SweepInterval)
	}()
	if s.coord != nil {
		s.coord.Start(s.ctx)
	}

	s.logger.Info("session ready",
		slog.String("status", string(res.Status)),
		slog.Bool("sync", s.engine != nil),
		slog.Int("documents", len(s.store.State().Docs)))
	return res, nil
}

// Teardown flushes pending writes, saves the metadata cache and stops every
// background service. It is idempotent.
func (s *Session) Teardown(ctx context.Context) error {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return nil
	}
	s.tornDown = true
	booted := s.booted
	s.mu.Unlock()

	if s.engine != nil {
		s.engine.Stop()
		s.coord.Stop()
		s.net.Stop()
	}
	s.cancel()
	s.wg.Wait()

	s.sched.Stop()
	var err error
	if booted {
		err = s.sched.FlushNow(ctx)
	}

	if s.ownBC && s.bc != nil {
		if cerr := s.bc.Close(); cerr != nil {
			s.logger.Debug("broadcast close failed", slog.String("error", cerr.Error()))
		}
	}
	if cerr := s.content.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return fmt.Errorf("workspace: teardown: %w", err)
	}
	s.logger.Info("session closed")
	return nil
}

// Flush writes pending changes and the metadata cache now.
func (s *Session) Flush(ctx context.Context) error {
	return s.sched.FlushNow(ctx)
}

// List returns live documents, most recently updated first. Bodies of
// documents never selected are empty.
func (s *Session) List() []models.Document {
	return docstate.Live(s.store.State())
}

// Trash returns tombstoned documents.
func (s *Session) Trash() []models.Document {
	return docstate.Trashed(s.store.State())
}

// Active returns the selected document.
func (s *Session) Active() (models.Document, bool) {
	state := s.store.State()
	if state.ActiveID == "" {
		return models.Document{}, false
	}
	return docstate.Find(state, state.ActiveID)
}

// Get returns the document with its body loaded.
func (s *Session) Get(ctx context.Context, id string) (models.Document, error) {
	if err := s.hydrate(ctx, id); err != nil {
		return models.Document{}, err
	}
	doc, ok := docstate.Find(s.store.State(), id)
	if !ok {
		return models.Document{}, fmt.Errorf("workspace: get %s: %w", id, apperr.ErrNotFound)
	}
	return doc, nil
}

// Create adds a default document and selects it.
func (s *Session) Create(_ context.Context) (models.Document, error) {
	id := uuid.NewString()
	s.sched.MarkHydrated(id)
	state := s.store.Dispatch(docstate.Create{ID: id, Now: s.now()})
	doc, ok := docstate.Find(state, id)
	if !ok {
		return models.Document{}, fmt.Errorf("workspace: create: %w", apperr.ErrConflict)
	}
	return doc, nil
}

// Select makes id the active document, loading its body first.
func (s *Session) Select(ctx context.Context, id string) (models.Document, error) {
	if err := s.hydrate(ctx, id); err != nil {
		return models.Document{}, err
	}
	state := s.store.Dispatch(docstate.Select{ID: id})
	doc, _ := docstate.Find(state, id)
	return doc, nil
}

// UpdateContent replaces the body of a live document. An edit that leaves
// the tree unchanged is dropped.
func (s *Session) UpdateContent(ctx context.Context, id string, content doctree.Value) (models.Document, error) {
	if !doctree.Valid(content) {
		return models.Document{}, fmt.Errorf("workspace: update %s: %w", id, apperr.ErrInvalid)
	}
	if err := s.hydrate(ctx, id); err != nil {
		return models.Document{}, err
	}
	current, _ := docstate.Find(s.store.State(), id)
	if current.Deleted() {
		return models.Document{}, fmt.Errorf("workspace: update %s: document is in trash: %w", id, apperr.ErrConflict)
	}
	if doctree.Equal(current.Content, content) {
		return current, nil
	}
	state := s.store.Dispatch(docstate.UpdateContent{ID: id, Content: content, Now: s.now()})
	doc, _ := docstate.Find(state, id)
	return doc, nil
}

// Delete moves a document to the trash.
func (s *Session) Delete(ctx context.Context, id string) error {
	if err := s.hydrate(ctx, id); err != nil {
		return err
	}
	s.store.Dispatch(docstate.DeleteSoft{ID: id, Now: s.now()})
	return nil
}

// Restore takes a document out of the trash and selects it.
func (s *Session) Restore(ctx context.Context, id string) (models.Document, error) {
	if err := s.hydrate(ctx, id); err != nil {
		return models.Document{}, err
	}
	state := s.store.Dispatch(docstate.Restore{ID: id, Now: s.now()})
	doc, _ := docstate.Find(state, id)
	return doc, nil
}

// Purge removes a document permanently.
func (s *Session) Purge(_ context.Context, id string) error {
	if _, ok := docstate.Find(s.store.State(), id); !ok {
		return fmt.Errorf("workspace: purge %s: %w", id, apperr.ErrNotFound)
	}
	s.store.Dispatch(docstate.Purge{ID: id})
	return nil
}

// Conflicts returns the unresolved conflicts.
func (s *Session) Conflicts() []models.Conflict {
	return s.resolver.List()
}

// ResolveConflict applies choice to the conflict reported for id.
func (s *Session) ResolveConflict(ctx context.Context, id string, choice conflicts.Choice) error {
	if err := s.resolver.Resolve(ctx, id, choice); err != nil {
		return fmt.Errorf("workspace: resolve %s: %w", id, err)
	}
	return nil
}

// RecoveryCandidates returns the documents offered by a pending prompt.
func (s *Session) RecoveryCandidates() []models.RecoveryCandidate {
	return s.recovery.Candidates()
}

// AcceptRecovery loads every stored document.
func (s *Session) AcceptRecovery(ctx context.Context) error {
	return s.recovery.Accept(ctx)
}

// DeclineRecovery starts over with a default document.
func (s *Session) DeclineRecovery(ctx context.Context) error {
	return s.recovery.Decline(ctx)
}

// IsLeader reports whether this session transmits to the authority.
func (s *Session) IsLeader() bool {
	return s.coord != nil && s.coord.IsLeader()
}

// SyncEnabled reports whether the session runs election and delivery.
func (s *Session) SyncEnabled() bool { return s.engine != nil }

// SyncNow runs one delivery cycle when this session is the leader.
func (s *Session) SyncNow(ctx context.Context) error {
	if s.engine == nil {
		return fmt.Errorf("workspace: sync: %w", apperr.ErrUnavailable)
	}
	return s.engine.SyncNow(ctx)
}

// PendingEvents returns the outbox entries not yet acknowledged by the
// authority. The outbox is read from the local store even when sync is off.
func (s *Session) PendingEvents() ([]models.OutboxEvent, error) {
	if s.engine != nil {
		return s.engine.Outbox().Pending()
	}
	return syncer.NewOutbox(s.kv).Pending()
}

// Subscribe registers fn for every state change.
func (s *Session) Subscribe(fn docstate.Listener) (cancel func()) {
	return s.store.Subscribe(fn)
}

// SubscribeLeadership registers fn for leadership transitions.
func (s *Session) SubscribeLeadership(fn func(isLeader bool)) (cancel func()) {
	if s.coord == nil {
		return func() {}
	}
	return s.coord.Subscribe(fn)
}

// SubscribeConflicts registers fn for changes of the conflict list.
func (s *Session) SubscribeConflicts(fn func([]models.Conflict)) (cancel func()) {
	return s.resolver.Subscribe(fn)
}

// OnExternalChange is reserved for propagating writes made by other
// sessions. It never fires.
func (s *Session) OnExternalChange(func()) (cancel func()) {
	return func() {}
}

// hydrate loads the body of id before it is read or changed, so that a
// placeholder is never persisted over the stored record.
func (s *Session) hydrate(ctx context.Context, id string) error {
	if _, ok := docstate.Find(s.store.State(), id); !ok {
		return fmt.Errorf("workspace: %s: %w", id, apperr.ErrNotFound)
	}
	if err := s.recovery.Hydrate(ctx, id); err != nil {
		return fmt.Errorf("workspace: load %s: %w", id, err)
	}
	return nil
}

func (s *Session) now() int64 { return time.Now().UnixMilli() }
