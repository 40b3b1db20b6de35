// Package syncer transmits local changes to the remote authority while this
// session leads and the authority is reachable.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/starford/scriptorium/internal/docstate"
	"github.com/starford/scriptorium/internal/localstore"
	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/remote"
)

// Mode selects the transport.
type Mode string

const (
	ModeEvents   Mode = "events"
	ModeSnapshot Mode = "snapshot"
)

// Defaults.
const (
	DefaultDebounce    = 2 * time.Second
	DefaultTick        = 15 * time.Second
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Config tunes an Engine. Zero values select the defaults.
type Config struct {
	Mode        Mode
	Debounce    time.Duration
	Tick        time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Leadership gates transmission.
type Leadership interface {
	IsLeader() bool
	Subscribe(fn func(isLeader bool)) (cancel func())
}

// Connectivity gates transmission and re-triggers it on reconnect.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) (cancel func())
}

// ConflictSink receives conflicts reported by the authority.
type ConflictSink interface {
	Report(conflicts []models.Conflict)
}

// Engine records local changes and delivers them to the authority.
type Engine struct {
	cfg     Config
	store   *docstate.Store
	client  remote.Client
	outbox  *Outbox
	queue   *SnapshotQueue
	leader  Leadership
	net     Connectivity
	sink    ConflictSink
	logger  *slog.Logger
	now     func() time.Time
	kickCh  chan bool
	cycleMu sync.Mutex

	mu          sync.Mutex
	dirty       mapset.Set[string]
	debounce    *time.Timer
	attempt     int
	retryAt     time.Time
	cycleCancel context.CancelFunc
	unsubs      []func()
	cancel      context.CancelFunc
	done        chan struct{}
	stopped     bool
}

// New creates an Engine. The outbox and snapshot queue live in kv.
func New(cfg Config, store *docstate.Store, client remote.Client, kv localstore.KV, leader Leadership, net Connectivity, sink ConflictSink, logger *slog.Logger) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = ModeEvents
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		client: client,
		outbox: NewOutbox(kv),
		queue:  NewSnapshotQueue(kv),
		leader: leader,
		net:    net,
		sink:   sink,
		logger: logger.With(slog.String("component", "syncer"), slog.String("mode", string(cfg.Mode))),
		now:    time.Now,
		kickCh: make(chan bool, 1),
		dirty:  mapset.NewSet[string](),
	}
}

// Outbox exposes the event log, used to acknowledge adopted versions.
func (e *Engine) Outbox() *Outbox { return e.outbox }

// Queue exposes the snapshot queue.
func (e *Engine) Queue() *SnapshotQueue { return e.queue }

// Start subscribes to the store, connectivity and leadership, and runs the
// delivery loop until Stop or ctx is done. Cycles run on leadership gain,
// reconnect, after the debounce following a change, and on every tick.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil || e.stopped {
		e.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.unsubs = append(e.unsubs,
		e.store.Subscribe(e.onChange),
		e.net.Subscribe(func(online bool) {
			if !online {
				return
			}
			if e.cfg.Mode == ModeSnapshot {
				if err := e.queue.ResetBackoff(); err != nil {
					e.logger.Warn("snapshot queue write failed", slog.String("error", err.Error()))
				}
			}
			e.kick(true)
		}),
		e.leader.Subscribe(func(isLeader bool) {
			if isLeader {
				e.kick(true)
				return
			}
			e.cancelCycle()
		}),
	)
	e.mu.Unlock()

	go e.loop(loopCtx)
}

// Stop cancels the in-flight cycle and every timer. It is idempotent and
// leaves the outbox untouched.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel, done, unsubs := e.cancel, e.done, e.unsubs
	e.unsubs = nil
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	if e.cycleCancel != nil {
		e.cycleCancel()
	}
	e.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

// onChange records mutations. Adoption of a remote or stored state is not a
// local edit and is never sent back.
func (e *Engine) onChange(prev, next docstate.State, action docstate.Action) {
	switch action.(type) {
	case docstate.ApplyServerState, docstate.Init, docstate.Select:
		return
	}

	switch e.cfg.Mode {
	case ModeSnapshot:
		changed := false
		before := make(map[string]string, len(prev.Docs))
		for _, d := range prev.Docs {
			before[d.ID] = d.Signature()
		}
		for _, d := range next.Docs {
			if sig, ok := before[d.ID]; !ok || sig != d.Signature() {
				e.dirty.Add(d.ID)
				changed = true
			}
		}
		if changed {
			e.scheduleDebounce()
		}
	default:
		n, err := e.outbox.AppendChanged(prev, next)
		if err != nil {
			e.logger.Warn("outbox append failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			e.scheduleDebounce()
		}
	}
}

func (e *Engine) scheduleDebounce() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.cfg.Debounce, func() {
		e.mu.Lock()
		e.debounce = nil
		e.mu.Unlock()
		if e.cfg.Mode == ModeSnapshot {
			e.queueDirty()
		}
		e.kick(false)
	})
}

// queueDirty turns the dirty set into one persisted snapshot task.
func (e *Engine) queueDirty() {
	ids := e.dirty.ToSlice()
	e.dirty.RemoveAll(ids...)
	state := e.store.State()
	docs := make([]models.SnapshotDoc, 0, len(ids))
	for _, id := range ids {
		d, ok := docstate.Find(state, id)
		if !ok {
			continue
		}
		docs = append(docs, models.SnapshotDoc{
			ID:        d.ID,
			Title:     d.Title,
			Content:   string(d.Content),
			Version:   d.Version,
			UpdatedAt: d.UpdatedAt,
			DeletedAt: models.CloneMillis(d.DeletedAt),
		})
	}
	if err := e.queue.Push(docs); err != nil {
		e.logger.Warn("snapshot queue write failed", slog.String("error", err.Error()))
	}
}

// kick requests a cycle. force bypasses a pending backoff.
func (e *Engine) kick(force bool) {
	select {
	case e.kickCh <- force:
	default:
		if force {
			// Replace a queued normal kick with a forced one.
			select {
			case <-e.kickCh:
			default:
			}
			select {
			case e.kickCh <- true:
			default:
			}
		}
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		force := false
		select {
		case <-ctx.Done():
			return
		case force = <-e.kickCh:
		case <-ticker.C:
		case <-retry.C:
			force = true
		}

		e.mu.Lock()
		waiting := !force && e.now().Before(e.retryAt)
		e.mu.Unlock()
		if waiting {
			continue
		}

		if delay, failed := e.runCycle(ctx); failed {
			retry.Stop()
			retry.Reset(delay)
		}
	}
}

// SyncNow runs one cycle immediately. It returns nil without sending when
// this session does not lead or is offline.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	if !e.leader.IsLeader() || !e.net.Online() {
		return nil
	}
	_, err := e.cycle(ctx)
	return err
}

func (e *Engine) runCycle(ctx context.Context) (time.Duration, bool) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if !e.leader.IsLeader() || !e.net.Online() {
		return 0, false
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cycleCancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.cycleCancel = nil
		e.mu.Unlock()
	}()

	delay, err := e.cycle(cycleCtx)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.attempt = 0
		e.retryAt = time.Time{}
		return 0, false
	}
	if cycleCtx.Err() != nil {
		e.logger.Debug("sync cycle cancelled")
		return 0, false
	}
	if delay <= 0 {
		e.attempt++
		delay = Backoff(e.attempt, e.cfg.BackoffBase, e.cfg.BackoffMax)
	}
	e.retryAt = e.now().Add(delay)
	e.logger.Warn("sync cycle failed",
		slog.String("error", err.Error()),
		slog.Duration("retry_in", delay))
	return delay, true
}

func (e *Engine) cancelCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cycleCancel != nil {
		e.cycleCancel()
	}
}

// cycle performs one delivery pass. On failure it may return the delay
// before the next attempt.
func (e *Engine) cycle(ctx context.Context) (time.Duration, error) {
	if e.cfg.Mode == ModeSnapshot {
		return e.cycleSnapshots(ctx)
	}
	return 0, e.cycleEvents(ctx)
}

func (e *Engine) cycleEvents(ctx context.Context) error {
	pending, err := e.outbox.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	resp, err := e.client.SendEvents(ctx, pending)
	if err != nil {
		return fmt.Errorf("syncer: send events: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for docID, v := range resp.AckedVersions {
		if err := e.outbox.AckUpTo(docID, v); err != nil {
			return err
		}
	}
	if err := e.outbox.RemoveByIDs(resp.AcceptedIDs); err != nil {
		return err
	}
	if err := e.outbox.Compact(); err != nil {
		return err
	}
	e.logger.Debug("events delivered",
		slog.Int("sent", len(pending)),
		slog.Int("accepted", len(resp.AcceptedIDs)),
		slog.Int("conflicts", len(resp.Conflicts)))
	e.report(resp.Conflicts)
	return nil
}

func (e *Engine) cycleSnapshots(ctx context.Context) (time.Duration, error) {
	for {
		task, ok, err := e.queue.Head()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		if wait := time.UnixMilli(task.NextAt).Sub(e.now()); task.NextAt > 0 && wait > 0 {
			return wait, errors.New("syncer: snapshot task backing off")
		}

		resp, err := e.client.SendSnapshots(ctx, task.Docs)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			delay, qerr := e.queue.Fail(task.ID, e.now(), e.cfg.BackoffBase, e.cfg.BackoffMax)
			if qerr != nil {
				e.logger.Warn("snapshot queue write failed", slog.String("error", qerr.Error()))
			}
			return delay, fmt.Errorf("syncer: send snapshots: %w", err)
		}
		if err := e.queue.Remove(task.ID); err != nil {
			return 0, err
		}
		e.logger.Debug("snapshots delivered",
			slog.Int("docs", len(task.Docs)),
			slog.Int("conflicts", len(resp.Conflicts)))
		e.report(resp.Conflicts)
	}
}

func (e *Engine) report(conflicts []models.Conflict) {
	if len(conflicts) == 0 || e.sink == nil {
		return
	}
	e.sink.Report(conflicts)
}
