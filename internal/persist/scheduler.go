// Package persist writes reducer changes to the content store and the
// metadata cache.
package persist

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/starford/scriptorium/internal/contentstore"
	"github.com/starford/scriptorium/internal/docstate"
	"github.com/starford/scriptorium/internal/localstore"
	"github.com/starford/scriptorium/internal/metacache"
	"github.com/starford/scriptorium/internal/models"
)

// LastSyncKey is the local-store key recording the last flush time (Unix ms).
const LastSyncKey = "scriptorium:last-sync:v1"

// Defaults.
const (
	DefaultIdleTimeout   = 500 * time.Millisecond
	DefaultBulkThreshold = 10
	DefaultRetention     = 30 * 24 * time.Hour
)

// Config tunes a Scheduler. Zero values select the defaults.
type Config struct {
	IdleTimeout   time.Duration
	BulkThreshold int
	Retention     time.Duration
}

// Scheduler batches state changes into content-store writes.
//
// Only ids in the hydrated set are ever written, so a placeholder record
// never overwrites a stored body.
type Scheduler struct {
	store    *docstate.Store
	content  contentstore.Store
	meta     *metacache.Cache
	kv       localstore.KV
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	hydrated mapset.Set[string]

	mu    sync.Mutex
	queue *Queue
	timer *time.Timer

	flushMu sync.Mutex
	cancel  func()
}

// New creates a Scheduler. Call Start to begin observing the store.
func New(store *docstate.Store, content contentstore.Store, meta *metacache.Cache, kv localstore.KV, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.BulkThreshold <= 0 {
		cfg.BulkThreshold = DefaultBulkThreshold
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		content:  content,
		meta:     meta,
		kv:       kv,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "persist")),
		now:      time.Now,
		hydrated: mapset.NewSet[string](),
		queue:    NewQueue(),
	}
}

// Start subscribes to the store. It is safe to call once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.cancel = s.store.Subscribe(s.onChange)
}

// Stop unsubscribes and cancels a scheduled flush. Pending tasks stay queued
// for FlushNow.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// MarkHydrated records that ids hold real bodies in memory.
func (s *Scheduler) MarkHydrated(ids ...string) {
	for _, id := range ids {
		s.hydrated.Add(id)
	}
}

// IsHydrated reports whether id holds a real body in memory.
func (s *Scheduler) IsHydrated(id string) bool {
	return s.hydrated.Contains(id)
}

// Schedule queues a write of id's current in-memory record. Ids that are not
// hydrated are ignored.
func (s *Scheduler) Schedule(id string) {
	d, ok := docstate.Find(s.store.State(), id)
	if !ok || !s.hydrated.Contains(id) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Enqueue(Task{Meta: d.Meta(), Content: d.Content})
	if s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.IdleTimeout, s.idleFlush)
	}
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) onChange(prev, next docstate.State, _ docstate.Action) {
	tasks := Diff(prev, next)
	if len(tasks) > 0 {
		s.mu.Lock()
		queued := 0
		for _, t := range tasks {
			if !t.Remove && !s.hydrated.Contains(t.Meta.ID) {
				continue
			}
			s.queue.Enqueue(t)
			queued++
		}
		if queued > 0 && s.timer == nil {
			s.timer = time.AfterFunc(s.cfg.IdleTimeout, s.idleFlush)
		}
		s.mu.Unlock()
	}
	s.meta.Save(docstate.Metas(next))
}

func (s *Scheduler) idleFlush() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	_ = s.Flush(context.Background())
}

// Flush writes all queued tasks. Write failures are logged and the tasks are
// dropped; memory stays authoritative until the next change.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	tasks := s.queue.Drain()
	s.mu.Unlock()
	if len(tasks) == 0 {
		return nil
	}

	var puts []models.Document
	var removes []string
	for _, t := range tasks {
		if t.Remove {
			removes = append(removes, t.Meta.ID)
			continue
		}
		puts = append(puts, t.Record())
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if len(puts) > s.cfg.BulkThreshold {
		if err := s.content.PutBulk(ctx, puts); err != nil {
			s.logger.Warn("bulk write failed", slog.Int("count", len(puts)), slog.String("error", err.Error()))
			keep(err)
		}
	} else {
		for _, doc := range puts {
			if err := s.content.Put(ctx, doc); err != nil {
				s.logger.Warn("write failed", slog.String("id", doc.ID), slog.String("error", err.Error()))
				keep(err)
			}
		}
	}
	if len(removes) > 0 {
		if err := s.content.DeleteMany(ctx, removes); err != nil {
			s.logger.Warn("purge write failed", slog.Int("count", len(removes)), slog.String("error", err.Error()))
			keep(err)
		}
	}

	if err := s.kv.Set(LastSyncKey, strconv.FormatInt(models.Millis(s.now()), 10)); err != nil {
		s.logger.Debug("last sync not recorded", slog.String("error", err.Error()))
	}
	s.logger.Debug("flushed", slog.Int("puts", len(puts)), slog.Int("removes", len(removes)))
	return firstErr
}

// FlushNow drains the queue and writes the metadata cache immediately.
// It is the teardown path.
func (s *Scheduler) FlushNow(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	err := s.Flush(ctx)
	s.meta.SaveImmediate(docstate.Metas(s.store.State()))
	return err
}

// LastSync returns the time of the last flush, if any.
func (s *Scheduler) LastSync() (int64, bool) {
	raw, ok, err := s.kv.Get(LastSyncKey)
	if err != nil || !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Sweep purges tombstones older than the retention window from the content
// store and from memory. It returns the ids removed from memory.
func (s *Scheduler) Sweep(ctx context.Context) []string {
	cutoff := models.Millis(s.now().Add(-s.cfg.Retention))

	if ids, err := s.content.PurgeDeletedOlderThan(ctx, cutoff); err != nil {
		s.logger.Warn("purge sweep failed", slog.String("error", err.Error()))
	} else if len(ids) > 0 {
		s.logger.Info("purged expired tombstones", slog.Int("count", len(ids)))
	}

	var expired []string
	for _, d := range docstate.Trashed(s.store.State()) {
		if *d.DeletedAt < cutoff {
			expired = append(expired, d.ID)
		}
	}
	for _, id := range expired {
		s.store.Dispatch(docstate.Purge{ID: id})
	}
	return expired
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Scheduler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Diff returns the tasks needed to move the stored set from prev to next.
// Records are compared by signature; ids missing from next become removals.
func Diff(prev, next docstate.State) []Task {
	before := make(map[string]string, len(prev.Docs))
	for _, d := range prev.Docs {
		before[d.ID] = d.Signature()
	}

	var tasks []Task
	present := make(map[string]struct{}, len(next.Docs))
	for _, d := range next.Docs {
		present[d.ID] = struct{}{}
		if sig, ok := before[d.ID]; ok && sig == d.Signature() {
			continue
		}
		tasks = append(tasks, Task{Meta: d.Meta(), Content: d.Content})
	}
	for _, d := range prev.Docs {
		if _, ok := present[d.ID]; !ok {
			tasks = append(tasks, Task{Meta: d.Meta(), Remove: true})
		}
	}
	return tasks
}
