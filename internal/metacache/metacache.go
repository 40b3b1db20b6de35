// Package metacache keeps document metadata as one serialized array under a
// single local-store key so that the document list is available without
// touching the content store.
package metacache

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/starford/scriptorium/internal/checksum"
	"github.com/starford/scriptorium/internal/localstore"
	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/normalize"
)

// Key is the local-store key holding the metadata array.
const Key = "scriptorium:metas:v1"

// DefaultDebounce is the delay applied by Save.
const DefaultDebounce = 120 * time.Millisecond

// Cache reads and writes the metadata array.
type Cache struct {
	kv       localstore.KV
	debounce time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	timer      *time.Timer
	pending    []models.DocumentMeta
	lastDigest string
}

// New creates a Cache over kv. A non-positive debounce uses DefaultDebounce.
func New(kv localstore.KV, debounce time.Duration, logger *slog.Logger) *Cache {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		kv:       kv,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "metacache")),
		now:      time.Now,
	}
}

// Load returns the sanitized entries sorted by updatedAt descending.
// Malformed storage yields an empty list.
func (c *Cache) Load() []models.DocumentMeta {
	raw, ok, err := c.kv.Get(Key)
	if err != nil {
		c.logger.Warn("metadata read failed", slog.String("error", err.Error()))
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		c.logger.Warn("metadata is not an array", slog.String("error", err.Error()))
		return nil
	}

	now := models.Millis(c.now())
	out := make([]models.DocumentMeta, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		res := normalize.MetaJSON(item, now)
		if !res.OK() {
			c.logger.Debug("dropping metadata entry", slog.String("reason", res.Reason))
			continue
		}
		if _, dup := seen[res.Meta.ID]; dup {
			continue
		}
		seen[res.Meta.ID] = struct{}{}
		out = append(out, res.Meta)
	}
	sortByUpdated(out)
	return out
}

// Save schedules a debounced write of metas. Later calls replace the pending
// snapshot.
func (c *Cache) Save(metas []models.DocumentMeta) {
	snapshot := append([]models.DocumentMeta(nil), metas...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = snapshot
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.flushPending)
}

// SaveImmediate cancels any pending write and writes metas synchronously.
func (c *Cache) SaveImmediate(metas []models.DocumentMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = nil
	c.writeLocked(metas)
}

// Flush writes a pending debounced snapshot now, if any.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.pending != nil {
		c.writeLocked(c.pending)
		c.pending = nil
	}
}

func (c *Cache) flushPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if c.pending == nil {
		return
	}
	c.writeLocked(c.pending)
	c.pending = nil
}

func (c *Cache) writeLocked(metas []models.DocumentMeta) {
	sorted := append([]models.DocumentMeta(nil), metas...)
	sortByUpdated(sorted)
	if sorted == nil {
		sorted = []models.DocumentMeta{}
	}

	data, err := json.Marshal(sorted)
	if err != nil {
		c.logger.Error("metadata encode failed", slog.String("error", err.Error()))
		return
	}
	digest := checksum.Sum(data)
	if digest == c.lastDigest {
		return
	}
	if err := c.kv.Set(Key, string(data)); err != nil {
		c.logger.Warn("metadata write failed", slog.String("error", err.Error()))
		return
	}
	c.lastDigest = digest
}

func sortByUpdated(metas []models.DocumentMeta) {
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].UpdatedAt > metas[j].UpdatedAt
	})
}
