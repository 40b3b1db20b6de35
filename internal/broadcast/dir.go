package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// messageTTL bounds how long published files stay on disk.
const messageTTL = time.Minute

// DirChannel is a Channel between processes. Publish drops one JSON file per
// message into a shared directory; an fsnotify watcher picks up files written
// by any process and hands them to local subscribers.
type DirChannel struct {
	dir    string
	hub    *Hub
	logger *slog.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewDirChannel creates dir if needed and starts watching it.
func NewDirChannel(dir string, logger *slog.Logger) (*DirChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("broadcast: mkdir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("broadcast: watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("broadcast: watch %s: %w", dir, err)
	}

	c := &DirChannel{
		dir:     dir,
		hub:     NewHub(),
		logger:  logger.With(slog.String("component", "broadcast")),
		watcher: w,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.watch()
	return c, nil
}

func (c *DirChannel) watch() {
	defer close(c.stopped)
	for {
		select {
		case <-c.stopCh:
			return

		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
				continue
			}
			data, err := os.ReadFile(ev.Name)
			if err != nil {
				// Already swept by another process.
				continue
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Debug("ignoring malformed message", slog.String("file", name))
				continue
			}
			_ = c.hub.Publish(msg)

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// Publish writes msg to the shared directory.
func (c *DirChannel) Publish(msg Message) error {
	if c.closed.Load() {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broadcast: encode: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString())
	tmp, err := os.CreateTemp(c.dir, ".msg-*")
	if err != nil {
		return fmt.Errorf("broadcast: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("broadcast: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("broadcast: close: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(c.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("broadcast: rename: %w", err)
	}

	c.sweep()
	return nil
}

// sweep removes message files older than messageTTL.
func (c *DirChannel) sweep() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-messageTTL)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(c.dir, e.Name()))
		}
	}
}

// Subscribe calls fn for every message seen in the directory.
func (c *DirChannel) Subscribe(fn func(Message)) (cancel func()) {
	return c.hub.Subscribe(fn)
}

// Close stops the watcher and ends every subscription.
func (c *DirChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	err := c.watcher.Close()
	<-c.stopped
	_ = c.hub.Close()
	return err
}

// Compile-time check.
var _ Channel = (*DirChannel)(nil)
