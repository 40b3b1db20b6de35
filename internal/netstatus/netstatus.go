// Package netstatus tracks whether the remote authority is reachable.
package netstatus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks connectivity. A nil error means online.
type Probe func(ctx context.Context) error

// DefaultInterval is the probe period.
const DefaultInterval = 5 * time.Second

// Monitor reports online/offline transitions. It starts online.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextSub   int
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Monitor. A nil probe leaves the state under manual control
// through Set.
func New(probe Probe, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		probe:     probe,
		interval:  interval,
		logger:    logger.With(slog.String("component", "netstatus")),
		online:    true,
		listeners: make(map[int]func(bool)),
	}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for transitions.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Set records a state and notifies listeners when it changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", slog.Bool("online", online))
	for _, fn := range listeners {
		fn(online)
	}
}

// Start probes every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(runCtx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("probe failed", slog.String("error", err.Error()))
	}
	m.Set(err == nil)
}

// Stop ends probing. It is idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
