package leader

import (
	"context"
	"errors"
	"sync"
)

// ErrLocksUnavailable is returned by lockers that cannot run on this platform.
var ErrLocksUnavailable = errors.New("leader: exclusive locks unavailable")

// Locker grants named exclusive locks.
//
// Request blocks until the lock for name is held or ctx is done, then runs fn
// and releases the lock when fn returns. A holder that dies loses the lock
// automatically.
type Locker interface {
	Request(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// MemLocker grants locks between goroutines of one process.
type MemLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewMemLocker returns an empty MemLocker.
func NewMemLocker() *MemLocker {
	return &MemLocker{locks: make(map[string]chan struct{})}
}

func (m *MemLocker) sem(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[name] = ch
	}
	return ch
}

func (m *MemLocker) Request(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	sem := m.sem(name)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()
	return fn(ctx)
}

// Compile-time check.
var _ Locker = (*MemLocker)(nil)
