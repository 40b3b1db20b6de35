package contentstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/starford/scriptorium/internal/apperr"
)

// Memory is a non-durable Store used in tests and when SQLite is unavailable.
type Memory struct {
	mu      sync.RWMutex
	docs    map[string]Document
	durable bool
}

// NewMemory returns an empty Memory store that reports itself available.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document), durable: true}
}

func newFallback() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

func (m *Memory) Available() bool { return m.durable }

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(_ context.Context, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("contentstore: get %s: %w", id, apperr.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (m *Memory) Put(_ context.Context, doc Document) error {
	m.mu.Lock()
	m.docs[doc.ID] = doc.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutBulk(_ context.Context, docs []Document) error {
	m.mu.Lock()
	for _, doc := range docs {
		m.docs[doc.ID] = doc.Clone()
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) All(_ context.Context) ([]Document, error) {
	m.mu.RLock()
	out := make([]Document, 0, len(m.docs))
	for _, doc := range m.docs {
		out = append(out, doc.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.docs, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteMany(_ context.Context, ids []string) error {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.docs, id)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) PurgeDeletedOlderThan(_ context.Context, cutoff int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, doc := range m.docs {
		if doc.DeletedAt != nil && *doc.DeletedAt < cutoff {
			ids = append(ids, id)
			delete(m.docs, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Verify *Memory satisfies Store at compile time.
var _ Store = (*Memory)(nil)
