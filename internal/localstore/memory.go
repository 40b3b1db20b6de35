package localstore

import "sync"

// Memory is an in-process KV. Sessions sharing one Memory behave like tabs
// sharing one origin.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CompareAndSwap(key, prev, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[key] != prev {
		return false, nil
	}
	m.data[key] = next
	return true, nil
}

// Compile-time check.
var _ KV = (*Memory)(nil)
