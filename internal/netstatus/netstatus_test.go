package netstatus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_SetNotifiesOnChange(t *testing.T) {
	m := New(nil, 0, nil)
	assert.True(t, m.Online())

	var got []bool
	cancel := m.Subscribe(func(v bool) { got = append(got, v) })
	m.Set(true)
	m.Set(false)
	m.Set(false)
	m.Set(true)
	cancel()
	m.Set(false)

	assert.Equal(t, []bool{false, true}, got)
	assert.False(t, m.Online())
}

func TestMonitor_Probe(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	m := New(func(context.Context) error {
		if fail.Load() {
			return errors.New("unreachable")
		}
		return nil
	}, 10*time.Millisecond, nil)

	var mu sync.Mutex
	var got []bool
	m.Subscribe(func(v bool) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	m.Start(context.Background())
	defer m.Stop()
	require.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)

	fail.Store(false)
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, got)
}
