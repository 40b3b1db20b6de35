package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/scriptorium/internal/broadcast"
	"github.com/starford/scriptorium/internal/localstore"
	"github.com/starford/scriptorium/internal/models"
)

var fastLease = Config{
	LeaseDuration:     300 * time.Millisecond,
	RenewInterval:     50 * time.Millisecond,
	HeartbeatInterval: 50 * time.Millisecond,
}

func leaders(cs []*Coordinator) int {
	n := 0
	for _, c := range cs {
		if c.IsLeader() {
			n++
		}
	}
	return n
}

// assertSingleLeader samples the group for d and fails if two sessions ever
// lead at once. It returns true if a leader was observed.
func assertSingleLeader(t *testing.T, cs []*Coordinator, d time.Duration) bool {
	t.Helper()
	seen := false
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		n := leaders(cs)
		require.LessOrEqual(t, n, 1)
		if n == 1 {
			seen = true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return seen
}

func TestCoordinator_LockPathSingleLeader(t *testing.T) {
	locker := NewMemLocker()
	kv := localstore.NewMemory()
	hub := broadcast.NewHub()
	defer hub.Close()

	var cs []*Coordinator
	for i := 0; i < 5; i++ {
		c := New(fastLease, locker, kv, hub, nil, WithID(fmt.Sprintf("tab-%d", i)))
		c.Start(context.Background())
		cs = append(cs, c)
	}
	require.Eventually(t, func() bool { return leaders(cs) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, assertSingleLeader(t, cs, 100*time.Millisecond))

	var current *Coordinator
	for _, c := range cs {
		if c.IsLeader() {
			current = c
		}
	}
	current.Stop()
	current.Stop()
	assert.False(t, current.IsLeader())

	require.Eventually(t, func() bool { return leaders(cs) == 1 }, time.Second, 5*time.Millisecond)
	assertSingleLeader(t, cs, 100*time.Millisecond)

	for _, c := range cs {
		c.Stop()
	}
	assert.Equal(t, 0, leaders(cs))
}

func TestCoordinator_LeaseFallbackSingleLeader(t *testing.T) {
	kv := localstore.NewMemory()
	hub := broadcast.NewHub()
	defer hub.Close()

	var cs []*Coordinator
	for i := 0; i < 4; i++ {
		c := New(fastLease, nil, kv, hub, nil, WithID(fmt.Sprintf("tab-%d", i)))
		c.Start(context.Background())
		cs = append(cs, c)
	}
	defer func() {
		for _, c := range cs {
			c.Stop()
		}
	}()

	require.Eventually(t, func() bool { return leaders(cs) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, assertSingleLeader(t, cs, 400*time.Millisecond))

	var current *Coordinator
	for _, c := range cs {
		if c.IsLeader() {
			current = c
		}
	}
	require.NotNil(t, current)
	current.Stop()

	raw, ok, err := kv.Get(LeaseKey)
	require.NoError(t, err)
	require.True(t, ok)
	var l models.Lease
	require.NoError(t, json.Unmarshal([]byte(raw), &l))
	if l.LeaderID == current.ID() {
		assert.EqualValues(t, 0, l.LeaseUntil, "stopped leader expires its own lease")
	}

	require.Eventually(t, func() bool { return leaders(cs) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, current.IsLeader())
}

func TestCoordinator_StepsDownWhenLeaseOverwritten(t *testing.T) {
	kv := localstore.NewMemory()
	c := New(fastLease, nil, kv, nil, nil, WithID("me"))
	c.Start(context.Background())
	defer c.Stop()
	require.Eventually(t, c.IsLeader, time.Second, 5*time.Millisecond)

	foreign := models.Lease{LeaderID: "intruder", LeaseUntil: time.Now().Add(time.Hour).UnixMilli()}
	require.NoError(t, kv.Set(LeaseKey, encodeLease(foreign)))
	require.Eventually(t, func() bool { return !c.IsLeader() }, time.Second, 5*time.Millisecond)
}

type failingLocker struct{ panic bool }

func (f failingLocker) Request(context.Context, string, func(context.Context) error) error {
	if f.panic {
		panic("locks exploded")
	}
	return ErrLocksUnavailable
}

func TestCoordinator_DegradesToLease(t *testing.T) {
	for _, locker := range []Locker{failingLocker{}, failingLocker{panic: true}} {
		kv := localstore.NewMemory()
		c := New(fastLease, locker, kv, nil, nil)
		c.Start(context.Background())
		require.Eventually(t, c.IsLeader, time.Second, 5*time.Millisecond)

		_, ok, _ := kv.Get(LeaseKey)
		assert.True(t, ok)
		c.Stop()
	}
}

func TestCoordinator_SubscribeTransitions(t *testing.T) {
	c := New(fastLease, NewMemLocker(), localstore.NewMemory(), nil, nil)

	var mu sync.Mutex
	var got []bool
	c.Subscribe(func(v bool) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	c.Start(context.Background())
	require.Eventually(t, c.IsLeader, time.Second, 5*time.Millisecond)
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, got)
}

func TestCoordinator_BroadcastsTransitions(t *testing.T) {
	hub := broadcast.NewHub()
	defer hub.Close()

	var mu sync.Mutex
	var leaderIDs []string
	hub.Subscribe(func(m broadcast.Message) {
		if m.Type != broadcast.TypeLeaderChanged {
			return
		}
		mu.Lock()
		leaderIDs = append(leaderIDs, m.Leader)
		mu.Unlock()
	})

	c := New(fastLease, NewMemLocker(), localstore.NewMemory(), hub, nil, WithID("tab-x"))
	c.Start(context.Background())
	require.Eventually(t, c.IsLeader, time.Second, 5*time.Millisecond)
	c.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(leaderIDs) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tab-x", ""}, leaderIDs)
}
