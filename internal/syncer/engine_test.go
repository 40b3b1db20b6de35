package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/scriptorium/internal/docstate"
	"github.com/starford/scriptorium/internal/doctree"
	"github.com/starford/scriptorium/internal/localstore"
	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/netstatus"
	"github.com/starford/scriptorium/internal/remote"
)

type staticLeader struct{ leader bool }

func (s staticLeader) IsLeader() bool                     { return s.leader }
func (staticLeader) Subscribe(func(bool)) (cancel func()) { return func() {} }

// fakeClient acknowledges everything it receives unless told otherwise.
type fakeClient struct {
	mu        sync.Mutex
	events    [][]models.OutboxEvent
	snapshots [][]models.SnapshotDoc
	fail      error
	conflicts []models.Conflict
	block     bool
}

func (f *fakeClient) SendEvents(ctx context.Context, events []models.OutboxEvent) (remote.EventsResponse, error) {
	f.mu.Lock()
	f.events = append(f.events, events)
	fail, block, conflicts := f.fail, f.block, f.conflicts
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return remote.EventsResponse{}, ctx.Err()
	}
	if fail != nil {
		return remote.EventsResponse{}, fail
	}
	resp := remote.EventsResponse{Success: true, AckedVersions: map[string]int64{}, Conflicts: conflicts}
	conflicted := map[string]int64{}
	for _, c := range conflicts {
		conflicted[c.ID] = c.ServerVersion
	}
	for _, ev := range events {
		if v, ok := conflicted[ev.DocID]; ok {
			resp.AckedVersions[ev.DocID] = v
			continue
		}
		resp.AcceptedIDs = append(resp.AcceptedIDs, ev.ID)
		if ev.Version > resp.AckedVersions[ev.DocID] {
			resp.AckedVersions[ev.DocID] = ev.Version
		}
	}
	return resp, nil
}

func (f *fakeClient) SendSnapshots(_ context.Context, docs []models.SnapshotDoc) (remote.SyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, docs)
	if f.fail != nil {
		return remote.SyncResponse{}, f.fail
	}
	resp := remote.SyncResponse{Success: true}
	for _, d := range docs {
		resp.Synced = append(resp.Synced, d.ID)
	}
	return resp, nil
}

func (f *fakeClient) Health(context.Context) error { return nil }

func (f *fakeClient) sentEvents() [][]models.OutboxEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.OutboxEvent(nil), f.events...)
}

type sinkFunc func([]models.Conflict)

func (f sinkFunc) Report(c []models.Conflict) { f(c) }

type harness struct {
	store  *docstate.Store
	kv     *localstore.Memory
	client *fakeClient
	net    *netstatus.Monitor
	engine *Engine
}

func newHarness(t *testing.T, cfg Config, leader bool, sink ConflictSink) *harness {
	t.Helper()
	h := &harness{
		store:  docstate.NewStore(docstate.State{}),
		kv:     localstore.NewMemory(),
		client: &fakeClient{},
		net:    netstatus.New(nil, 0, nil),
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = time.Hour
	}
	if cfg.Tick == 0 {
		cfg.Tick = time.Hour
	}
	h.engine = New(cfg, h.store, h.client, h.kv, staticLeader{leader: leader}, h.net, sink, nil)
	h.engine.Start(context.Background())
	t.Cleanup(h.engine.Stop)
	return h
}

func text(s string) doctree.Value {
	b, _ := json.Marshal([]doctree.Node{{Type: "p", Children: []doctree.Node{{Text: &s}}}})
	return b
}

func TestOutbox_AppendChangedKinds(t *testing.T) {
	o := NewOutbox(localstore.NewMemory())
	s0 := docstate.State{}
	s1 := docstate.Reduce(s0, docstate.Create{ID: "d1", Now: 1})
	s2 := docstate.Reduce(s1, docstate.UpdateContent{ID: "d1", Content: text("hi"), Now: 2})
	s3 := docstate.Reduce(s2, docstate.DeleteSoft{ID: "d1", Now: 3})
	s4 := docstate.Reduce(s3, docstate.Restore{ID: "d1", Now: 4})

	for _, pair := range [][2]docstate.State{{s0, s1}, {s1, s2}, {s2, s3}, {s3, s4}} {
		n, err := o.AppendChanged(pair[0], pair[1])
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	n, err := o.AppendChanged(s3, s4)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "same idempotency key is not appended twice")

	events, err := o.Events()
	require.NoError(t, err)
	kinds := make([]models.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []models.EventKind{models.EventCreate, models.EventUpdate, models.EventDelete, models.EventUpdate}, kinds)
	assert.Equal(t, "d1:2:2", events[1].IdempotencyKey)
	assert.Empty(t, events[2].Content)
	assert.NotEmpty(t, events[1].Content)
}

func TestOutbox_WatermarkAndCompaction(t *testing.T) {
	o := NewOutbox(localstore.NewMemory())
	s1 := docstate.Reduce(docstate.State{}, docstate.Create{ID: "b", Now: 1})
	s1 = docstate.Reduce(s1, docstate.Create{ID: "a", Now: 1})
	_, err := o.AppendChanged(docstate.State{}, s1)
	require.NoError(t, err)
	s2 := docstate.Reduce(s1, docstate.UpdateContent{ID: "a", Content: text("x"), Now: 2})
	_, err = o.AppendChanged(s1, s2)
	require.NoError(t, err)

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "a", pending[0].DocID)
	assert.EqualValues(t, 1, pending[0].Version)
	assert.EqualValues(t, 2, pending[1].Version)
	assert.Equal(t, "b", pending[2].DocID)

	require.NoError(t, o.AckUpTo("a", 2))
	require.NoError(t, o.AckUpTo("a", 1))
	acks, _ := o.Acks()
	assert.EqualValues(t, 2, acks["a"], "watermark never decreases")

	pending, _ = o.Pending()
	assert.Len(t, pending, 1)
	require.NoError(t, o.Compact())
	events, _ := o.Events()
	assert.Len(t, events, 1)

	s3 := docstate.Reduce(s2, docstate.ApplyServerState{ID: "a", Server: docstate.ServerState{Content: text("y"), Version: 2, UpdatedAt: 9}})
	n, _ := o.AppendChanged(s2, s3)
	assert.Equal(t, 0, n, "versions at or below the watermark are skipped")
}

func TestEngine_DeliversAndRetires(t *testing.T) {
	h := newHarness(t, Config{}, true, nil)
	h.store.Dispatch(docstate.Create{ID: "d1", Now: 1})
	h.store.Dispatch(docstate.UpdateContent{ID: "d1", Content: text("a"), Now: 2})

	require.NoError(t, h.engine.SyncNow(context.Background()))
	sent := h.client.sentEvents()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	require.Len(t, last, 2)

	events, err := h.engine.Outbox().Events()
	require.NoError(t, err)
	assert.Empty(t, events)
	acks, _ := h.engine.Outbox().Acks()
	assert.EqualValues(t, 2, acks["d1"])
}

func TestEngine_AdoptionIsNotSent(t *testing.T) {
	h := newHarness(t, Config{}, true, nil)
	h.store.Dispatch(docstate.Init{Docs: []models.Document{{ID: "d1", Version: 3, UpdatedAt: 1, Content: doctree.Empty()}}})
	h.store.Dispatch(docstate.ApplyServerState{ID: "d1", Server: docstate.ServerState{Content: text("r"), Version: 5, UpdatedAt: 2}})

	pending, err := h.engine.Outbox().Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngine_GatedByLeadershipAndConnectivity(t *testing.T) {
	follower := newHarness(t, Config{}, false, nil)
	follower.store.Dispatch(docstate.Create{ID: "d1", Now: 1})
	require.NoError(t, follower.engine.SyncNow(context.Background()))
	assert.Empty(t, follower.client.sentEvents())
	pending, _ := follower.engine.Outbox().Pending()
	assert.Len(t, pending, 1, "followers still record their edits")

	offline := newHarness(t, Config{}, true, nil)
	offline.net.Set(false)
	offline.store.Dispatch(docstate.Create{ID: "d1", Now: 1})
	require.NoError(t, offline.engine.SyncNow(context.Background()))
	assert.Empty(t, offline.client.sentEvents())
}

func TestEngine_OnlineTransitionTriggersCycle(t *testing.T) {
	h := newHarness(t, Config{}, true, nil)
	h.net.Set(false)
	h.store.Dispatch(docstate.Create{ID: "d1", Now: 1})

	h.net.Set(true)
	require.Eventually(t, func() bool { return len(h.client.sentEvents()) > 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_FailureKeepsOutbox(t *testing.T) {
	h := newHarness(t, Config{}, true, nil)
	h.client.fail = errors.New("boom")
	h.store.Dispatch(docstate.Create{ID: "d1", Now: 1})

	assert.Error(t, h.engine.SyncNow(context.Background()))
	pending, _ := h.engine.Outbox().Pending()
	assert.Len(t, pending, 1)
}

func TestEngine_CancelledCycleLeavesOutbox(t *testing.T) {
	h := newHarness(t, Config{}, true, nil)
	h.client.block = true
	h.store.Dispatch(docstate.Create{ID: "d1", Now: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, h.engine.SyncNow(ctx))

	pending, _ := h.engine.Outbox().Pending()
	assert.Len(t, pending, 1)
	acks, _ := h.engine.Outbox().Acks()
	assert.Empty(t, acks)
}

func TestEngine_ConflictForceLocalSendsBumpedVersion(t *testing.T) {
	var reported []models.Conflict
	h := newHarness(t, Config{}, true, sinkFunc(func(c []models.Conflict) { reported = append(reported, c...) }))
	h.store.Dispatch(docstate.Init{Docs: []models.Document{{ID: "d1", Version: 2, UpdatedAt: 1, Content: doctree.Empty()}}})
	h.store.Dispatch(docstate.UpdateContent{ID: "d1", Content: text("local"), Now: 2})

	h.client.conflicts = []models.Conflict{{ID: "d1", ClientVersion: 3, ServerVersion: 5, ServerContent: `[]`, ServerUpdatedAt: 3}}
	require.NoError(t, h.engine.SyncNow(context.Background()))
	require.Len(t, reported, 1)
	pending, _ := h.engine.Outbox().Pending()
	assert.Empty(t, pending, "the conflicted event is covered by the server watermark")

	h.client.conflicts = nil
	h.store.Dispatch(docstate.BumpVersion{ID: "d1", ToVersion: reported[0].ServerVersion + 1, Now: 4})
	require.NoError(t, h.engine.SyncNow(context.Background()))

	sent := h.client.sentEvents()
	last := sent[len(sent)-1]
	require.Len(t, last, 1)
	assert.Equal(t, "d1", last[0].DocID)
	assert.EqualValues(t, 6, last[0].Version)
}

func TestEngine_SnapshotMode(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeSnapshot, Debounce: 5 * time.Millisecond, BackoffBase: time.Second}, true, nil)
	h.client.fail = errors.New("down")
	h.store.Dispatch(docstate.Create{ID: "d1", Now: 1})

	require.Eventually(t, func() bool {
		tasks, _ := h.engine.Queue().Tasks()
		return len(tasks) == 1 && tasks[0].Attempt >= 1
	}, time.Second, 5*time.Millisecond)

	tasks, _ := h.engine.Queue().Tasks()
	assert.Greater(t, tasks[0].NextAt, int64(0))
	require.Len(t, tasks[0].Docs, 1)
	assert.Equal(t, "d1", tasks[0].Docs[0].ID)

	h.client.mu.Lock()
	h.client.fail = nil
	h.client.mu.Unlock()
	require.NoError(t, h.engine.Queue().ResetBackoff())
	require.NoError(t, h.engine.SyncNow(context.Background()))
	tasks, _ = h.engine.Queue().Tasks()
	assert.Empty(t, tasks)
}

func TestEngine_QueueDirtyKeepsConcurrentMarks(t *testing.T) {
	store := docstate.NewStore(docstate.State{})
	e := New(Config{Mode: ModeSnapshot}, store, &fakeClient{}, localstore.NewMemory(), staticLeader{leader: true}, netstatus.New(nil, 0, nil), nil, nil)
	const n = 200
	for i := 0; i < n; i++ {
		store.Dispatch(docstate.Create{ID: fmt.Sprintf("d%d", i), Now: int64(i + 1)})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			e.dirty.Add(fmt.Sprintf("d%d", i))
		}
	}()
	for i := 0; i < 50; i++ {
		e.queueDirty()
	}
	wg.Wait()
	e.queueDirty()

	tasks, err := e.Queue().Tasks()
	require.NoError(t, err)
	queued := mapset.NewSet[string]()
	for _, task := range tasks {
		for _, d := range task.Docs {
			queued.Add(d.ID)
		}
	}
	assert.Equal(t, n, queued.Cardinality())
	assert.Zero(t, e.dirty.Cardinality())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(0, time.Second, 5*time.Minute))
	assert.Equal(t, time.Second, Backoff(1, time.Second, 5*time.Minute))
	assert.Equal(t, 4*time.Second, Backoff(3, time.Second, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, Backoff(20, time.Second, 5*time.Minute))
}
