package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/remote"
)

func event(doc string, kind models.EventKind, version, updated int64) models.OutboxEvent {
	return models.OutboxEvent{
		ID:             doc + "-ev-" + string(rune('0'+version)),
		DocID:          doc,
		Kind:           kind,
		Version:        version,
		UpdatedAt:      updated,
		Title:          "T",
		Content:        `[{"type":"p","children":[{"text":"v"}]}]`,
		IdempotencyKey: models.IdempotencyKey(doc, version, updated),
	}
}

func TestApplyEvents_AcceptsNewerVersions(t *testing.T) {
	s := NewStore()
	res := s.ApplyEvents([]models.OutboxEvent{
		event("a", models.EventCreate, 1, 100),
		event("a", models.EventUpdate, 2, 200),
	})
	assert.Equal(t, int64(2), res.AckedVersions["a"])
	assert.Len(t, res.AcceptedIDs, 2)
	assert.Empty(t, res.Conflicts)

	rec, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, int64(200), rec.UpdatedAt)
}

func TestApplyEvents_ReplayIsIdempotent(t *testing.T) {
	s := NewStore()
	ev := event("a", models.EventCreate, 1, 100)
	s.ApplyEvents([]models.OutboxEvent{ev})
	s.ApplyEvents([]models.OutboxEvent{event("a", models.EventUpdate, 2, 200)})

	res := s.ApplyEvents([]models.OutboxEvent{ev})
	assert.Equal(t, []string{ev.ID}, res.AcceptedIDs)
	assert.Equal(t, int64(2), res.AckedVersions["a"])
	assert.Empty(t, res.Conflicts)

	rec, _ := s.Get("a")
	assert.Equal(t, int64(2), rec.Version)
}

func TestApplyEvents_EqualVersionWithNewKeyConflicts(t *testing.T) {
	s := NewStore()
	a := event("d1", models.EventCreate, 3, 100)
	a.Content = `[{"type":"p","children":[{"text":"A"}]}]`
	s.ApplyEvents([]models.OutboxEvent{a})

	b := event("d1", models.EventUpdate, 3, 200)
	b.ID = "d1-ev-other"
	b.Content = `[{"type":"p","children":[{"text":"B"}]}]`
	res := s.ApplyEvents([]models.OutboxEvent{b})
	assert.Empty(t, res.AcceptedIDs)
	assert.Equal(t, int64(3), res.AckedVersions["d1"])
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, int64(3), res.Conflicts[0].ClientVersion)
	assert.Equal(t, int64(3), res.Conflicts[0].ServerVersion)

	rec, _ := s.Get("d1")
	assert.Equal(t, int64(100), rec.UpdatedAt)
	assert.Equal(t, a.Content, rec.Content)
}

func TestApplyEvents_LowerVersionConflicts(t *testing.T) {
	s := NewStore()
	s.ApplyEvents([]models.OutboxEvent{event("a", models.EventCreate, 5, 500)})

	res := s.ApplyEvents([]models.OutboxEvent{event("a", models.EventUpdate, 4, 600)})
	assert.Empty(t, res.AcceptedIDs)
	assert.Equal(t, int64(5), res.AckedVersions["a"])
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, "a", c.ID)
	assert.Equal(t, int64(4), c.ClientVersion)
	assert.Equal(t, int64(5), c.ServerVersion)
	assert.Equal(t, int64(500), c.ServerUpdatedAt)
	assert.Equal(t, "T", c.ServerTitle)
}

func TestApplyEvents_DeleteKeepsBody(t *testing.T) {
	s := NewStore()
	s.ApplyEvents([]models.OutboxEvent{event("a", models.EventCreate, 1, 100)})

	del := event("a", models.EventDelete, 2, 200)
	del.Content = ""
	del.Title = ""
	s.ApplyEvents([]models.OutboxEvent{del})

	rec, _ := s.Get("a")
	require.NotNil(t, rec.DeletedAt)
	assert.Equal(t, int64(200), *rec.DeletedAt)
	assert.Equal(t, "T", rec.Title)
	assert.NotEmpty(t, rec.Content)
}

func TestApplySnapshots(t *testing.T) {
	s := NewStore()
	res := s.ApplySnapshots([]models.SnapshotDoc{{ID: "a", Version: 2, UpdatedAt: 10}})
	assert.Equal(t, []string{"a"}, res.Synced)

	res = s.ApplySnapshots([]models.SnapshotDoc{{ID: "a", Version: 2, UpdatedAt: 20}, {ID: "b", Version: 1}})
	assert.Equal(t, []string{"b"}, res.Synced)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, int64(2), res.Conflicts[0].ServerVersion)
}

func TestServer_EndToEndWithClient(t *testing.T) {
	store := NewStore()
	ts := httptest.NewServer(NewServer(store, "secret", nil).Router())
	defer ts.Close()
	ctx := context.Background()

	client := remote.NewHTTPClient(ts.URL, "secret", ts.Client())
	require.NoError(t, client.Health(ctx))

	resp, err := client.SendEvents(ctx, []models.OutboxEvent{event("a", models.EventCreate, 1, 100)})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(1), resp.AckedVersions["a"])

	sync, err := client.SendSnapshots(ctx, []models.SnapshotDoc{{ID: "a", Version: 1}})
	require.NoError(t, err)
	require.Len(t, sync.Conflicts, 1)

	bad := remote.NewHTTPClient(ts.URL, "wrong", ts.Client())
	_, err = bad.SendEvents(ctx, []models.OutboxEvent{event("a", models.EventUpdate, 2, 200)})
	var httpErr *remote.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}

func TestServer_RejectsInvalidEvents(t *testing.T) {
	ts := httptest.NewServer(NewServer(NewStore(), "", nil).Router())
	defer ts.Close()

	body, _ := json.Marshal(remote.EventsRequest{Events: []models.OutboxEvent{{ID: "x", DocID: "a", Kind: "rename", Version: 1, IdempotencyKey: "k"}}})
	resp, err := ts.Client().Post(ts.URL+remote.EventsPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "invalid_request", payload["code"])
}
