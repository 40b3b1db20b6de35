package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/testutil"
	"github.com/starford/scriptorium/internal/workspace"
)

// testEnv boots an in-memory session and builds the router over it.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*workspace.Session, http.Handler) {
	t.Helper()

	ws := testutil.TestSession(t)

	router := NewRouter(ws, authToken != "", authToken, nil)
	return ws, router
}

func do(t *testing.T, router http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	var req *http.Request
	if reader != nil {
		req = httptest.NewRequest(method, path, reader)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetDocument(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/documents", map[string]string{"markdown": "# Hello\nWorld"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created DocumentDetail
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.Title != "Hello" {
		t.Errorf("title = %q, want Hello", created.Title)
	}

	w = do(t, router, http.MethodGet, "/documents/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got DocumentDetail
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID != created.ID || got.Version != created.Version {
		t.Errorf("got %s v%d, want %s v%d", got.ID, got.Version, created.ID, created.Version)
	}

	w = do(t, router, http.MethodGet, "/documents", nil)
	var list DocumentListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Total != 2 {
		t.Errorf("total = %d, want 2", list.Total)
	}
	if list.ActiveID != created.ID {
		t.Errorf("active = %q, want %q", list.ActiveID, created.ID)
	}
}

func TestCreateWithoutBody(t *testing.T) {
	_, router := testEnv(t, "")
	w := do(t, router, http.MethodPost, "/documents", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/documents", nil)
	var created DocumentDetail
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	content := json.RawMessage(`[{"type":"p","children":[{"text":"v2"}]}]`)
	version := strconv.FormatInt(created.Version, 10)
	w = do(t, router, http.MethodPut, "/documents/"+created.ID, WriteDocumentRequest{Content: content}, "If-Match", version)
	if w.Code != http.StatusOK {
		t.Fatalf("update with current version = %d, body = %s", w.Code, w.Body.String())
	}
	var updated DocumentDetail
	_ = json.Unmarshal(w.Body.Bytes(), &updated)
	if updated.Version != created.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, created.Version+1)
	}

	// Stale version → 409.
	w = do(t, router, http.MethodPut, "/documents/"+created.ID, WriteDocumentRequest{Content: content}, "If-Match", version)
	if w.Code != http.StatusConflict {
		t.Errorf("update with stale version = %d, want 409", w.Code)
	}

	// Invalid tree → 400.
	w = do(t, router, http.MethodPut, "/documents/"+created.ID, WriteDocumentRequest{Content: json.RawMessage(`{"a":1}`)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("update with invalid content = %d, want 400", w.Code)
	}
}

func TestTrashRestorePurge(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/documents", nil)
	var created DocumentDetail
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	if w = do(t, router, http.MethodDelete, "/documents/"+created.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/trash", nil)
	var trash DocumentListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &trash)
	if trash.Total != 1 || trash.Documents[0].DeletedAt == nil {
		t.Fatalf("trash = %+v", trash)
	}

	if w = do(t, router, http.MethodPost, "/documents/"+created.ID+"/restore", nil); w.Code != http.StatusOK {
		t.Fatalf("restore = %d", w.Code)
	}
	if w = do(t, router, http.MethodDelete, "/documents/"+created.ID+"/purge", nil); w.Code != http.StatusNoContent {
		t.Fatalf("purge = %d", w.Code)
	}
	if w = do(t, router, http.MethodGet, "/documents/"+created.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after purge = %d, want 404", w.Code)
	}
	if w = do(t, router, http.MethodPost, "/documents/"+created.ID+"/select", nil); w.Code != http.StatusNotFound {
		t.Errorf("select after purge = %d, want 404", w.Code)
	}
}

func TestConflictsAndRecoveryEndpoints(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/conflicts", nil)
	var list ConflictListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if w.Code != http.StatusOK || list.Conflicts == nil || len(list.Conflicts) != 0 {
		t.Errorf("conflicts = %d %s", w.Code, w.Body.String())
	}

	if w = do(t, router, http.MethodPost, "/conflicts/x/resolve", map[string]string{"choice": "both"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad choice = %d, want 400", w.Code)
	}
	if w = do(t, router, http.MethodPost, "/conflicts/x/resolve", map[string]string{"choice": "remote"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown conflict = %d, want 404", w.Code)
	}

	w = do(t, router, http.MethodGet, "/recovery", nil)
	var rec RecoveryResponse
	_ = json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Pending {
		t.Error("recovery pending on a fresh session")
	}
	if w = do(t, router, http.MethodPost, "/recovery/accept", nil); w.Code != http.StatusConflict {
		t.Errorf("accept without prompt = %d, want 409", w.Code)
	}
}

func TestHealthAndSync(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	var h workspace.Health
	_ = json.Unmarshal(w.Body.Bytes(), &h)
	if h.Timestamp == 0 || !h.ContentStore.Available {
		t.Errorf("health = %+v", h)
	}

	if w = do(t, router, http.MethodPost, "/sync", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("sync while disabled = %d, want 503", w.Code)
	}
}

func TestAuthTokenMode(t *testing.T) {
	_, router := testEnv(t, "secret")

	if w := do(t, router, http.MethodGet, "/documents", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/documents", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/documents", nil, "Authorization", "Bearer secret"); w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/documents?access_token=secret", nil); w.Code != http.StatusOK {
		t.Errorf("query token = %d, want 200", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/documents?access_token=secret", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("query token on POST = %d, want 401", w.Code)
	}
}

func TestListItemsCopyTombstones(t *testing.T) {
	deleted := time.Now().UnixMilli()
	items := listItems([]models.Document{{ID: "a", DeletedAt: &deleted}})
	deleted++
	if *items[0].DeletedAt == deleted {
		t.Error("list item shares the tombstone pointer")
	}
}
