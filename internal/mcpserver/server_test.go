package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/scriptorium/internal/testutil"
	"github.com/starford/scriptorium/internal/workspace"
)

func testServer(t *testing.T) (*Server, *workspace.Session) {
	t.Helper()

	ws := testutil.TestSession(t)
	return New(ws, "test"), ws
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" helper, so the handlers are invoked
	// directly.
	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"list_documents":      srv.listDocuments,
		"read_document":       srv.readDocument,
		"create_document":     srv.createDocument,
		"update_document":     srv.updateDocument,
		"delete_document":     srv.deleteDocument,
		"restore_document":    srv.restoreDocument,
		"list_conflicts":      srv.listConflicts,
		"resolve_conflict":    srv.resolveConflict,
		"storage_health":      srv.storageHealth,
		"get_document_format": srv.getDocumentFormat,
	}
	handler, ok := handlers[name]
	if !ok {
		t.Fatalf("unknown tool: %s", name)
	}

	result, err := handler(ctx, req)
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestCreateAndReadDocument(t *testing.T) {
	srv, ws := testServer(t)

	r := callTool(t, srv, "create_document", map[string]interface{}{
		"markdown": "# Test\nHello",
	})
	if !strings.HasPrefix(resultText(r), "created: ") {
		t.Fatalf("create result = %q", resultText(r))
	}
	active, _ := ws.Active()

	r = callTool(t, srv, "read_document", map[string]interface{}{"id": active.ID})
	if text := resultText(r); text != "# Test\n\nHello\n" {
		t.Errorf("read result = %q", text)
	}

	r = callTool(t, srv, "read_document", map[string]interface{}{"id": active.ID, "format": "json"})
	var doc struct {
		Title   string `json:"title"`
		Version int64  `json:"version"`
	}
	if err := json.Unmarshal([]byte(resultText(r)), &doc); err != nil {
		t.Fatalf("json read: %v", err)
	}
	if doc.Title != "Test" || doc.Version != 2 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestUpdateDeleteRestore(t *testing.T) {
	srv, ws := testServer(t)
	active, _ := ws.Active()

	r := callTool(t, srv, "update_document", map[string]interface{}{
		"id":      active.ID,
		"content": `[{"type":"p","children":[{"text":"replaced"}]}]`,
	})
	if r.IsError {
		t.Fatalf("update failed: %s", resultText(r))
	}

	r = callTool(t, srv, "update_document", map[string]interface{}{"id": active.ID})
	if !r.IsError {
		t.Error("expected error without a body")
	}

	r = callTool(t, srv, "delete_document", map[string]interface{}{"id": active.ID})
	if r.IsError {
		t.Fatalf("delete failed: %s", resultText(r))
	}
	r = callTool(t, srv, "list_documents", map[string]interface{}{})
	if strings.Contains(resultText(r), active.ID) {
		t.Error("trashed document listed without include_trash")
	}
	r = callTool(t, srv, "list_documents", map[string]interface{}{"include_trash": true})
	if !strings.Contains(resultText(r), active.ID) {
		t.Error("trashed document missing with include_trash")
	}

	r = callTool(t, srv, "restore_document", map[string]interface{}{"id": active.ID})
	if r.IsError {
		t.Fatalf("restore failed: %s", resultText(r))
	}
}

func TestReadDocumentMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_document", map[string]interface{}{"id": "nope"})
	if !r.IsError {
		t.Error("expected error for missing document")
	}
}

func TestConflictsAndHealth(t *testing.T) {
	srv, _ := testServer(t)

	if text := resultText(callTool(t, srv, "list_conflicts", nil)); text != "no conflicts" {
		t.Errorf("list_conflicts = %q", text)
	}
	r := callTool(t, srv, "resolve_conflict", map[string]interface{}{"id": "x", "choice": "both"})
	if !r.IsError {
		t.Error("expected error for invalid choice")
	}
	r = callTool(t, srv, "resolve_conflict", map[string]interface{}{"id": "x", "choice": "remote"})
	if !r.IsError {
		t.Error("expected error for unknown conflict")
	}

	var h workspace.Health
	if err := json.Unmarshal([]byte(resultText(callTool(t, srv, "storage_health", nil))), &h); err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Timestamp == 0 {
		t.Error("health timestamp missing")
	}

	if !strings.Contains(resultText(callTool(t, srv, "get_document_format", nil)), "JSON array") {
		t.Error("format contract missing")
	}
}
