// Package testutil provides shared test helpers for booting document sessions.
package testutil

import (
	"context"
	"testing"

	"github.com/starford/scriptorium/internal/workspace"
)

// TestSession opens and boots an in-memory session that is torn down when
// the test ends.
func TestSession(t *testing.T, opts ...workspace.Option) *workspace.Session {
	t.Helper()
	return TestSessionWithConfig(t, workspace.Config{}, opts...)
}

// TestSessionWithConfig is TestSession with explicit settings. Set
// cfg.DataDir to t.TempDir() for an on-disk session.
func TestSessionWithConfig(t *testing.T, cfg workspace.Config, opts ...workspace.Option) *workspace.Session {
	t.Helper()
	ws, err := workspace.Open(cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Teardown(context.Background()) })

	if _, err := ws.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}
	return ws
}
