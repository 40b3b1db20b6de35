// Package remote speaks to the remote authority that arbitrates document
// versions.
package remote

import (
	"context"
	"fmt"

	"github.com/starford/scriptorium/internal/models"
)

// Endpoint paths.
const (
	EventsPath = "/documents/events"
	SyncPath   = "/documents/sync"
	HealthPath = "/health"
)

// EventsRequest is the body of POST /documents/events.
type EventsRequest struct {
	Events []models.OutboxEvent `json:"events"`
}

// EventsResponse acknowledges an event batch.
type EventsResponse struct {
	Success       bool              `json:"success"`
	AckedVersions map[string]int64  `json:"ackedVersions"`
	AcceptedIDs   []string          `json:"acceptedIds"`
	Conflicts     []models.Conflict `json:"conflicts"`
}

// SyncRequest is the body of POST /documents/sync.
type SyncRequest struct {
	Documents []models.SnapshotDoc `json:"documents"`
}

// SyncResponse acknowledges a snapshot batch.
type SyncResponse struct {
	Success   bool              `json:"success"`
	Synced    []string          `json:"synced"`
	Conflicts []models.Conflict `json:"conflicts"`
}

// Client sends local changes to the authority.
type Client interface {
	SendEvents(ctx context.Context, events []models.OutboxEvent) (EventsResponse, error)
	SendSnapshots(ctx context.Context, docs []models.SnapshotDoc) (SyncResponse, error)
	Health(ctx context.Context) error
}

// HTTPError is a non-2xx response from the authority.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: http %d: %s", e.StatusCode, e.Message)
}
