package models

import "fmt"

// EventKind classifies an outbox event.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// OutboxEvent is one pending local mutation awaiting remote acknowledgment.
type OutboxEvent struct {
	ID             string    `json:"id"`
	DocID          string    `json:"docId"`
	Kind           EventKind `json:"kind"`
	Version        int64     `json:"version"`
	UpdatedAt      int64     `json:"updatedAt"`
	DeletedAt      *int64    `json:"deletedAt,omitempty"`
	Title          string    `json:"title,omitempty"`
	Content        string    `json:"content,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// IdempotencyKey derives the deterministic key for (docID, version, updatedAt).
func IdempotencyKey(docID string, version, updatedAt int64) string {
	return fmt.Sprintf("%s:%d:%d", docID, version, updatedAt)
}

// SnapshotDoc is a whole-document snapshot sent in snapshot mode.
type SnapshotDoc struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Version   int64  `json:"version"`
	UpdatedAt int64  `json:"updatedAt"`
	DeletedAt *int64 `json:"deletedAt,omitempty"`
}

// Conflict is reported by the remote authority when a submitted version is
// not newer than its own.
type Conflict struct {
	ID              string `json:"id"`
	ClientVersion   int64  `json:"clientVersion"`
	ServerVersion   int64  `json:"serverVersion"`
	ServerContent   string `json:"serverContent"`
	ServerUpdatedAt int64  `json:"serverUpdatedAt"`
	ServerDeletedAt *int64 `json:"serverDeletedAt,omitempty"`
	ServerTitle     string `json:"serverTitle,omitempty"`
}

// Lease is the fallback leader-election ownership claim.
type Lease struct {
	LeaderID   string `json:"leaderId"`
	LeaseUntil int64  `json:"leaseUntil"`
}

// Expired reports whether the lease can be taken over at nowMs.
func (l Lease) Expired(nowMs int64) bool {
	return l.LeaseUntil <= nowMs
}
