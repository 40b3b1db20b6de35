// Package contentstore persists full document records, body included.
package contentstore

import (
	"context"
	"log/slog"
)

// Store is the durable content tier. Implementations are safe for concurrent use.
type Store interface {
	// Get returns the record for id or apperr.ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)
	// Put inserts or replaces one record.
	Put(ctx context.Context, doc Document) error
	// PutBulk writes all records in one transaction.
	PutBulk(ctx context.Context, docs []Document) error
	// All returns every readable record. Unreadable rows are skipped.
	All(ctx context.Context) ([]Document, error)
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) error
	// PurgeDeletedOlderThan removes tombstones with deletedAt < cutoff (Unix ms)
	// and returns their ids.
	PurgeDeletedOlderThan(ctx context.Context, cutoff int64) ([]string, error)
	Count(ctx context.Context) (int, error)
	// Available reports whether records survive a restart.
	Available() bool
	Close() error
}

// Open opens the SQLite store at path. When it cannot be opened the failure
// is logged and an in-memory store is returned instead.
func Open(path string, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := OpenSQLite(path, logger)
	if err != nil {
		logger.Warn("content store unavailable, using memory",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return newFallback()
	}
	return db
}
