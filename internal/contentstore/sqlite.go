package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/scriptorium/internal/apperr"
	"github.com/starford/scriptorium/internal/models"
	"github.com/starford/scriptorium/internal/normalize"
)

// Document is the record type kept by the store.
type Document = models.Document

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	title           TEXT,
	content         TEXT,
	created_at      INTEGER,
	updated_at      INTEGER,
	version         INTEGER,
	content_version INTEGER,
	deleted_at      INTEGER NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_deleted_at ON documents(deleted_at);
CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at);
`

const selectColumns = `id, title, content, created_at, updated_at, version, content_version, deleted_at`

const upsertSQL = `
	INSERT INTO documents (id, title, content, created_at, updated_at, version, content_version, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title           = excluded.title,
		content         = excluded.content,
		created_at      = excluded.created_at,
		updated_at      = excluded.updated_at,
		version         = excluded.version,
		content_version = excluded.content_version,
		deleted_at      = excluded.deleted_at
`

// SQLite is the durable Store backed by a WAL-mode SQLite database.
type SQLite struct {
	conn   *sql.DB
	logger *slog.Logger
	now    func() int64
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("contentstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("contentstore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("contentstore: apply schema: %w", err)
	}
	return &SQLite{
		conn:   conn,
		logger: logger.With(slog.String("component", "contentstore")),
		now:    nowMillis,
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// Available is always true for an opened database.
func (s *SQLite) Available() bool { return true }

func (s *SQLite) Get(ctx context.Context, id string) (Document, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM documents WHERE id = ?`, id)
	doc, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("contentstore: get %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("contentstore: get %s: %w", id, err)
	}
	return doc, nil
}

func (s *SQLite) Put(ctx context.Context, doc Document) error {
	if _, err := s.conn.ExecContext(ctx, upsertSQL, upsertArgs(doc)...); err != nil {
		return fmt.Errorf("contentstore: put %s: %w", doc.ID, err)
	}
	return nil
}

func (s *SQLite) PutBulk(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("contentstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("contentstore: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		if _, err := stmt.ExecContext(ctx, upsertArgs(doc)...); err != nil {
			return fmt.Errorf("contentstore: bulk put %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) All(ctx context.Context) ([]Document, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+selectColumns+` FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("contentstore: all: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := s.scan(rows)
		if err != nil {
			s.logger.Warn("dropping unreadable row", slog.String("error", err.Error()))
			continue
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("contentstore: delete %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM documents WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("contentstore: delete many: %w", err)
	}
	return nil
}

func (s *SQLite) PurgeDeletedOlderThan(ctx context.Context, cutoff int64) ([]string, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("contentstore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT id FROM documents WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("contentstore: select expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("contentstore: scan expired: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contentstore: select expired: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("contentstore: purge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("contentstore: commit purge: %w", err)
	}
	return ids, nil
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT count(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("contentstore: count: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scan reads one row and runs it through the normalizer.
func (s *SQLite) scan(sc scanner) (Document, error) {
	var (
		id, title, content                                sql.NullString
		createdAt, updatedAt, version, contentV, deletedAt sql.NullInt64
	)
	if err := sc.Scan(&id, &title, &content, &createdAt, &updatedAt, &version, &contentV, &deletedAt); err != nil {
		return Document{}, err
	}
	f := normalize.Fields{
		ID:             nullString(id),
		Title:          nullString(title),
		CreatedAt:      nullInt(createdAt),
		UpdatedAt:      nullInt(updatedAt),
		Version:        nullInt(version),
		ContentVersion: nullInt(contentV),
		DeletedAt:      nullInt(deletedAt),
	}
	if content.Valid {
		f.Content = []byte(content.String)
	}
	res := normalize.Document(f, s.now())
	if !res.OK() {
		return Document{}, fmt.Errorf("contentstore: rejected row: %s", res.Reason)
	}
	return res.Doc, nil
}

func upsertArgs(doc Document) []any {
	var deletedAt any
	if doc.DeletedAt != nil {
		deletedAt = *doc.DeletedAt
	}
	return []any{
		doc.ID, doc.Title, string(doc.Content), doc.CreatedAt, doc.UpdatedAt,
		doc.Version, doc.ContentVersion, deletedAt,
	}
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

// Verify *SQLite satisfies Store at compile time.
var _ Store = (*SQLite)(nil)
