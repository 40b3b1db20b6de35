package contentstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/scriptorium/internal/apperr"
	"github.com/starford/scriptorium/internal/doctree"
	"github.com/starford/scriptorium/internal/models"
)

const day = int64(24 * 60 * 60 * 1000)

func testSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "content.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{"sqlite": testSQLite(t), "memory": NewMemory()}
}

func doc(id string, updated int64) Document {
	return Document{
		ID:             id,
		Title:          "Doc " + id,
		Content:        doctree.DefaultContent(),
		CreatedAt:      updated,
		UpdatedAt:      updated,
		Version:        1,
		ContentVersion: updated,
	}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			d := doc("a", 10)
			d.DeletedAt = models.MillisPtr(11)
			require.NoError(t, s.Put(ctx, d))

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "Doc a", got.Title)
			assert.True(t, doctree.Equal(d.Content, got.Content))
			require.NotNil(t, got.DeletedAt)
			assert.EqualValues(t, 11, *got.DeletedAt)

			d.Version = 2
			d.DeletedAt = nil
			require.NoError(t, s.Put(ctx, d))
			got, err = s.Get(ctx, "a")
			require.NoError(t, err)
			assert.EqualValues(t, 2, got.Version)
			assert.Nil(t, got.DeletedAt)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, apperr.ErrNotFound)
		})
	}
}

func TestStore_BulkAllDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutBulk(ctx, []Document{doc("a", 1), doc("b", 3), doc("c", 2)}))

			all, err := s.All(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"b", "c", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

			require.NoError(t, s.Delete(ctx, "a"))
			require.NoError(t, s.DeleteMany(ctx, []string{"b", "zzz"}))
			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStore_PurgeDeletedOlderThan(t *testing.T) {
	ctx := context.Background()
	now := 100 * day
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			old := doc("old", now-31*day)
			old.DeletedAt = models.MillisPtr(now - 31*day)
			recent := doc("recent", now-10*day)
			recent.DeletedAt = models.MillisPtr(now - 10*day)
			live := doc("live", now-40*day)
			require.NoError(t, s.PutBulk(ctx, []Document{old, recent, live}))

			ids, err := s.PurgeDeletedOlderThan(ctx, now-30*day)
			require.NoError(t, err)
			assert.Equal(t, []string{"old"}, ids)

			_, err = s.Get(ctx, "old")
			assert.ErrorIs(t, err, apperr.ErrNotFound)
			_, err = s.Get(ctx, "recent")
			assert.NoError(t, err)
			_, err = s.Get(ctx, "live")
			assert.NoError(t, err)
		})
	}
}

func TestSQLite_NormalizesBadRows(t *testing.T) {
	ctx := context.Background()
	db := testSQLite(t)
	_, err := db.conn.Exec(`INSERT INTO documents (id, title, content, version) VALUES ('bad', NULL, 'not json', -3)`)
	require.NoError(t, err)
	_, err = db.conn.Exec(`INSERT INTO documents (id) VALUES ('')`)
	require.NoError(t, err)

	all, err := db.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "bad", all[0].ID)
	assert.Equal(t, doctree.DefaultTitle, all[0].Title)
	assert.EqualValues(t, 1, all[0].Version)
	assert.True(t, doctree.Equal(doctree.DefaultContent(), all[0].Content))
}

func TestOpen_FallsBackToMemory(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "missing", "dir", "content.db"), nil)
	defer s.Close()
	assert.False(t, s.Available())

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, doc("x", 1)))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
