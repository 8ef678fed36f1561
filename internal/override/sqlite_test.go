package override

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalsync/internal/model"
)

func newTestSQLiteStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.now = func() time.Time { return clock }
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	testStoreContract(t, newTestSQLiteStore(t, filepath.Join(t.TempDir(), "overrides.db")))
}

func TestSQLiteStore_ReopenKeepsDataAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "overrides.db")
	ctx := context.Background()

	s := newTestSQLiteStore(t, path)
	created, err := s.Create(ctx, Input{Type: model.OverrideForceAvailability, Title: "Open", DateStart: "2026-04-01"})
	require.NoError(t, err)
	require.NoError(t, s.BlockUID(ctx, "dup@booking.com"))
	require.NoError(t, s.Close())

	s = newTestSQLiteStore(t, path)
	var versions int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 1, versions, "migrations are applied once")

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Overrides, 1)
	assert.Equal(t, created.ID, snap.Overrides[0].ID)
	assert.True(t, snap.Overrides[0].UpdatedAt.Equal(clock))
	assert.Equal(t, []string{"dup@booking.com"}, snap.BlockedUIDs)
}

func TestSQLiteStore_RejectsUnknownTypeAtSchemaLevel(t *testing.T) {
	s := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "overrides.db"))

	_, err := s.db.Exec(`INSERT INTO overrides (id, type, title, created_at, updated_at) VALUES ('x', 'MAYBE', 't', '', '')`)
	assert.Error(t, err)
}
