package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testStore opens a fresh sqlite database in a temp directory with
// migrations applied, returning a cleanup func.
func testStore(t *testing.T) (*SqliteStore, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "quark-store-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := NewSqliteStore(&SqliteConfig{DatabaseFileName: dbPath})
	require.NoError(t, err)

	cleanup := func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}

	return s, cleanup
}

func TestNewSqliteStoreRunsMigrations(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	var name string
	err := s.DB().QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='silos'`,
	).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "silos", name)

	err = s.DB().QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='reminders'`,
	).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "reminders", name)
}

func TestReopenIsIdempotent(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "quark-store-reopen-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "test.db")

	s1, err := NewSqliteStore(&SqliteConfig{DatabaseFileName: dbPath})
	require.NoError(t, err)
	s1.Close()

	s2, err := NewSqliteStore(&SqliteConfig{DatabaseFileName: dbPath})
	require.NoError(t, err)
	defer s2.Close()
}

func TestMapSQLErrorClassifiesUniqueConstraint(t *testing.T) {
	s, cleanup := testStore(t)
	defer cleanup()

	_, err := s.DB().Exec(
		`INSERT INTO silos (silo_id, endpoint, generation, status,
			last_heartbeat_at, updated_at)
		 VALUES ('silo-a', 'localhost:1', 1, 'Active', 0, 0)`,
	)
	require.NoError(t, err)

	_, err = s.DB().Exec(
		`INSERT INTO silos (silo_id, endpoint, generation, status,
			last_heartbeat_at, updated_at)
		 VALUES ('silo-a', 'localhost:2', 1, 'Active', 0, 0)`,
	)
	require.Error(t, err)

	mapped := MapSQLError(err)
	require.True(t, IsUniqueConstraintViolation(mapped))
}
