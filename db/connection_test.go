package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpen(t *testing.T) {
	t.Run("applies pragmas on every connection", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "queue.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		// Force a second pooled connection to exist and check it too
		db.SetMaxIdleConns(2)
		conn1, err := db.Conn(t.Context())
		require.NoError(t, err)
		defer conn1.Close()
		conn2, err := db.Conn(t.Context())
		require.NoError(t, err)
		defer conn2.Close()

		var journalMode string
		require.NoError(t, conn2.QueryRowContext(t.Context(), "PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var busyTimeout int
		require.NoError(t, conn2.QueryRowContext(t.Context(), "PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)

		var foreignKeys int
		require.NoError(t, conn1.QueryRowContext(t.Context(), "PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("returns wrapped error for unreachable path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/queue.db", nil)
		require.Error(t, err)
		assert.Nil(t, db)
		assert.Contains(t, err.Error(), "failed to connect to database")
	})

	t.Run("in-memory database keeps one connection", func(t *testing.T) {
		db, err := Open(MemoryPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec("CREATE TABLE t (x INTEGER)")
		require.NoError(t, err)

		// A second connection would see an empty database and fail here
		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM t").Scan(&n))
		assert.Equal(t, 1, db.Stats().MaxOpenConnections)
	})
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"file:queue.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate",
		dsn("queue.db"))
	assert.Equal(t,
		"file::memory:?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate",
		dsn(MemoryPath))
	assert.Contains(t, dsn("queue.db?cache=shared"), "cache=shared&_busy_timeout")
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "closed.db"), nil)
	require.NoError(t, err)
	db.Close()

	_, err = db.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.False(t, IsDatabaseClosed(nil))
	assert.True(t, IsDatabaseClosed(ErrDatabaseClosed))
}
