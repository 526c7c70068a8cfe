package db

import (
	"database/sql"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database before failing.
const SQLiteBusyTimeoutMS = 5000

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Open opens a SQLite database at the specified path.
//
// Pragmas are passed through the DSN so every pooled connection gets them, not just
// the first one. Transactions begin IMMEDIATE, which takes the write lock up front:
// a read-check-write sequence inside a transaction cannot interleave with another writer.
//
// In-memory databases are pinned to a single connection because each connection
// would otherwise see its own empty database.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	log = dbLogger(log)
	log.Debugw("Opening database", logger.FieldPath, path)

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database %s", path)
	}

	log.Infow("Database opened successfully",
		logger.FieldPath, path,
		"wal_mode", path != MemoryPath,
		"busy_timeout_ms", SQLiteBusyTimeoutMS,
	)
	return db, nil
}

// OpenWithMigrations opens the database and brings its schema up to date.
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to migrate database %s", path)
	}
	return db, nil
}

// dbLogger tags every database log line with the DB symbol; nil means silent
func dbLogger(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return logger.AddDBSymbol(log)
}

func dsn(path string) string {
	params := url.Values{}
	params.Set("_busy_timeout", strconv.Itoa(SQLiteBusyTimeoutMS))
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")
	if path != MemoryPath {
		params.Set("_journal_mode", "WAL")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + params.Encode()
}
