package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-sqlite3"
)

// ErrStorageFull is returned when the underlying database cannot grow.
// Callers must evict (Cleanup) before retrying writes.
var ErrStorageFull = errors.New("store: storage full")

// ErrUnavailable is returned when the database cannot be opened or is
// corrupt. OpenOrReset recovers by re-initializing the schema.
var ErrUnavailable = errors.New("store: unavailable")

// DB wraps a SQLite database connection for the app-owned drift.db.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w (%w)", err, ErrUnavailable)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w (%w)", err, ErrUnavailable)
	}
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil || result != "ok" {
		_ = db.Close()
		return nil, fmt.Errorf("integrity check %q: %w", result, ErrUnavailable)
	}
	return &DB{db}, nil
}

// OpenOrReset opens the database, sidelining a corrupt file and starting
// fresh if the first open reports ErrUnavailable. The migrated schema is the
// recovery path; cached data is rebuilt by the next sync pull.
func OpenOrReset(path string) (*DB, bool, error) {
	db, err := Open(path)
	if err == nil {
		return db, false, nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return nil, false, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		if renameErr := os.Rename(path, path+".corrupt"); renameErr != nil {
			return nil, false, fmt.Errorf("sideline corrupt db: %w", renameErr)
		}
	}
	db, err = Open(path)
	if err != nil {
		return nil, false, err
	}
	return db, true, nil
}

// WithTx runs fn inside a transaction. All writes in fn are all-or-nothing.
func (db *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", wrapErr(err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return wrapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", wrapErr(err))
	}
	return nil
}

// wrapErr maps SQLite error codes onto the store error taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrFull:
			return fmt.Errorf("%w: %w", ErrStorageFull, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return err
}
