package store

import (
	"database/sql"
	"time"
)

// Sync cursor keys stored in settings.
const (
	CursorMessages  = "lastMessageSync"
	CursorSessions  = "lastSessionSync"
	CursorDocuments = "lastDocumentSync"
)

// SetSetting stores a key/value pair.
func (db *DB) SetSetting(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return wrapErr(err)
}

// GetSetting retrieves a value by key. Missing keys return "" without error.
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrapErr(err)
	}
	return value, nil
}

// SaveSearchIndex persists a serialized search index snapshot.
func (db *DB) SaveSearchIndex(data []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO search_index (id, data, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		data, now)
	return wrapErr(err)
}

// LoadSearchIndex returns the persisted search index snapshot, or nil.
func (db *DB) LoadSearchIndex() ([]byte, error) {
	var data []byte
	err := db.QueryRow(`SELECT data FROM search_index WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return data, nil
}
