package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// execer is satisfied by both *sql.DB and *sql.Tx so every message write can
// run standalone or inside WithTx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// UpsertMessage inserts or updates a message (idempotent on id).
func (db *DB) UpsertMessage(m *Message) error {
	return wrapErr(upsertMessage(db.DB, m))
}

// UpsertMessageTx is UpsertMessage inside an existing transaction.
func UpsertMessageTx(tx *sql.Tx, m *Message) error {
	return upsertMessage(tx, m)
}

func upsertMessage(e execer, m *Message) error {
	refs, err := json.Marshal(m.DocumentRefs)
	if err != nil {
		return err
	}
	if m.DocumentRefs == nil {
		refs = []byte("[]")
	}
	now := time.Now().UnixMilli()
	_, err = e.Exec(`
		INSERT INTO messages (id, session_id, role, content, confidence, doc_refs, sync_status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			confidence = excluded.confidence,
			doc_refs = excluded.doc_refs,
			sync_status = excluded.sync_status`,
		m.ID, m.SessionID, m.Role, m.Content, m.Confidence, string(refs), m.SyncStatus, m.Timestamp, now)
	return err
}

// GetMessage returns a single message by id, or nil when absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, session_id, role, content, confidence, doc_refs, sync_status, timestamp
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return m, nil
}

// ListMessages returns messages for a session ordered by timestamp ascending,
// paginated via the session_id and timestamp indexes.
func (db *DB) ListMessages(sessionID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, session_id, role, content, confidence, doc_refs, sync_status, timestamp
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp ASC
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a message by id.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return wrapErr(err)
}

// DeleteMessageTx is DeleteMessage inside an existing transaction.
func DeleteMessageTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// MarkMessageStatus updates only the sync status of a message.
func (db *DB) MarkMessageStatus(id, syncStatus string) error {
	_, err := db.Exec(`UPDATE messages SET sync_status = ? WHERE id = ?`, syncStatus, id)
	return wrapErr(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var refs string
	if err := r.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Confidence, &refs, &m.SyncStatus, &m.Timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(refs), &m.DocumentRefs); err != nil {
		m.DocumentRefs = nil
	}
	return &m, nil
}
