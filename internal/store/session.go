package store

import (
	"database/sql"
	"time"
)

// UpsertSession inserts or updates a session record.
func (db *DB) UpsertSession(s *Session) error {
	return wrapErr(upsertSession(db.DB, s))
}

// UpsertSessionTx is UpsertSession inside an existing transaction.
func UpsertSessionTx(tx *sql.Tx, s *Session) error {
	return upsertSession(tx, s)
}

func upsertSession(e execer, s *Session) error {
	now := time.Now().UnixMilli()
	createdAt := s.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	updatedAt := s.UpdatedAt
	if updatedAt == 0 {
		updatedAt = now
	}
	_, err := e.Exec(`
		INSERT INTO sessions (id, user_id, status, title, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			title = excluded.title,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		s.ID, s.UserID, s.Status, s.Title, s.MessageCount, createdAt, updatedAt)
	return err
}

// GetSession returns a single session by id, or nil when absent.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session
	err := db.QueryRow(`
		SELECT id, user_id, status, title, message_count, created_at, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.UserID, &s.Status, &s.Title, &s.MessageCount, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &s, nil
}

// ListSessions returns sessions sorted by updated_at descending. An empty
// status lists all of them.
func (db *DB) ListSessions(status string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, user_id, status, title, message_count, created_at, updated_at
		FROM sessions`
	args := []any{}
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status)
	}
	q += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.Status, &s.Title, &s.MessageCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// TouchSessionTx bumps message_count and updated_at after an accepted message.
func TouchSessionTx(tx *sql.Tx, sessionID string, delta int, at int64) error {
	_, err := tx.Exec(`
		UPDATE sessions SET message_count = message_count + ?, updated_at = MAX(updated_at, ?)
		WHERE id = ?`, delta, at, sessionID)
	return err
}

// RefreshSessionStatsTx recomputes message_count from the messages table.
// Replay-safe where TouchSessionTx is not: upserting the same message twice
// leaves the count unchanged.
func RefreshSessionStatsTx(tx *sql.Tx, sessionID string, at int64) error {
	_, err := tx.Exec(`
		UPDATE sessions SET
			message_count = (SELECT COUNT(*) FROM messages WHERE session_id = ?),
			updated_at = MAX(updated_at, ?)
		WHERE id = ?`, sessionID, at, sessionID)
	return err
}
