package store

import "time"

// AppendOfflineAction adds an entry to the durable offline-action log.
// The autoincrement id doubles as the global enqueue order.
func (db *DB) AppendOfflineAction(actionType, sessionID string, payload []byte) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO offline_queue (action_type, session_id, payload, attempts, enqueued_at, next_retry_at)
		VALUES (?, ?, ?, 0, ?, 0)`,
		actionType, sessionID, string(payload), now)
	if err != nil {
		return 0, wrapErr(err)
	}
	return res.LastInsertId()
}

// PendingOfflineActions returns all log entries in enqueue order.
func (db *DB) PendingOfflineActions() ([]OfflineAction, error) {
	rows, err := db.Query(`
		SELECT id, action_type, session_id, payload, attempts, enqueued_at, next_retry_at
		FROM offline_queue ORDER BY id ASC`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var actions []OfflineAction
	for rows.Next() {
		var a OfflineAction
		var payload string
		if err := rows.Scan(&a.ID, &a.Type, &a.SessionID, &payload, &a.Attempts, &a.EnqueuedAt, &a.NextRetryAt); err != nil {
			return nil, err
		}
		a.Payload = []byte(payload)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// DeleteOfflineAction removes a replayed (or stale) entry.
func (db *DB) DeleteOfflineAction(id int64) error {
	_, err := db.Exec(`DELETE FROM offline_queue WHERE id = ?`, id)
	return wrapErr(err)
}

// RescheduleOfflineAction records a failed replay attempt and its next retry time.
func (db *DB) RescheduleOfflineAction(id int64, attempts int, nextRetryAt int64) error {
	_, err := db.Exec(`UPDATE offline_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`,
		attempts, nextRetryAt, id)
	return wrapErr(err)
}

// CountOfflineActions returns the log size.
func (db *DB) CountOfflineActions() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM offline_queue`).Scan(&n)
	return n, wrapErr(err)
}
