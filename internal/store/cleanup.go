package store

import (
	"database/sql"
	"time"
)

// Cleanup deletes messages, sessions and documents strictly older than the
// retention window, scanning via the timestamp indexes. Records belonging to
// a session with a pending offline action are kept: the action log must be
// able to replay against them. Returns the number of rows removed.
//
// This is the only eviction policy (time-based, not size-based).
func (db *DB) Cleanup(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()

	var removed int64
	err := db.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM messages
			WHERE timestamp < ?
			  AND session_id NOT IN (SELECT session_id FROM offline_queue)`, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = tx.Exec(`
			DELETE FROM documents
			WHERE timestamp < ?
			  AND message_id NOT IN (SELECT id FROM messages)`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n

		res, err = tx.Exec(`
			DELETE FROM sessions
			WHERE updated_at < ?
			  AND id NOT IN (SELECT session_id FROM offline_queue)
			  AND id NOT IN (SELECT DISTINCT session_id FROM messages)`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
