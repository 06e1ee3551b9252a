package store

// ScanMessages performs a linear case-insensitive substring scan over message
// content. Slower than the in-memory index but never wrong; the search
// indexer falls back to it when its worker is unavailable.
func (db *DB) ScanMessages(query, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, session_id, role, content, confidence, doc_refs, sync_status, timestamp
		FROM messages
		WHERE instr(lower(content), lower(?)) > 0`
	args := []any{query}
	if sessionID != "" {
		q += " AND session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
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
