package store

import "database/sql"

// UpsertDocument inserts or updates a document record.
func (db *DB) UpsertDocument(d *Document) error {
	return wrapErr(upsertDocument(db.DB, d))
}

// UpsertDocumentTx is UpsertDocument inside an existing transaction.
func UpsertDocumentTx(tx *sql.Tx, d *Document) error {
	return upsertDocument(tx, d)
}

func upsertDocument(e execer, d *Document) error {
	_, err := e.Exec(`
		INSERT INTO documents (id, message_id, type, name, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message_id = excluded.message_id,
			type = excluded.type,
			name = excluded.name,
			timestamp = excluded.timestamp`,
		d.ID, d.MessageID, d.Type, d.Name, d.Timestamp)
	return err
}

// ListDocuments returns documents attached to a message, via the message_id index.
func (db *DB) ListDocuments(messageID string) ([]Document, error) {
	rows, err := db.Query(`
		SELECT id, message_id, type, name, timestamp
		FROM documents WHERE message_id = ? ORDER BY timestamp ASC`, messageID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer func() { _ = rows.Close() }()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.MessageID, &d.Type, &d.Name, &d.Timestamp); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
