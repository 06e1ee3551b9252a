package sync

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/matheus3301/drift/internal/store"
)

// Messages returns a session's cached messages in timestamp order. A cold
// cache is backfilled from the server's session history when the engine is
// online; offline, the cache is the answer.
func (c *Coordinator) Messages(ctx context.Context, sessionID string, limit, offset int) ([]store.Message, error) {
	msgs, err := c.db.ListMessages(sessionID, limit, offset)
	if err != nil {
		c.noteStoreErr(err)
		return nil, err
	}
	if len(msgs) > 0 || !c.Online() {
		return msgs, nil
	}

	hist, err := c.api.SessionHistory(ctx, sessionID)
	if err != nil {
		c.logger.Warn("session history backfill failed, serving cache",
			zap.String("session_id", sessionID), zap.Error(err))
		return msgs, nil
	}
	if len(hist) == 0 {
		return msgs, nil
	}
	err = c.db.WithTx(func(tx *sql.Tx) error {
		for i := range hist {
			local := fromRemoteMessage(&hist[i])
			local.SyncStatus = store.SyncSynced
			if err := store.UpsertMessageTx(tx, local); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.noteStoreErr(err)
		return nil, err
	}
	return c.db.ListMessages(sessionID, limit, offset)
}

// Sessions returns the user's cached sessions, newest first. An empty cache
// is backfilled from the server's user history when online.
func (c *Coordinator) Sessions(ctx context.Context, statusFilter string, limit, offset int) ([]store.Session, error) {
	sessions, err := c.db.ListSessions(statusFilter, limit, offset)
	if err != nil {
		c.noteStoreErr(err)
		return nil, err
	}
	if len(sessions) > 0 || !c.Online() {
		return sessions, nil
	}

	hist, err := c.api.UserHistory(ctx, c.opts.UserID)
	if err != nil {
		c.logger.Warn("user history backfill failed, serving cache", zap.Error(err))
		return sessions, nil
	}
	if len(hist) == 0 {
		return sessions, nil
	}
	err = c.db.WithTx(func(tx *sql.Tx) error {
		for i := range hist {
			if err := store.UpsertSessionTx(tx, fromRemoteSession(&hist[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.noteStoreErr(err)
		return nil, err
	}
	return c.db.ListSessions(statusFilter, limit, offset)
}
