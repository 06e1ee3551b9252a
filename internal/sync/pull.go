package sync

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/drift/internal/bus"
	"github.com/matheus3301/drift/internal/store"
)

// Run drives the coordinator until ctx is cancelled: it tracks connectivity
// from network events, kicks a drain and a pull on every reconnect, and
// pulls periodically while connected. The periodic tick also retries any
// parked offline actions, so a send that exhausted its attempts while the
// connection stayed up is replayed without waiting for a network flap.
func (c *Coordinator) Run(ctx context.Context) {
	events, unsub := c.bus.Subscribe("network.", 16)
	defer unsub()

	ticker := time.NewTicker(c.opts.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			switch evt.Kind {
			case bus.KindNetworkOnline:
				c.SetOnline(true)
				go func() {
					c.Drain(ctx)
					if err := c.Pull(ctx); err != nil {
						c.logger.Warn("pull after reconnect", zap.Error(err))
					}
				}()
			case bus.KindNetworkOffline, bus.KindNetworkDown:
				c.SetOnline(false)
			}
		case <-ticker.C:
			if !c.Online() {
				continue
			}
			if n, err := c.db.CountOfflineActions(); err != nil {
				c.noteStoreErr(err)
			} else if n > 0 {
				c.Drain(ctx)
			}
			if err := c.Pull(ctx); err != nil {
				c.logger.Warn("periodic pull", zap.Error(err))
			}
		}
	}
}

// Pull fetches records newer than the stored cursors and merges them into
// the cache in one transaction. Cursors only move forward, and only after
// the merge commits, so an interrupted pull re-fetches rather than skips.
func (c *Coordinator) Pull(ctx context.Context) error {
	msgCursor, err := c.cursor(store.CursorMessages)
	if err != nil {
		return err
	}
	sessCursor, err := c.cursor(store.CursorSessions)
	if err != nil {
		return err
	}
	docCursor, err := c.cursor(store.CursorDocuments)
	if err != nil {
		return err
	}

	msgs, err := c.api.MessagesSince(ctx, msgCursor)
	if err != nil {
		return err
	}
	sessions, err := c.api.SessionsSince(ctx, sessCursor)
	if err != nil {
		return err
	}
	docs, err := c.api.DocumentsSince(ctx, docCursor)
	if err != nil {
		return err
	}
	if len(msgs) == 0 && len(sessions) == 0 && len(docs) == 0 {
		return nil
	}

	err = c.db.WithTx(func(tx *sql.Tx) error {
		for i := range msgs {
			local := fromRemoteMessage(&msgs[i])
			local.SyncStatus = store.SyncSynced
			if err := store.UpsertMessageTx(tx, local); err != nil {
				return err
			}
		}
		for i := range sessions {
			if err := store.UpsertSessionTx(tx, fromRemoteSession(&sessions[i])); err != nil {
				return err
			}
		}
		for i := range docs {
			if err := store.UpsertDocumentTx(tx, fromRemoteDocument(&docs[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.noteStoreErr(err)
		return err
	}

	for _, m := range msgs {
		if m.Timestamp > msgCursor {
			msgCursor = m.Timestamp
		}
	}
	for _, s := range sessions {
		if s.UpdatedAt > sessCursor {
			sessCursor = s.UpdatedAt
		}
	}
	for _, d := range docs {
		if d.Timestamp > docCursor {
			docCursor = d.Timestamp
		}
	}
	if err := c.setCursor(store.CursorMessages, msgCursor); err != nil {
		return err
	}
	if err := c.setCursor(store.CursorSessions, sessCursor); err != nil {
		return err
	}
	if err := c.setCursor(store.CursorDocuments, docCursor); err != nil {
		return err
	}

	c.publish(bus.KindSyncPullApplied, &bus.SyncEvent{
		Messages:  len(msgs),
		Sessions:  len(sessions),
		Documents: len(docs),
	})
	c.logger.Debug("pull applied",
		zap.Int("messages", len(msgs)),
		zap.Int("sessions", len(sessions)),
		zap.Int("documents", len(docs)))
	return nil
}

func (c *Coordinator) cursor(key string) (int64, error) {
	v, err := c.db.GetSetting(key)
	if err != nil {
		c.noteStoreErr(err)
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (c *Coordinator) setCursor(key string, value int64) error {
	if err := c.db.SetSetting(key, strconv.FormatInt(value, 10)); err != nil {
		c.noteStoreErr(err)
		return err
	}
	return nil
}
