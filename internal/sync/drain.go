package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/drift/internal/bus"
	"github.com/matheus3301/drift/internal/queue"
	"github.com/matheus3301/drift/internal/remote"
	"github.com/matheus3301/drift/internal/store"
)

// Drain replays the offline-action log against the remote. Actions for the
// same session replay strictly in log order; separate sessions replay
// concurrently. At most one drain runs at a time: a trigger arriving while
// one is in flight is a no-op, and the log rows it would have covered are
// still there for the next trigger.
func (c *Coordinator) Drain(ctx context.Context) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	actions, err := c.db.PendingOfflineActions()
	if err != nil {
		c.noteStoreErr(err)
		c.logger.Error("drain: listing offline actions", zap.Error(err))
		return
	}
	if len(actions) == 0 {
		// Nothing to replay still counts as a completed drain: listeners use
		// drain_done to know the cache is consistent with the server.
		c.publish(bus.KindSyncDrainDone, &bus.SyncEvent{})
		return
	}

	c.publish(bus.KindSyncDrainStarted, &bus.SyncEvent{})
	c.logger.Info("draining offline actions", zap.Int("count", len(actions)))

	// Group by session, preserving log order inside each group.
	groups := make(map[string][]store.OfflineAction)
	var order []string
	for _, a := range actions {
		if _, ok := groups[a.SessionID]; !ok {
			order = append(order, a.SessionID)
		}
		groups[a.SessionID] = append(groups[a.SessionID], a)
	}

	var replayed, dropped int64
	var tally sync.Mutex
	var wg sync.WaitGroup
	for _, sessionID := range order {
		group := groups[sessionID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, d := c.drainGroup(ctx, group)
			tally.Lock()
			replayed += r
			dropped += d
			tally.Unlock()
		}()
	}
	wg.Wait()

	c.publish(bus.KindSyncDrainDone, &bus.SyncEvent{
		Replayed: int(replayed),
		Dropped:  int(dropped),
	})
	c.logger.Info("drain finished",
		zap.Int64("replayed", replayed),
		zap.Int64("dropped", dropped))
}

// drainGroup replays one session's actions sequentially. A retryable failure
// or a not-yet-due retry stops the group: later actions for the session must
// not overtake the stuck one.
func (c *Coordinator) drainGroup(ctx context.Context, group []store.OfflineAction) (replayed, dropped int64) {
	for _, a := range group {
		if ctx.Err() != nil {
			return
		}
		if a.NextRetryAt > c.now().UnixMilli() {
			return
		}
		switch err := c.replay(ctx, a); {
		case err == nil:
			if delErr := c.db.DeleteOfflineAction(a.ID); delErr != nil {
				c.noteStoreErr(delErr)
				c.logger.Error("drain: deleting replayed action", zap.Int64("action_id", a.ID), zap.Error(delErr))
				return
			}
			replayed++
		case errors.Is(err, remote.ErrStale):
			c.logger.Warn("drain: dropping stale action",
				zap.Int64("action_id", a.ID),
				zap.String("action", a.Type),
				zap.String("session_id", a.SessionID),
				zap.Error(err))
			if delErr := c.db.DeleteOfflineAction(a.ID); delErr != nil {
				c.noteStoreErr(delErr)
				return
			}
			if a.Type == store.ActionSendMessage {
				var req remote.SendRequest
				if json.Unmarshal(a.Payload, &req) == nil {
					c.dropStale(req.ClientID, a.SessionID, err)
				}
			}
			dropped++
		default:
			attempts := a.Attempts + 1
			next := c.now().Add(queue.Backoff(attempts)).UnixMilli()
			if resErr := c.db.RescheduleOfflineAction(a.ID, attempts, next); resErr != nil {
				c.noteStoreErr(resErr)
			}
			c.logger.Warn("drain: replay failed, rescheduled",
				zap.Int64("action_id", a.ID),
				zap.String("action", a.Type),
				zap.Int("attempts", attempts),
				zap.Error(err))
			return
		}
	}
	return
}

// replay performs one logged action against the remote and folds the
// response into the cache.
func (c *Coordinator) replay(ctx context.Context, a store.OfflineAction) error {
	switch a.Type {
	case store.ActionSendMessage:
		var req remote.SendRequest
		if err := json.Unmarshal(a.Payload, &req); err != nil {
			return err
		}
		resp, err := c.api.SendMessage(ctx, &req)
		if err != nil {
			return err
		}
		return c.reconcileSend(req.ClientID, req.SessionID, resp)
	case store.ActionCreateSession:
		var req remote.CreateSessionRequest
		if err := json.Unmarshal(a.Payload, &req); err != nil {
			return err
		}
		created, err := c.api.CreateSession(ctx, &req)
		if err != nil {
			return err
		}
		return c.mergeSession(created)
	case store.ActionUpdateSession:
		var req remote.UpdateSessionRequest
		if err := json.Unmarshal(a.Payload, &req); err != nil {
			return err
		}
		updated, err := c.api.UpdateSession(ctx, a.SessionID, &req)
		if err != nil {
			return err
		}
		return c.mergeSession(updated)
	default:
		c.logger.Warn("drain: unknown action type, skipping", zap.String("action", a.Type))
		return nil
	}
}
