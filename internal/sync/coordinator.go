// Package sync coordinates the local cache with the remote chat service:
// optimistic writes settle through the task queues while connected, fall
// into the durable offline-action log while not, and the log is replayed
// in order when connectivity returns.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/drift/internal/bus"
	"github.com/matheus3301/drift/internal/queue"
	"github.com/matheus3301/drift/internal/remote"
	"github.com/matheus3301/drift/internal/store"
)

// Queue names owned by the coordinator.
const (
	QueueMessages = "messages"
	QueueSessions = "sessions"
)

// ErrDegraded is returned for writes while the store is refusing them,
// after a storage-full or unavailable error. Cleanup clears the condition.
var ErrDegraded = errors.New("sync: store degraded, writes refused")

// API is the remote surface the coordinator drives. *remote.Client
// satisfies it; tests substitute their own.
type API interface {
	SendMessage(ctx context.Context, req *remote.SendRequest) (*remote.ChatResponse, error)
	CreateSession(ctx context.Context, req *remote.CreateSessionRequest) (*remote.Session, error)
	UpdateSession(ctx context.Context, sessionID string, req *remote.UpdateSessionRequest) (*remote.Session, error)
	SessionHistory(ctx context.Context, sessionID string) ([]remote.Message, error)
	UserHistory(ctx context.Context, userID string) ([]remote.Session, error)
	MessagesSince(ctx context.Context, since int64) ([]remote.Message, error)
	SessionsSince(ctx context.Context, since int64) ([]remote.Session, error)
	DocumentsSince(ctx context.Context, since int64) ([]remote.Document, error)
}

// Options tunes the coordinator. Zero values get defaults.
type Options struct {
	UserID        string
	PullInterval  time.Duration // default 30s
	RetentionDays int           // default 30
	Concurrency   int           // per queue; default 3
	RetryAttempts int           // per task; default 3
	TaskTimeout   time.Duration // per attempt; default 30s
}

// Coordinator owns the write path and the replay/pull loops.
type Coordinator struct {
	db     *store.DB
	queues *queue.Service
	api    API
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	mu       sync.Mutex
	online   bool
	draining bool
	degraded bool
}

// New creates a coordinator and registers its queues.
func New(db *store.DB, queues *queue.Service, api API, b *bus.Bus, logger *zap.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PullInterval <= 0 {
		opts.PullInterval = 30 * time.Second
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}
	queues.CreateQueue(QueueMessages, queue.Options{
		Concurrency:   opts.Concurrency,
		RetryAttempts: opts.RetryAttempts,
		Timeout:       opts.TaskTimeout,
	})
	queues.CreateQueue(QueueSessions, queue.Options{
		Concurrency:   opts.Concurrency,
		RetryAttempts: opts.RetryAttempts,
		Timeout:       opts.TaskTimeout,
	})
	return &Coordinator{
		db:     db,
		queues: queues,
		api:    api,
		bus:    b,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// SetOnline flips the connectivity flag. The run loop calls this from
// network events; tests call it directly.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

// Online reports the current connectivity flag.
func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Degraded reports whether writes are currently refused.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// SendMessage writes the message locally as pending, then either hands it to
// the messages queue (online) or appends it to the offline-action log
// (offline). It returns the optimistic record immediately; settlement is
// reported on the bus.
func (c *Coordinator) SendMessage(ctx context.Context, sessionID, content string) (*store.Message, error) {
	if c.Degraded() {
		return nil, ErrDegraded
	}

	msg := &store.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       "user",
		Content:    content,
		SyncStatus: store.SyncPending,
		Timestamp:  c.now().UnixMilli(),
	}
	err := c.db.WithTx(func(tx *sql.Tx) error {
		if err := store.UpsertMessageTx(tx, msg); err != nil {
			return err
		}
		return store.TouchSessionTx(tx, sessionID, 1, msg.Timestamp)
	})
	if err != nil {
		c.noteStoreErr(err)
		return nil, err
	}
	c.publish(bus.KindMessageUpserted, &bus.MessageEvent{
		MessageID:  msg.ID,
		SessionID:  sessionID,
		Content:    content,
		Role:       msg.Role,
		SyncStatus: msg.SyncStatus,
	})

	req := &remote.SendRequest{ClientID: msg.ID, SessionID: sessionID, Content: content}
	if !c.Online() {
		if err := c.logOffline(store.ActionSendMessage, sessionID, req); err != nil {
			return nil, err
		}
		return msg, nil
	}

	_, done, err := c.queues.Add(QueueMessages, func(taskCtx context.Context) error {
		resp, err := c.api.SendMessage(taskCtx, req)
		if err != nil {
			return err
		}
		return c.reconcileSend(msg.ID, sessionID, resp)
	}, queue.PriorityHigh)
	if err != nil {
		return nil, err
	}
	go c.settleSend(done, msg.ID, sessionID, req)
	return msg, nil
}

// settleSend handles the terminal outcome of a live send task. Retries and
// backoff already happened inside the queue; by the time done fires, the
// send either landed or ran out of attempts.
func (c *Coordinator) settleSend(done <-chan error, msgID, sessionID string, req *remote.SendRequest) {
	err := <-done
	if err == nil {
		return
	}
	if errors.Is(err, remote.ErrStale) {
		c.dropStale(msgID, sessionID, err)
		return
	}
	// Exhausted on a retryable failure: park it in the durable log so the
	// next drain picks it up, and surface the failed state.
	if logErr := c.logOffline(store.ActionSendMessage, sessionID, req); logErr != nil {
		c.logger.Error("failed to park exhausted send", zap.String("message_id", msgID), zap.Error(logErr))
	}
	if markErr := c.db.MarkMessageStatus(msgID, store.SyncFailed); markErr != nil {
		c.noteStoreErr(markErr)
	}
	c.publish(bus.KindMessageSendFailed, &bus.MessageEvent{
		MessageID:  msgID,
		SessionID:  sessionID,
		SyncStatus: store.SyncFailed,
		Err:        err.Error(),
	})
}

// dropStale marks a message failed and discards the action: the server says
// the target no longer exists, so replaying can never succeed.
func (c *Coordinator) dropStale(msgID, sessionID string, err error) {
	c.logger.Warn("dropping stale action",
		zap.String("message_id", msgID),
		zap.String("session_id", sessionID),
		zap.Error(err))
	if msgID != "" {
		if markErr := c.db.MarkMessageStatus(msgID, store.SyncFailed); markErr != nil {
			c.noteStoreErr(markErr)
		}
	}
	c.publish(bus.KindMessageSendFailed, &bus.MessageEvent{
		MessageID:  msgID,
		SessionID:  sessionID,
		SyncStatus: store.SyncFailed,
		Err:        err.Error(),
	})
}

// reconcileSend replaces the optimistic record with the server's
// authoritative one and appends the assistant reply, all in one transaction.
// replyID derives a stable id for a synthesized assistant reply from the
// originating send's client id, so replays land on the same row.
func replyID(clientID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("reply:"+clientID)).String()
}

func (c *Coordinator) reconcileSend(clientID, sessionID string, resp *remote.ChatResponse) error {
	now := c.now().UnixMilli()
	err := c.db.WithTx(func(tx *sql.Tx) error {
		if resp.Message != nil && resp.Message.ID != clientID {
			if err := store.DeleteMessageTx(tx, clientID); err != nil {
				return err
			}
		}
		sent := resp.Message
		if sent == nil {
			sent = &remote.Message{ID: clientID, SessionID: sessionID, Role: "user", Timestamp: now}
		}
		local := fromRemoteMessage(sent)
		local.SyncStatus = store.SyncSynced
		if err := store.UpsertMessageTx(tx, local); err != nil {
			return err
		}

		reply := resp.Reply
		if reply == nil && resp.Response != "" {
			reply = &remote.Message{
				ID:        replyID(clientID),
				SessionID: sessionID,
				Role:      "assistant",
				Content:   resp.Response,
				Timestamp: now,
			}
		}
		if reply != nil {
			r := fromRemoteMessage(reply)
			r.SyncStatus = store.SyncSynced
			if err := store.UpsertMessageTx(tx, r); err != nil {
				return err
			}
		}
		// Recompute rather than increment: an ack replayed after a crash
		// upserts rows this transaction already wrote once.
		return store.RefreshSessionStatsTx(tx, sessionID, now)
	})
	if err != nil {
		c.noteStoreErr(err)
		return err
	}

	authoritative := clientID
	if resp.Message != nil {
		authoritative = resp.Message.ID
	}
	c.publish(bus.KindMessageSynced, &bus.MessageEvent{
		MessageID:  authoritative,
		SessionID:  sessionID,
		SyncStatus: store.SyncSynced,
	})
	return nil
}

// CreateSession writes an active session locally and syncs it. The
// client-generated id doubles as the idempotency key; the server adopts it,
// so replays after a timed-out-but-landed create are safe no-ops.
func (c *Coordinator) CreateSession(ctx context.Context, title string) (*store.Session, error) {
	if c.Degraded() {
		return nil, ErrDegraded
	}

	now := c.now().UnixMilli()
	sess := &store.Session{
		ID:        uuid.NewString(),
		UserID:    c.opts.UserID,
		Status:    store.SessionActive,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.db.UpsertSession(sess); err != nil {
		c.noteStoreErr(err)
		return nil, err
	}
	c.publish(bus.KindSessionUpserted, &bus.SessionEvent{SessionID: sess.ID, Status: sess.Status})

	req := &remote.CreateSessionRequest{ClientID: sess.ID, UserID: c.opts.UserID, Title: title}
	if !c.Online() {
		if err := c.logOffline(store.ActionCreateSession, sess.ID, req); err != nil {
			return nil, err
		}
		return sess, nil
	}

	_, done, err := c.queues.Add(QueueSessions, func(taskCtx context.Context) error {
		created, err := c.api.CreateSession(taskCtx, req)
		if err != nil {
			return err
		}
		return c.mergeSession(created)
	}, queue.PriorityHigh)
	if err != nil {
		return nil, err
	}
	go c.settleSession(done, store.ActionCreateSession, sess.ID, req)
	return sess, nil
}

// UpdateSession applies a status/title change locally and syncs it.
func (c *Coordinator) UpdateSession(ctx context.Context, sessionID, status, title string) error {
	if c.Degraded() {
		return ErrDegraded
	}

	sess, err := c.db.GetSession(sessionID)
	if err != nil {
		c.noteStoreErr(err)
		return err
	}
	if sess == nil {
		return fmt.Errorf("sync: unknown session %s", sessionID)
	}
	if status != "" {
		sess.Status = status
	}
	if title != "" {
		sess.Title = title
	}
	sess.UpdatedAt = c.now().UnixMilli()
	if err := c.db.UpsertSession(sess); err != nil {
		c.noteStoreErr(err)
		return err
	}
	c.publish(bus.KindSessionUpserted, &bus.SessionEvent{SessionID: sess.ID, Status: sess.Status})

	req := &remote.UpdateSessionRequest{Status: status, Title: title}
	if !c.Online() {
		return c.logOffline(store.ActionUpdateSession, sessionID, req)
	}

	_, done, err := c.queues.Add(QueueSessions, func(taskCtx context.Context) error {
		updated, err := c.api.UpdateSession(taskCtx, sessionID, req)
		if err != nil {
			return err
		}
		return c.mergeSession(updated)
	}, queue.PriorityHigh)
	if err != nil {
		return err
	}
	go c.settleSession(done, store.ActionUpdateSession, sessionID, req)
	return nil
}

func (c *Coordinator) settleSession(done <-chan error, actionType, sessionID string, req any) {
	err := <-done
	if err == nil {
		return
	}
	if errors.Is(err, remote.ErrStale) {
		c.logger.Warn("dropping stale session action",
			zap.String("action", actionType),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	if logErr := c.logOffline(actionType, sessionID, req); logErr != nil {
		c.logger.Error("failed to park exhausted session action",
			zap.String("action", actionType),
			zap.String("session_id", sessionID),
			zap.Error(logErr))
	}
}

// mergeSession stores the server's session record.
func (c *Coordinator) mergeSession(s *remote.Session) error {
	if s == nil {
		return nil
	}
	if err := c.db.UpsertSession(fromRemoteSession(s)); err != nil {
		c.noteStoreErr(err)
		return err
	}
	return nil
}

// logOffline appends a durable replay entry for the action.
func (c *Coordinator) logOffline(actionType, sessionID string, req any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.db.AppendOfflineAction(actionType, sessionID, payload); err != nil {
		c.noteStoreErr(err)
		return err
	}
	c.logger.Debug("offline action logged",
		zap.String("action", actionType),
		zap.String("session_id", sessionID))
	return nil
}

// Cleanup prunes records past the retention window and, on success, lifts
// the degraded flag: reclaimed space means writes can be accepted again.
func (c *Coordinator) Cleanup() (int64, error) {
	removed, err := c.db.Cleanup(c.opts.RetentionDays)
	if err != nil {
		c.noteStoreErr(err)
		return 0, err
	}
	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()
	if removed > 0 {
		c.logger.Info("retention cleanup", zap.Int64("removed", removed))
	}
	return removed, nil
}

// noteStoreErr trips the degraded flag on storage-full or unavailable
// errors so subsequent writes fail fast instead of grinding on a sick store.
func (c *Coordinator) noteStoreErr(err error) {
	if errors.Is(err, store.ErrStorageFull) || errors.Is(err, store.ErrUnavailable) {
		c.mu.Lock()
		if !c.degraded {
			c.degraded = true
			c.logger.Warn("store degraded, refusing writes until cleanup", zap.Error(err))
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) publish(kind bus.Kind, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: c.now(), Payload: payload})
}

func fromRemoteMessage(m *remote.Message) *store.Message {
	return &store.Message{
		ID:           m.ID,
		SessionID:    m.SessionID,
		Role:         m.Role,
		Content:      m.Content,
		Confidence:   m.Confidence,
		DocumentRefs: m.DocumentRefs,
		Timestamp:    m.Timestamp,
	}
}

func fromRemoteSession(s *remote.Session) *store.Session {
	return &store.Session{
		ID:           s.ID,
		UserID:       s.UserID,
		Status:       s.Status,
		Title:        s.Title,
		MessageCount: s.MessageCount,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func fromRemoteDocument(d *remote.Document) *store.Document {
	return &store.Document{
		ID:        d.ID,
		MessageID: d.MessageID,
		Type:      d.Type,
		Name:      d.Name,
		Timestamp: d.Timestamp,
	}
}
