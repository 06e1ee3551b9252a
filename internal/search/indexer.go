// Package search maintains an in-memory inverted index over cached message
// content. A single worker goroutine owns the index; all reads and writes
// reach it as messages on a command channel. When the worker is unavailable
// the public Search degrades to a linear scan of the cache.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/drift/internal/bus"
	"github.com/matheus3301/drift/internal/store"
)

// ErrUnavailable is returned when neither the index worker nor the scan
// fallback could serve a query.
var ErrUnavailable = errors.New("search: index unavailable")

// queryTimeout bounds how long Search waits on the worker before falling
// back to a scan.
const queryTimeout = 250 * time.Millisecond

// snapshotInterval is how often the worker persists the index.
const snapshotInterval = time.Minute

// Indexer runs the index worker and answers queries.
type Indexer struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	// cmds carries closures executed by the worker against its index.
	cmds     chan func(*index)
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	events <-chan bus.Event
	unsub  func()
}

// New creates an indexer. Start must be called before Search uses the index;
// until then queries fall back to scanning.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		db:     db,
		bus:    b,
		logger: logger,
		cmds:   make(chan func(*index), 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start subscribes to message events and launches the worker, which restores
// the persisted snapshot (or rebuilds from the cache) and serves commands
// until Stop is called. Subscribing happens here, before the restore, so
// events published during the restore are buffered rather than missed.
func (s *Indexer) Start() {
	s.unsub = func() {}
	if s.bus != nil {
		s.events, s.unsub = s.bus.Subscribe("message.", 128)
	}
	go s.worker()
}

// Stop shuts the worker down, persisting a final snapshot first. It must
// only be called after Start.
func (s *Indexer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Search returns messages matching query, most relevant first. It asks the
// index worker; if the worker is stopped, saturated, or slow, it degrades to
// a linear scan so search keeps answering.
func (s *Indexer) Search(ctx context.Context, query, sessionID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 20
	}

	reply := make(chan []string, 1)
	ask := func(ix *index) { reply <- ix.search(query, sessionID, limit) }

	timer := time.NewTimer(queryTimeout)
	defer timer.Stop()

	select {
	case s.cmds <- ask:
		select {
		case ids := <-reply:
			return s.hydrate(ids)
		case <-timer.C:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case <-timer.C:
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.logger.Debug("search falling back to scan", zap.String("query", query))
	msgs, err := s.db.ScanMessages(query, sessionID, limit)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	return msgs, nil
}

// hydrate resolves ranked ids to full cached messages. Ids that no longer
// resolve (the record was replaced or cleaned up) are skipped; the index
// catches up on the next event or rebuild.
func (s *Indexer) hydrate(ids []string) ([]store.Message, error) {
	msgs := make([]store.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.db.GetMessage(id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			msgs = append(msgs, *m)
		}
	}
	return msgs, nil
}

func (s *Indexer) worker() {
	defer close(s.done)

	defer s.unsub()

	ix := s.restore()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	dirty := false

	for {
		select {
		case <-s.stop:
			if dirty {
				s.snapshot(ix)
			}
			return
		case cmd := <-s.cmds:
			cmd(ix)
		case evt := <-s.events:
			if s.apply(ix, evt) {
				dirty = true
			}
		case <-ticker.C:
			if dirty {
				s.snapshot(ix)
				dirty = false
			}
		}
	}
}

// apply folds one message event into the index. Events without content carry
// only the id, so the record is read back from the cache.
func (s *Indexer) apply(ix *index, evt bus.Event) bool {
	me, ok := evt.Payload.(*bus.MessageEvent)
	if !ok {
		return false
	}
	switch evt.Kind {
	case bus.KindMessageUpserted, bus.KindMessageSynced:
		if me.Content != "" {
			ix.add(me.MessageID, me.SessionID, me.Content, evt.Timestamp.UnixMilli())
			return true
		}
		m, err := s.db.GetMessage(me.MessageID)
		if err != nil || m == nil {
			return false
		}
		ix.add(m.ID, m.SessionID, m.Content, m.Timestamp)
		return true
	default:
		return false
	}
}

// restore loads the persisted snapshot, rebuilding from the cache when the
// snapshot is missing or unreadable.
func (s *Indexer) restore() *index {
	data, err := s.db.LoadSearchIndex()
	if err == nil && len(data) > 0 {
		ix := newIndex()
		if err := json.Unmarshal(data, ix); err == nil {
			s.logger.Debug("search index restored", zap.Int("messages", ix.size()))
			return ix
		}
		s.logger.Warn("search index snapshot unreadable, rebuilding")
	}
	return s.rebuild()
}

// rebuild walks every cached session's messages into a fresh index.
func (s *Indexer) rebuild() *index {
	ix := newIndex()
	sessions, err := s.db.ListSessions("", 10000, 0)
	if err != nil {
		s.logger.Error("search rebuild: listing sessions", zap.Error(err))
		return ix
	}
	for _, sess := range sessions {
		msgs, err := s.db.ListMessages(sess.ID, 10000, 0)
		if err != nil {
			s.logger.Error("search rebuild: listing messages",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		for _, m := range msgs {
			ix.add(m.ID, m.SessionID, m.Content, m.Timestamp)
		}
	}
	s.logger.Info("search index rebuilt", zap.Int("messages", ix.size()))
	return ix
}

func (s *Indexer) snapshot(ix *index) {
	data, err := json.Marshal(ix)
	if err != nil {
		s.logger.Error("search snapshot: encoding", zap.Error(err))
		return
	}
	if err := s.db.SaveSearchIndex(data); err != nil {
		s.logger.Error("search snapshot: saving", zap.Error(err))
	}
}
