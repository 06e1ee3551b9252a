// Package transport maintains the single duplex WebSocket connection to the
// chat server: state machine, bounded fixed-delay reconnect, heartbeat, and
// JSON frame codec. Durability is not its job — callers needing guaranteed
// delivery go through the sync coordinator, not raw Send.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/matheus3301/drift/internal/bus"
	"go.uber.org/zap"
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateDown is terminal: reconnect attempts are exhausted and the
	// manager will not retry until Connect is called again.
	StateDown State = "down"
)

// Config configures the manager.
type Config struct {
	URL                  string
	ReconnectDelay       time.Duration // fixed delay between attempts
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration // 0 disables the heartbeat
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// Manager owns the WebSocket connection lifecycle.
type Manager struct {
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	attempts    int
	intentional bool
	cancel      context.CancelFunc
}

// NewManager creates a transport manager. Connect must be called to go online.
func NewManager(cfg Config, b *bus.Bus, logger *zap.Logger) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, bus: b, logger: logger, state: StateDisconnected}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the connection. Idempotent: a no-op while already
// connected or connecting. Calling it from StateDown restarts the retry budget.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.intentional = false
	m.attempts = 0
	m.mu.Unlock()

	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, m.cfg.URL, nil)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	// Stop the previous connection's loops before handing over. A heartbeat
	// loop from the old connection would otherwise keep ticking against the
	// new one.
	if m.cancel != nil {
		m.cancel()
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("transport connected", zap.String("url", m.cfg.URL))
	m.bus.Publish(bus.Event{Kind: bus.KindNetworkOnline, Timestamp: time.Now(), Payload: &bus.NetworkEvent{}})

	go m.readLoop(connCtx, conn)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeatLoop(connCtx)
	}
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect timer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	m.logger.Info("transport disconnected")
	m.bus.Publish(bus.Event{Kind: bus.KindNetworkOffline, Timestamp: time.Now(), Payload: &bus.NetworkEvent{Reason: "client disconnect"}})
}

// Send writes a frame. Returns false — without error — when not connected or
// on write failure: the frame is dropped, never buffered.
func (m *Manager) Send(ctx context.Context, f Frame) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return false
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(f)
	if err != nil {
		m.logger.Error("frame marshal failed", zap.Error(err))
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		m.logger.Warn("frame write failed", zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.mu.Lock()
			intentional := m.intentional
			if m.conn == conn {
				m.conn = nil
				m.state = StateDisconnected
			}
			m.mu.Unlock()

			if intentional {
				return
			}
			m.logger.Warn("connection lost", zap.Error(err))
			m.bus.Publish(bus.Event{Kind: bus.KindNetworkOffline, Timestamp: time.Now(), Payload: &bus.NetworkEvent{Reason: err.Error()}})
			m.scheduleReconnect(ctx)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			// Malformed frames are dropped; the connection stays up.
			m.logger.Warn("malformed frame dropped", zap.Error(err))
			continue
		}
		if !recognized(f.Type) {
			m.logger.Debug("unrecognized frame type ignored", zap.String("type", f.Type))
			continue
		}
		m.bus.Publish(bus.Event{
			Kind:      bus.KindFrameReceived,
			Timestamp: time.Now(),
			Payload:   &bus.FrameEvent{Type: f.Type, Payload: f.Payload},
		})
	}
}

func (m *Manager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	if attempt > m.cfg.MaxReconnectAttempts {
		m.state = StateDown
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", attempt-1))
		m.bus.Publish(bus.Event{Kind: bus.KindNetworkDown, Timestamp: time.Now(), Payload: &bus.NetworkEvent{Attempt: attempt - 1, Reason: "reconnect attempts exhausted"}})
		return
	}
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", m.cfg.ReconnectDelay))

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectDelay):
		}

		m.mu.Lock()
		if m.intentional {
			m.mu.Unlock()
			return
		}
		m.state = StateConnecting
		m.mu.Unlock()

		if err := m.dial(context.Background()); err != nil {
			m.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			m.scheduleReconnect(ctx)
		}
	}()
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Send(ctx, heartbeatFrame()) {
				return
			}
		}
	}
}
