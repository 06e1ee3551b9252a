package bus

import "time"

// Kind identifies an event variant. The set below is closed: payload types
// are fixed per kind so subscribers can type-assert without guessing.
type Kind string

const (
	// message.* — payload is *MessageEvent.
	KindMessageUpserted   Kind = "message.upserted"
	KindMessageSynced     Kind = "message.synced"
	KindMessageSendFailed Kind = "message.send_failed"

	// session.* — payload is *SessionEvent.
	KindSessionUpserted Kind = "session.upserted"

	// network.* — payload is *NetworkEvent.
	KindNetworkOnline  Kind = "network.online"
	KindNetworkOffline Kind = "network.offline"
	KindNetworkDown    Kind = "network.down"

	// transport.* — payload is *FrameEvent.
	KindFrameReceived Kind = "transport.frame"

	// sync.* — payload is *SyncEvent.
	KindSyncPullApplied  Kind = "sync.pull_applied"
	KindSyncDrainStarted Kind = "sync.drain_started"
	KindSyncDrainDone    Kind = "sync.drain_done"

	// engine.* — payload is status.StatusChange.
	KindStatusChanged Kind = "engine.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// MessageEvent is the payload for message.* events.
type MessageEvent struct {
	MessageID  string
	SessionID  string
	Content    string
	Role       string
	SyncStatus string
	Err        string
}

// SessionEvent is the payload for session.* events.
type SessionEvent struct {
	SessionID string
	Status    string
}

// NetworkEvent is the payload for network.* events.
type NetworkEvent struct {
	Attempt int
	Reason  string
}

// FrameEvent is the payload for transport.frame events.
type FrameEvent struct {
	Type    string
	Payload []byte
}

// SyncEvent is the payload for sync.* events.
type SyncEvent struct {
	Messages  int
	Sessions  int
	Documents int
	Replayed  int
	Dropped   int
}
