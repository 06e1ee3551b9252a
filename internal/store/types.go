package store

// Message sync status values.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// Session status values.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
	SessionDeleted  = "deleted"
)

// Offline action types.
const (
	ActionSendMessage   = "send_message"
	ActionCreateSession = "create_session"
	ActionUpdateSession = "update_session"
)

// Message is a cached chat message. IDs are client-generated until the
// server's authoritative record replaces the optimistic one.
type Message struct {
	ID           string
	SessionID    string
	Role         string // user, assistant
	Content      string
	Confidence   float64
	DocumentRefs []string
	SyncStatus   string // pending, synced, failed
	Timestamp    int64
}

// Session is a cached chat session.
type Session struct {
	ID           string
	UserID       string
	Status       string // active, archived, deleted
	Title        string
	MessageCount int
	CreatedAt    int64
	UpdatedAt    int64
}

// Document is a cached document reference attached to a message.
type Document struct {
	ID        string
	MessageID string
	Type      string
	Name      string
	Timestamp int64
}

// OfflineAction is a durable log entry for a mutation pending remote replay.
type OfflineAction struct {
	ID          int64
	Type        string // send_message, create_session, update_session
	SessionID   string
	Payload     []byte
	Attempts    int
	EnqueuedAt  int64
	NextRetryAt int64
}
