package remote

// Message is the server's wire representation of a chat message.
type Message struct {
	ID           string   `json:"id"`
	SessionID    string   `json:"sessionId"`
	Role         string   `json:"role"`
	Content      string   `json:"content"`
	Confidence   float64  `json:"confidence,omitempty"`
	DocumentRefs []string `json:"documentRefs,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

// Session is the server's wire representation of a chat session.
type Session struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	Status       string `json:"status"`
	Title        string `json:"title"`
	MessageCount int    `json:"messageCount"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Document is the server's wire representation of a document reference.
type Document struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// SendRequest is the body for POST /chat. ClientID is the client-generated
// message id; the server dedupes on it, which is what makes replay after a
// timed-out-but-landed attempt safe.
type SendRequest struct {
	ClientID  string `json:"clientId"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// ChatResponse is the body of a successful POST /chat. Message is the
// authoritative record of the sent message; Response carries the assistant
// reply content when the server didn't expand it into Reply.
type ChatResponse struct {
	Message  *Message `json:"message,omitempty"`
	Reply    *Message `json:"reply,omitempty"`
	Response string   `json:"response,omitempty"`
}

// CreateSessionRequest is the body for POST /sessions/new.
type CreateSessionRequest struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
	Title    string `json:"title"`
}

// UpdateSessionRequest is the body for POST /sessions/{id}.
type UpdateSessionRequest struct {
	Status string `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`
}
