package transport

import (
	"encoding/json"
	"time"
)

// Frame is the JSON wire format for both directions:
// {type, payload, timestamp} with an ISO8601 timestamp.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Recognized frame types. Inbound frames of any other type are ignored.
const (
	FrameMessage = "message"
	FrameTyping  = "typing"
	FrameStatus  = "status"
)

// NewFrame builds a frame with the current timestamp.
func NewFrame(frameType string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: data, Timestamp: time.Now().UTC()}, nil
}

// heartbeatFrame is the periodic no-op that keeps the connection alive and
// detects half-open sockets.
func heartbeatFrame() Frame {
	f, _ := NewFrame(FrameStatus, map[string]string{"status": "heartbeat"})
	return f
}

func recognized(frameType string) bool {
	switch frameType {
	case FrameMessage, FrameTyping, FrameStatus:
		return true
	}
	return false
}
