package wsmux

import (
	"encoding/json"
	"time"
)

// Directions of an Entry.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Entry describes one frame crossing the socket.
type Entry struct {
	Time      time.Time `json:"time"`
	Direction string    `json:"direction"`
	// RequestID is nil for broadcasts and malformed frames.
	RequestID   *int            `json:"request_id,omitempty"`
	Route       string          `json:"route,omitempty"`
	Disposition string          `json:"disposition,omitempty"`
	Frame       json.RawMessage `json:"frame,omitempty"`
}

// Tap observes every frame sent or received. Methods run on the client's
// send and read paths and must return quickly.
type Tap interface {
	Sent(Entry)
	Received(Entry)
}

func intPtr(n int) *int { return &n }

// validFrame returns data as raw JSON when it is valid, or as a JSON string otherwise.
func validFrame(data []byte) json.RawMessage {
	if json.Valid(data) {
		return append(json.RawMessage(nil), data...)
	}
	b, _ := json.Marshal(string(data))
	return b
}
