package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a client/server frame.
type MessageType string

const (
	// Control frames
	MessageTypeAuth       MessageType = "auth"        // authentication request
	MessageTypeAuthResult MessageType = "auth_result" // authentication outcome
	MessageTypeError      MessageType = "error"       // structured rejection

	// Application frames
	MessageTypePublish MessageType = "publish" // inbound application message
)

// Message is the JSON envelope exchanged over a websocket connection.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	// RetryAfterMs accompanies rate-limit rejections.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
}

// NewMessage creates an envelope with a fresh ID.
func NewMessage(msgType MessageType, data json.RawMessage) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewErrorMessage creates a structured rejection frame.
func NewErrorMessage(err string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      MessageTypeError,
		Timestamp: time.Now(),
		Error:     err,
	}
}

// ToJSON renders the envelope.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON parses an envelope.
func FromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AuthData is the payload of an auth frame.
type AuthData struct {
	Token string `json:"token"`
}

// AuthResult is the payload of an auth_result frame.
type AuthResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	PrincipalID string `json:"principal_id,omitempty"`
}

// PublishData is the payload of a publish frame. Target and event type
// route the payload to the delivery pipeline.
type PublishData struct {
	Target  string          `json:"target"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
