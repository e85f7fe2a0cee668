package delivery

import (
	"encoding/json"
	"time"
)

// Event is the envelope for something that happened while its target was
// unreachable: a reaction, an edit, a membership change. Primary chat
// messages are fetched through history paging and never travel through
// this queue.
type Event struct {
	// DeliveryID identifies the durable copy and is the dedup key for
	// at-least-once delivery.
	DeliveryID string `json:"delivery_id"`

	// Principal is the target principal ID.
	Principal string `json:"principal"`

	// Type names the event kind ("reaction_added", "message_edited", ...).
	Type string `json:"type"`

	// Payload is the opaque application payload.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt orders events for a principal.
	CreatedAt time.Time `json:"created_at"`
}

// Encode renders the event as the wire payload sent over a transport
// channel during drain.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		Event
	}{Kind: "queued_event", Event: e})
}
