package transport

import "errors"

var (
	ErrChannelClosed  = errors.New("channel closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Close reasons sent to the peer when the gateway terminates a connection.
const (
	CloseReasonCapacity     = "capacity_exceeded"
	CloseReasonAuthDeadline = "auth_deadline_exceeded"
	CloseReasonRateLimited  = "rate_limited"
	CloseReasonShutdown     = "server_shutdown"
	CloseReasonNormal       = "normal"
)

// Channel is an abstract bidirectional message channel to one client.
// The gateway makes no assumption about the encoding of payloads; the
// websocket package provides the production implementation.
type Channel interface {
	// Send writes one payload to the peer. Returns ErrChannelClosed once
	// the channel is no longer usable.
	Send(payload []byte) error

	// OnClose registers a callback invoked exactly once when the channel
	// closes, whether locally or by the peer.
	OnClose(fn func(reason string))

	// Close terminates the channel with the given reason. Idempotent.
	Close(reason string) error
}
