package registry

import (
	"time"

	"github.com/relaygate/relaygate/internal/gateway/transport"
)

// Connection is one transport-level socket tracked by the registry.
// The principal field stays empty until authentication completes; all
// mutation happens under the registry lock.
type Connection struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	principal    string
	lastActivity time.Time
	authDeadline time.Time

	channel transport.Channel
	timer   *time.Timer // authentication deadline, nil once bound
}

// Principal returns the bound principal ID, empty before authentication.
// Safe for use only through registry accessors.
func (c *Connection) Principal() string {
	return c.principal
}

// Channel returns the transport channel backing this connection.
func (c *Connection) Channel() transport.Channel {
	return c.channel
}

// LastActivity returns the last time traffic was observed on this
// connection.
func (c *Connection) LastActivity() time.Time {
	return c.lastActivity
}
