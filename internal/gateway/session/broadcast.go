package session

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/gateway/registry"
	"github.com/relaygate/relaygate/internal/gateway/transport"
)

// presencePayload is the wire form of a presence change notification.
type presencePayload struct {
	Kind        string    `json:"kind"`
	PrincipalID string    `json:"principal_id"`
	Online      bool      `json:"online"`
	At          time.Time `json:"at"`
}

// Broadcaster fans presence transitions out to every client connected to
// this worker. It implements presence.Notifier. Fan-out stays local:
// presence is only authoritative per worker, and no cross-worker
// propagation is attempted.
type Broadcaster struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewBroadcaster creates a local presence broadcaster.
func NewBroadcaster(reg *registry.Registry, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{registry: reg, logger: logger}
}

// OnPresenceChanged sends the transition to all locally connected
// clients except the principal's own devices. Send failures are logged
// and skipped; presence notifications are best-effort, not durable.
func (b *Broadcaster) OnPresenceChanged(principalID string, online bool) {
	payload, err := json.Marshal(presencePayload{
		Kind:        "presence",
		PrincipalID: principalID,
		Online:      online,
		At:          time.Now(),
	})
	if err != nil {
		b.logger.Error("failed to encode presence payload", zap.Error(err))
		return
	}

	sent := 0
	b.registry.ForEachChannel(func(peer string, ch transport.Channel) {
		if peer == principalID {
			return
		}
		if err := ch.Send(payload); err != nil {
			b.logger.Debug("presence broadcast skipped closed channel",
				zap.String("principal_id", peer),
				zap.Error(err))
			return
		}
		sent++
	})

	b.logger.Debug("presence change broadcast",
		zap.String("principal_id", principalID),
		zap.Bool("online", online),
		zap.Int("recipients", sent))
}
