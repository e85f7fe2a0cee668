package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/gateway/delivery"
	"github.com/relaygate/relaygate/internal/gateway/presence"
	"github.com/relaygate/relaygate/internal/gateway/ratelimit"
	"github.com/relaygate/relaygate/internal/gateway/registry"
	"github.com/relaygate/relaygate/internal/gateway/transport"
)

// CredentialVerifier validates an authentication credential and returns
// the principal it belongs to. The jwt manager satisfies this; in
// production the secret is shared with the identity service.
type CredentialVerifier interface {
	Verify(token string) (principalID string, err error)
}

// Config tunes the coordinator.
type Config struct {
	// OversizeBytes is the payload size above which a message is charged
	// double weight against the rate limit windows.
	OversizeBytes int
}

// Coordinator is the façade the transport layer drives: accept,
// authenticate, inbound message, close. It orchestrates the rate
// limiters, the connection registry, the presence tracker and the
// delivery engine.
type Coordinator struct {
	registry *registry.Registry
	tracker  *presence.Tracker
	engine   *delivery.Engine

	connLimiter      *ratelimit.Limiter // connection attempts, keyed by remote IP
	principalLimiter *ratelimit.Limiter // messages, keyed by principal
	connMsgLimiter   *ratelimit.Limiter // messages, keyed by connection

	verifier CredentialVerifier
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewCoordinator wires the session façade.
func NewCoordinator(
	reg *registry.Registry,
	tracker *presence.Tracker,
	engine *delivery.Engine,
	connLimiter, principalLimiter, connMsgLimiter *ratelimit.Limiter,
	verifier CredentialVerifier,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		registry:         reg,
		tracker:          tracker,
		engine:           engine,
		connLimiter:      connLimiter,
		principalLimiter: principalLimiter,
		connMsgLimiter:   connMsgLimiter,
		verifier:         verifier,
		cfg:              cfg,
		logger:           logger,
		tracer:           otel.Tracer("relaygate/session"),
	}
}

// HandleAccept admits a raw transport connection: the IP rate limit is
// checked before any state is mutated, then the registry takes ownership
// and arms the authentication deadline.
func (c *Coordinator) HandleAccept(connID, remoteIP string, ch transport.Channel) error {
	if !c.connLimiter.Allow(remoteIP) {
		return &RateLimitError{Scope: "ip", RetryAfter: c.connLimiter.RetryAfter(remoteIP)}
	}

	_, err := c.registry.Register(connID, remoteIP, ch)
	return err
}

// HandleAuthenticate verifies the credential, binds the principal to the
// connection, flips presence, and kicks off the queue drain for this
// principal in the background so paced sends never block the read loop.
func (c *Coordinator) HandleAuthenticate(ctx context.Context, connID, token string, ch transport.Channel) (string, error) {
	ctx, span := c.tracer.Start(ctx, "session.Authenticate")
	defer span.End()

	principalID, err := c.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("principal_id", principalID))

	if err := c.registry.BindPrincipal(connID, principalID); err != nil {
		return "", err
	}
	c.tracker.OnConnectionBound(principalID)

	go c.drain(principalID, ch)

	return principalID, nil
}

// HandleClose releases a connection. If it was the principal's last one,
// the presence tracker takes over and starts the grace period.
func (c *Coordinator) HandleClose(connID string) {
	principalID, last := c.registry.Unregister(connID)
	if last {
		c.tracker.OnConnectionUnbound(principalID)
	}
}

// HandleMessage gates one inbound application message. The per-principal
// and per-connection windows must BOTH pass; a message exceeding the
// oversize threshold is charged double weight in each. Returns the bound
// principal so the caller can route the message to business handlers.
func (c *Coordinator) HandleMessage(connID string, size int) (string, error) {
	principalID, err := c.registry.PrincipalOf(connID)
	if err != nil {
		return "", err
	}
	if principalID == "" {
		return "", ErrNotAuthenticated
	}

	weight := 1
	if c.cfg.OversizeBytes > 0 && size > c.cfg.OversizeBytes {
		weight = 2
	}

	if !c.principalLimiter.AllowN(principalID, weight) {
		return "", &RateLimitError{Scope: "principal", RetryAfter: c.principalLimiter.RetryAfter(principalID)}
	}
	if !c.connMsgLimiter.AllowN(connID, weight) {
		return "", &RateLimitError{Scope: "connection", RetryAfter: c.connMsgLimiter.RetryAfter(connID)}
	}

	c.registry.Touch(connID)
	return principalID, nil
}

// Publish routes an application event to a principal: reachable targets
// get it pushed to every device immediately, unreachable ones get a
// durable queue entry drained on their next reconnect. A failed live send
// falls back to the queue so the event is never dropped.
func (c *Coordinator) Publish(ctx context.Context, principalID, eventType string, payload []byte) error {
	if c.tracker.Online(principalID) {
		channels := c.registry.ChannelsFor(principalID)
		if len(channels) > 0 {
			event, err := c.engine.Enqueue(ctx, principalID, eventType, payload)
			if err != nil {
				return err
			}
			encoded, err := event.Encode()
			if err != nil {
				return err
			}
			sent := false
			for _, ch := range channels {
				if err := ch.Send(encoded); err != nil {
					c.logger.Debug("live delivery failed on one device",
						zap.String("principal_id", principalID),
						zap.String("delivery_id", event.DeliveryID),
						zap.Error(err))
					continue
				}
				sent = true
			}
			if sent {
				c.engine.Ack(ctx, event.DeliveryID)
			}
			return nil
		}
	}

	_, err := c.engine.Enqueue(ctx, principalID, eventType, payload)
	return err
}

// Shutdown stops presence timers and force-closes every connection.
func (c *Coordinator) Shutdown() {
	c.tracker.Close()
	c.registry.CloseAll(transport.CloseReasonShutdown)
}

// drain runs the queue drain for a fresh connection. Errors are logged
// and left for the next reconnect; the durable queue is intact either
// way.
func (c *Coordinator) drain(principalID string, ch transport.Channel) {
	ctx, span := c.tracer.Start(context.Background(), "session.Drain",
		trace.WithAttributes(attribute.String("principal_id", principalID)))
	defer span.End()

	delivered, err := c.engine.Drain(ctx, principalID, ch)
	if err != nil {
		c.logger.Warn("drain failed, events remain queued",
			zap.String("principal_id", principalID),
			zap.Error(err))
		return
	}
	if delivered > 0 {
		c.logger.Info("queued events delivered",
			zap.String("principal_id", principalID),
			zap.Int("count", delivered))
	}
}
