package websocket

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/gateway/metrics"
	"github.com/relaygate/relaygate/internal/gateway/registry"
	"github.com/relaygate/relaygate/internal/gateway/session"
	"github.com/relaygate/relaygate/internal/gateway/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement belongs to the edge proxy.
		return true
	},
}

// Server upgrades HTTP requests to websocket connections and drives the
// session coordinator with their lifecycle: accept, authenticate,
// inbound messages, close.
type Server struct {
	coordinator *session.Coordinator
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewServer creates the websocket front end.
func NewServer(coordinator *session.Coordinator, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		coordinator: coordinator,
		metrics:     m,
		logger:      logger,
	}
}

// HandleWebSocket returns the upgrade handler registered on /ws.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("failed to upgrade connection",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err))
			return
		}

		connID := uuid.NewString()
		conn := NewConn(connID, ws, s.logger)
		remoteIP := remoteIPOf(r)

		if err := s.coordinator.HandleAccept(connID, remoteIP, conn); err != nil {
			s.reject(conn, err)
			return
		}
		s.metrics.ConnectionsAccepted.Inc()
		s.metrics.ActiveConnections.Inc()

		conn.OnClose(func(reason string) {
			s.coordinator.HandleClose(connID)
			s.metrics.ActiveConnections.Dec()
		})

		conn.Start(func(data []byte) {
			s.dispatch(conn, data)
		})

		s.logger.Info("connection accepted",
			zap.String("conn_id", connID),
			zap.String("remote_ip", remoteIP))
	}
}

// dispatch routes one inbound frame. It runs on the connection's read
// loop, so the upgrade request's context is long gone; the connection's
// own context bounds downstream work.
func (s *Server) dispatch(conn *Conn, data []byte) {
	msg, err := FromJSON(data)
	if err != nil {
		s.sendError(conn, "invalid message format", 0)
		return
	}

	switch msg.Type {
	case MessageTypeAuth:
		s.handleAuth(conn, msg)
	case MessageTypePublish:
		s.handlePublish(conn, msg, len(data))
	case MessageTypeAuthResult, MessageTypeError:
		// Server-originated types; ignore from clients.
	default:
		s.sendError(conn, "unknown message type", 0)
	}
}

func (s *Server) handleAuth(conn *Conn, msg *Message) {
	var auth AuthData
	if err := json.Unmarshal(msg.Data, &auth); err != nil || auth.Token == "" {
		s.sendAuthResult(conn, false, "missing token", "")
		return
	}

	principalID, err := s.coordinator.HandleAuthenticate(conn.ctx, conn.ID, auth.Token, conn)
	if err != nil {
		s.metrics.AuthFailures.Inc()
		switch {
		case errors.Is(err, registry.ErrAlreadyBound):
			s.sendAuthResult(conn, false, "already authenticated", "")
		case errors.Is(err, registry.ErrUnknownConnection):
			// Connection evicted concurrently; nothing to answer on.
		default:
			s.sendAuthResult(conn, false, "invalid credential", "")
		}
		return
	}

	s.metrics.AuthSuccesses.Inc()
	s.sendAuthResult(conn, true, "", principalID)
}

func (s *Server) handlePublish(conn *Conn, msg *Message, frameSize int) {
	_, err := s.coordinator.HandleMessage(conn.ID, frameSize)
	if err != nil {
		var rl *session.RateLimitError
		switch {
		case errors.As(err, &rl):
			s.metrics.RateLimitRejections.WithLabelValues(rl.Scope).Inc()
			s.sendError(conn, "rate limited", rl.RetryAfter.Milliseconds())
		case errors.Is(err, session.ErrNotAuthenticated):
			s.sendError(conn, "authenticate first", 0)
		default:
			s.sendError(conn, "temporarily unavailable", 0)
		}
		return
	}

	var pub PublishData
	if err := json.Unmarshal(msg.Data, &pub); err != nil || pub.Target == "" || pub.Event == "" {
		s.sendError(conn, "invalid publish payload", 0)
		return
	}

	if err := s.coordinator.Publish(conn.ctx, pub.Target, pub.Event, pub.Payload); err != nil {
		// A durable write failure is surfaced, never silent success.
		s.logger.Error("publish failed",
			zap.String("conn_id", conn.ID),
			zap.String("target", pub.Target),
			zap.Error(err))
		s.sendError(conn, "temporarily unavailable", 0)
		return
	}
	s.metrics.EventsPublished.Inc()
}

// reject answers a refused accept with a structured close.
func (s *Server) reject(conn *Conn, err error) {
	var rl *session.RateLimitError
	switch {
	case errors.As(err, &rl):
		s.metrics.RateLimitRejections.WithLabelValues(rl.Scope).Inc()
		s.sendError(conn, "rate limited", rl.RetryAfter.Milliseconds())
		_ = conn.Close(transport.CloseReasonRateLimited)
	case errors.Is(err, registry.ErrCapacityExceeded):
		s.metrics.CapacityRejections.Inc()
		_ = conn.Close(transport.CloseReasonCapacity)
	default:
		_ = conn.Close(transport.CloseReasonNormal)
	}

	s.logger.Warn("connection rejected", zap.Error(err))
}

func (s *Server) sendAuthResult(conn *Conn, success bool, reason, principalID string) {
	data, err := json.Marshal(AuthResult{
		Success:     success,
		Message:     reason,
		PrincipalID: principalID,
	})
	if err != nil {
		return
	}
	s.sendMessage(conn, NewMessage(MessageTypeAuthResult, data))
}

func (s *Server) sendError(conn *Conn, reason string, retryAfterMs int64) {
	msg := NewErrorMessage(reason)
	msg.RetryAfterMs = retryAfterMs
	s.sendMessage(conn, msg)
}

func (s *Server) sendMessage(conn *Conn, msg *Message) {
	data, err := msg.ToJSON()
	if err != nil {
		return
	}
	if err := conn.Send(data); err != nil {
		s.logger.Debug("failed to send control frame",
			zap.String("conn_id", conn.ID),
			zap.Error(err))
	}
}

// remoteIPOf extracts the client IP, trusting X-Forwarded-For from the
// edge proxy when present. The header carries one entry per hop; the
// first is the original client.
func remoteIPOf(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
