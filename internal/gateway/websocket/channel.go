package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/gateway/transport"
)

// Timeouts for the underlying socket.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be shorter than pongWait
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

// Conn wraps one gorilla websocket connection and implements
// transport.Channel. Writes go through a buffered channel drained by a
// single write pump; reads happen on a dedicated read loop that feeds
// the server's dispatcher.
type Conn struct {
	ID string

	ws   *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	closed   bool
	closeFns []func(reason string)

	lastPing time.Time
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn wraps an upgraded websocket connection.
func NewConn(id string, ws *websocket.Conn, logger *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ID:       id,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		lastPing: time.Now(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Send queues one payload for the write pump. A full buffer rejects the
// send rather than blocking the caller.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrChannelClosed
	}
	c.mu.Unlock()

	select {
	case c.send <- payload:
		return nil
	case <-c.ctx.Done():
		return transport.ErrChannelClosed
	default:
		c.logger.Warn("send buffer full, dropping payload",
			zap.String("conn_id", c.ID))
		return transport.ErrSendBufferFull
	}
}

// OnClose registers a callback fired exactly once on close. Registering
// after the channel closed invokes the callback immediately.
func (c *Conn) OnClose(fn func(reason string)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn(transport.CloseReasonNormal)
		return
	}
	c.closeFns = append(c.closeFns, fn)
	c.mu.Unlock()
}

// Close terminates the connection with a reason the peer can read.
// Idempotent.
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fns := c.closeFns
	c.closeFns = nil
	c.mu.Unlock()

	c.cancel()

	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	err := c.ws.Close()

	for _, fn := range fns {
		fn(reason)
	}

	c.logger.Debug("connection closed",
		zap.String("conn_id", c.ID),
		zap.String("reason", reason))
	return err
}

// Start launches the pumps. onMessage receives every raw inbound frame.
func (c *Conn) Start(onMessage func(data []byte)) {
	go c.writePump()
	go c.readLoop(onMessage)
}

func (c *Conn) readLoop(onMessage func(data []byte)) {
	defer func() {
		_ = c.Close(transport.CloseReasonNormal)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("read error",
					zap.String("conn_id", c.ID),
					zap.Error(err))
			}
			return
		}
		onMessage(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close(transport.CloseReasonNormal)
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("write error",
					zap.String("conn_id", c.ID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
