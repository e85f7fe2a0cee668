package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/gateway/transport"
)

var (
	// ErrCapacityExceeded is returned when the global or per-IP
	// connection ceiling is reached.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	// ErrAlreadyBound is returned when a connection attempts to
	// authenticate twice.
	ErrAlreadyBound = errors.New("connection already bound to a principal")
	// ErrUnknownConnection is returned for operations on a connection
	// that no longer exists.
	ErrUnknownConnection = errors.New("unknown connection")
)

// Config carries the registry ceilings and the authentication deadline.
type Config struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	AuthDeadline        time.Duration
}

// Registry owns the mapping of transport connections to authenticated
// principals. It is the source of truth for "is this principal reachable
// from this process". All state is guarded by a single mutex, which also
// serializes operations touching the same principal's session set.
type Registry struct {
	mu sync.Mutex

	conns       map[string]*Connection
	byPrincipal map[string]map[string]struct{} // principal -> set of connIDs
	perIP       map[string]int

	cfg    Config
	logger *zap.Logger

	// onEvict is called after a connection is force-closed because its
	// authentication deadline fired. Optional.
	onEvict func(connID string)
}

// New creates a connection registry.
func New(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:       make(map[string]*Connection),
		byPrincipal: make(map[string]map[string]struct{}),
		perIP:       make(map[string]int),
		cfg:         cfg,
		logger:      logger,
	}
}

// SetEvictHook registers a callback invoked when an unauthenticated
// connection is evicted by its deadline timer. Must be called before the
// registry starts accepting connections.
func (r *Registry) SetEvictHook(fn func(connID string)) {
	r.onEvict = fn
}

// Register admits a new connection, enforcing the global and per-IP
// ceilings, and arms its authentication deadline. The connection is
// force-closed with a distinct reason if it does not authenticate in time.
func (r *Registry) Register(connID, remoteAddr string, ch transport.Channel) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		return nil, ErrCapacityExceeded
	}
	if r.cfg.MaxConnectionsPerIP > 0 && r.perIP[remoteAddr] >= r.cfg.MaxConnectionsPerIP {
		return nil, ErrCapacityExceeded
	}

	now := time.Now()
	conn := &Connection{
		ID:           connID,
		RemoteAddr:   remoteAddr,
		CreatedAt:    now,
		lastActivity: now,
		authDeadline: now.Add(r.cfg.AuthDeadline),
		channel:      ch,
	}
	conn.timer = time.AfterFunc(r.cfg.AuthDeadline, func() {
		r.evictUnauthenticated(connID)
	})

	r.conns[connID] = conn
	r.perIP[remoteAddr]++

	r.logger.Debug("connection registered",
		zap.String("conn_id", connID),
		zap.String("remote_addr", remoteAddr),
		zap.Int("total_connections", len(r.conns)))

	return conn, nil
}

// BindPrincipal binds an authenticated principal to a connection and
// cancels its authentication deadline. A connection authenticates at most
// once.
func (r *Registry) BindPrincipal(connID, principalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if conn.principal != "" {
		return ErrAlreadyBound
	}

	conn.principal = principalID
	if conn.timer != nil {
		conn.timer.Stop()
		conn.timer = nil
	}

	set := r.byPrincipal[principalID]
	if set == nil {
		set = make(map[string]struct{})
		r.byPrincipal[principalID] = set
	}
	set[connID] = struct{}{}

	r.logger.Info("connection bound",
		zap.String("conn_id", connID),
		zap.String("principal_id", principalID),
		zap.Int("principal_connections", len(set)))

	return nil
}

// Unregister removes a connection. When it was the last connection bound
// to its principal, the principal ID is returned with last=true so the
// caller can hand off to the presence tracker. Idempotent: a second call
// for the same ID returns ("", false).
func (r *Registry) Unregister(connID string) (principalID string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return "", false
	}

	if conn.timer != nil {
		conn.timer.Stop()
		conn.timer = nil
	}

	delete(r.conns, connID)
	if r.perIP[conn.RemoteAddr] > 1 {
		r.perIP[conn.RemoteAddr]--
	} else {
		delete(r.perIP, conn.RemoteAddr)
	}

	if conn.principal == "" {
		return "", false
	}

	set := r.byPrincipal[conn.principal]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byPrincipal, conn.principal)
		r.logger.Info("last connection for principal removed",
			zap.String("conn_id", connID),
			zap.String("principal_id", conn.principal))
		return conn.principal, true
	}

	r.logger.Debug("connection unregistered",
		zap.String("conn_id", connID),
		zap.String("principal_id", conn.principal),
		zap.Int("principal_connections", len(set)))

	return conn.principal, false
}

// ConnectionsFor returns a snapshot of the connection IDs currently bound
// to a principal, used for fan-out delivery to all of their devices.
func (r *Registry) ConnectionsFor(principalID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byPrincipal[principalID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ChannelsFor returns the transport channels of all connections bound to
// a principal.
func (r *Registry) ChannelsFor(principalID string) []transport.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byPrincipal[principalID]
	out := make([]transport.Channel, 0, len(set))
	for id := range set {
		if conn, ok := r.conns[id]; ok {
			out = append(out, conn.channel)
		}
	}
	return out
}

// PrincipalOf returns the principal bound to a connection, or
// ErrUnknownConnection.
func (r *Registry) PrincipalOf(connID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return "", ErrUnknownConnection
	}
	return conn.principal, nil
}

// Touch records activity on a connection.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[connID]; ok {
		conn.lastActivity = time.Now()
	}
}

// ForEachChannel calls fn with every authenticated connection's channel.
// Channels are snapshotted first, so fn runs without the registry lock.
func (r *Registry) ForEachChannel(fn func(principalID string, ch transport.Channel)) {
	type entry struct {
		principal string
		ch        transport.Channel
	}

	r.mu.Lock()
	snapshot := make([]entry, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.principal != "" {
			snapshot = append(snapshot, entry{conn.principal, conn.channel})
		}
	}
	r.mu.Unlock()

	for _, e := range snapshot {
		fn(e.principal, e.ch)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// PrincipalCount returns the number of principals with at least one bound
// connection.
func (r *Registry) PrincipalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPrincipal)
}

// CloseAll force-closes every connection, used during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	channels := make([]transport.Channel, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.timer != nil {
			conn.timer.Stop()
			conn.timer = nil
		}
		channels = append(channels, conn.channel)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		if ch != nil {
			_ = ch.Close(reason)
		}
	}
}

// evictUnauthenticated runs when an authentication deadline fires. The
// timer may race with BindPrincipal or Unregister, so the state is
// re-checked under the lock before anything is torn down.
func (r *Registry) evictUnauthenticated(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok || conn.principal != "" {
		// Bound or already gone between scheduling and firing.
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if r.perIP[conn.RemoteAddr] > 1 {
		r.perIP[conn.RemoteAddr]--
	} else {
		delete(r.perIP, conn.RemoteAddr)
	}
	ch := conn.channel
	r.mu.Unlock()

	r.logger.Warn("authentication deadline exceeded, evicting connection",
		zap.String("conn_id", connID),
		zap.String("remote_addr", conn.RemoteAddr))

	if ch != nil {
		_ = ch.Close(transport.CloseReasonAuthDeadline)
	}
	if r.onEvict != nil {
		r.onEvict(connID)
	}
}
