package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notifier receives presence transitions. Fired at most once per actual
// transition; grace-period re-entry is silent. Notifications are
// best-effort and never retried.
type Notifier interface {
	OnPresenceChanged(principalID string, online bool)
}

// ConnectionSource answers whether a principal still has bound
// connections. The connection registry satisfies this.
type ConnectionSource interface {
	ConnectionsFor(principalID string) []string
}

// Tracker manages the per-principal online/offline state machine:
//
//	Unknown -> Online -> (last connection drops) GracePeriod -> Offline
//
// with GracePeriod -> Online on any new bound connection before the grace
// timer fires. At most one live timer exists per principal.
type Tracker struct {
	mu sync.Mutex

	online map[string]bool
	timers map[string]*graceTimer

	grace    time.Duration
	source   ConnectionSource
	notifier Notifier
	logger   *zap.Logger

	closed bool
}

// graceTimer is a cancellable handle. The fire handler checks its
// identity against the map entry instead of trusting Stop's return
// value, which tolerates the timer having already fired.
type graceTimer struct {
	timer *time.Timer
}

// NewTracker creates a presence tracker with the given grace period.
func NewTracker(grace time.Duration, source ConnectionSource, notifier Notifier, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		online:   make(map[string]bool),
		timers:   make(map[string]*graceTimer),
		grace:    grace,
		source:   source,
		notifier: notifier,
		logger:   logger,
	}
}

// OnConnectionBound is called after a connection authenticates for the
// principal. A pending grace timer is cancelled silently; a first
// connection transitions the principal online and emits exactly one
// online notification.
func (t *Tracker) OnConnectionBound(principalID string) {
	t.mu.Lock()

	if len(t.source.ConnectionsFor(principalID)) == 0 {
		// The connection closed again before this ran. Marking the
		// principal online here would strand it with no connection and
		// no timer; any running grace timer re-checks the registry on
		// fire, so leaving state untouched is correct in both orders.
		t.mu.Unlock()
		t.logger.Debug("bind event for already-gone connection ignored",
			zap.String("principal_id", principalID))
		return
	}

	if gt, ok := t.timers[principalID]; ok {
		// Back within the grace period: nothing externally changed, so
		// the transition back to Online is silent.
		gt.timer.Stop()
		delete(t.timers, principalID)
		t.mu.Unlock()
		t.logger.Debug("grace timer cancelled, principal stayed online",
			zap.String("principal_id", principalID))
		return
	}

	if t.online[principalID] {
		// Additional device for an already-online principal.
		t.mu.Unlock()
		return
	}

	t.online[principalID] = true
	t.mu.Unlock()

	t.logger.Info("principal online", zap.String("principal_id", principalID))
	t.notify(principalID, true)
}

// OnConnectionUnbound is called after a connection for the principal is
// removed. While at least one connection remains nothing changes; when
// none remain a single grace timer is started. Re-arming an already
// running timer is a no-op.
func (t *Tracker) OnConnectionUnbound(principalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || !t.online[principalID] {
		return
	}
	if len(t.source.ConnectionsFor(principalID)) > 0 {
		return
	}
	if _, running := t.timers[principalID]; running {
		// At most one live timer per principal.
		return
	}

	gt := &graceTimer{}
	gt.timer = time.AfterFunc(t.grace, func() {
		t.graceExpired(principalID, gt)
	})
	t.timers[principalID] = gt

	t.logger.Debug("grace timer started",
		zap.String("principal_id", principalID),
		zap.Duration("grace", t.grace))
}

// Online reports whether the principal is currently considered online.
// A principal inside its grace period is still online.
func (t *Tracker) Online(principalID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[principalID]
}

// OnlineCount returns the number of principals currently online.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.online)
}

// Close cancels all pending grace timers. Further unbind events are
// ignored; used during shutdown.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for id, gt := range t.timers {
		gt.timer.Stop()
		delete(t.timers, id)
	}
}

// graceExpired runs when a grace timer fires. The timer may race with
// OnConnectionBound in either order, so the handle identity and the
// registry are both re-checked before declaring the principal offline.
func (t *Tracker) graceExpired(principalID string, gt *graceTimer) {
	t.mu.Lock()

	current, ok := t.timers[principalID]
	if !ok || current != gt {
		// Cancelled (or replaced) after this fire was already scheduled.
		t.mu.Unlock()
		return
	}
	delete(t.timers, principalID)

	if len(t.source.ConnectionsFor(principalID)) > 0 {
		// A connection appeared between scheduling and firing; the bind
		// path normally cancels the timer, this is the safety-net check.
		t.mu.Unlock()
		return
	}

	delete(t.online, principalID)
	t.mu.Unlock()

	t.logger.Info("principal offline",
		zap.String("principal_id", principalID),
		zap.Duration("grace", t.grace))
	t.notify(principalID, false)
}

// notify emits a presence change outside the tracker lock. Errors inside
// the notifier are its own concern; presence notifications are not
// durable.
func (t *Tracker) notify(principalID string, online bool) {
	if t.notifier == nil {
		return
	}
	t.notifier.OnPresenceChanged(principalID, online)
}
