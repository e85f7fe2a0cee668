package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter is a sliding-window rate limiter over arbitrary string keys
// (remote address, principal ID or connection ID). Each allowed event
// stores its timestamp; the window is trimmed lazily on every check, so
// idle keys cost nothing until Sweep reclaims them.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	limit  int
	window time.Duration

	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter allowing at most limit weighted events per
// key within the sliding window.
func NewLimiter(limit int, window time.Duration, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		windows: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
}

// Allow records one event for key and reports whether it fits the window.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN records an event of the given weight. Oversize messages are
// charged at weight 2 against the same window rather than rejected
// outright, so a heavier event consumes more of the budget. A rejected
// call records nothing.
func (l *Limiter) AllowN(key string, weight int) bool {
	if weight < 1 {
		weight = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	win := l.trimLocked(key, now)

	if len(win)+weight > l.limit {
		l.windows[key] = win
		return false
	}

	for range weight {
		win = append(win, now)
	}
	l.windows[key] = win
	return true
}

// RetryAfter returns how long the caller should wait before the oldest
// event in key's window falls out of it. Zero means the key is not
// currently saturated.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	win := l.trimLocked(key, now)
	l.windows[key] = win

	if len(win) < l.limit {
		return 0
	}
	return win[0].Add(l.window).Sub(now)
}

// Sweep drops keys whose windows are empty or entirely stale. Call it
// periodically to bound memory for churning key sets.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, win := range l.windows {
		if len(win) == 0 || now.Sub(win[len(win)-1]) > l.window {
			delete(l.windows, key)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("swept stale rate limit windows",
			zap.Int("removed", removed),
			zap.Int("remaining", len(l.windows)))
	}
	return removed
}

// Run sweeps on the given interval until the context is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// trimLocked removes timestamps older than the window. Caller holds mu.
func (l *Limiter) trimLocked(key string, now time.Time) []time.Time {
	win := l.windows[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(win) && !win[i].After(cutoff) {
		i++
	}
	if i > 0 {
		win = append(win[:0], win[i:]...)
	}
	return win
}
