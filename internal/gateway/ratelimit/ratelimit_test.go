package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestLimiter returns a limiter with a controllable clock.
func newTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *time.Time) {
	l := NewLimiter(limit, window, zaptest.NewLogger(t))
	current := time.Now()
	l.now = func() time.Time { return current }
	return l, &current
}

func TestLimiterAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiterWindowSlides(t *testing.T) {
	l, now := newTestLimiter(t, 2, time.Minute)

	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))

	*now = now.Add(61 * time.Second)

	assert.True(t, l.Allow("a"))
}

func TestLimiterRejectedCallRecordsNothing(t *testing.T) {
	l, now := newTestLimiter(t, 2, time.Minute)

	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("a"))

	// Hammer the saturated key; rejections must not extend the window.
	for range 10 {
		require.False(t, l.Allow("a"))
	}

	*now = now.Add(61 * time.Second)
	assert.True(t, l.Allow("a"))
}

func TestLimiterOversizeWeight(t *testing.T) {
	l, _ := newTestLimiter(t, 4, time.Minute)

	// Two double-weight events fill a budget of four.
	assert.True(t, l.AllowN("a", 2))
	assert.True(t, l.AllowN("a", 2))
	assert.False(t, l.Allow("a"))
}

func TestLimiterWeightMustFitEntirely(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)

	require.True(t, l.AllowN("a", 2))

	// One slot left; a double-weight event does not half-fit.
	assert.False(t, l.AllowN("a", 2))
	assert.True(t, l.Allow("a"))
}

func TestLimiterRetryAfter(t *testing.T) {
	l, now := newTestLimiter(t, 2, time.Minute)

	assert.Zero(t, l.RetryAfter("a"))

	require.True(t, l.Allow("a"))
	require.True(t, l.Allow("a"))

	*now = now.Add(20 * time.Second)
	assert.Equal(t, 40*time.Second, l.RetryAfter("a"))
}

func TestLimiterConnectionFloodScenario(t *testing.T) {
	l, now := newTestLimiter(t, 3000, 15*time.Minute)

	for i := range 3000 {
		require.True(t, l.Allow("10.0.0.1"), "attempt %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	*now = now.Add(15*time.Minute + time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestLimiterSweep(t *testing.T) {
	l, now := newTestLimiter(t, 10, time.Minute)

	for i := range 5 {
		require.True(t, l.Allow(fmt.Sprintf("key-%d", i)))
	}
	assert.Zero(t, l.Sweep())

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, 5, l.Sweep())

	// Swept keys start over with a clean window.
	assert.True(t, l.Allow("key-0"))
}
