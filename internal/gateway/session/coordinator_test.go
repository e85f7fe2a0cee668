package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relaygate/relaygate/internal/gateway/breaker"
	"github.com/relaygate/relaygate/internal/gateway/delivery"
	"github.com/relaygate/relaygate/internal/gateway/presence"
	"github.com/relaygate/relaygate/internal/gateway/ratelimit"
	"github.com/relaygate/relaygate/internal/gateway/registry"
	"github.com/relaygate/relaygate/internal/gateway/transport"
)

// fakeChannel records payloads for assertions.
type fakeChannel struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	reason string
}

func (c *fakeChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrChannelClosed
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeChannel) OnClose(fn func(reason string)) {}

func (c *fakeChannel) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeChannel) waitForSent(t *testing.T, count int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.sentCount() >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sends, got %d", count, c.sentCount())
}

// fakeVerifier accepts tokens of the form "token-<principal>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (string, error) {
	var principalID string
	if _, err := fmt.Sscanf(token, "token-%s", &principalID); err != nil {
		return "", errors.New("invalid credential")
	}
	return principalID, nil
}

type testEnv struct {
	coordinator *Coordinator
	registry    *registry.Registry
	tracker     *presence.Tracker
	engine      *delivery.Engine
	store       *delivery.MemoryStore
}

type testLimits struct {
	connPerIP    int
	msgPrincipal int
	msgConn      int
	oversize     int
	grace        time.Duration
}

func newTestEnv(t *testing.T, limits testLimits) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	if limits.connPerIP == 0 {
		limits.connPerIP = 100
	}
	if limits.msgPrincipal == 0 {
		limits.msgPrincipal = 100
	}
	if limits.msgConn == 0 {
		limits.msgConn = 100
	}
	if limits.grace == 0 {
		limits.grace = time.Minute
	}

	reg := registry.New(registry.Config{AuthDeadline: time.Minute}, logger)
	store := delivery.NewMemoryStore()
	cb := breaker.New("test-store", breaker.Config{}, logger)

	var tracker *presence.Tracker
	engine := delivery.NewEngine(store, cb, delivery.Config{
		MaxDrainBatch:  100,
		StorageTimeout: time.Second,
	}, func(principalID string) bool {
		if len(reg.ConnectionsFor(principalID)) > 0 {
			return true
		}
		return tracker != nil && tracker.Online(principalID)
	}, logger)
	tracker = presence.NewTracker(limits.grace, reg, nil, logger)
	t.Cleanup(tracker.Close)

	coordinator := NewCoordinator(
		reg, tracker, engine,
		ratelimit.NewLimiter(limits.connPerIP, time.Minute, logger),
		ratelimit.NewLimiter(limits.msgPrincipal, time.Minute, logger),
		ratelimit.NewLimiter(limits.msgConn, time.Minute, logger),
		fakeVerifier{},
		Config{OversizeBytes: limits.oversize},
		logger,
	)

	return &testEnv{
		coordinator: coordinator,
		registry:    reg,
		tracker:     tracker,
		engine:      engine,
		store:       store,
	}
}

func (env *testEnv) connect(t *testing.T, connID, ip, principalID string) *fakeChannel {
	t.Helper()
	ch := &fakeChannel{}
	require.NoError(t, env.coordinator.HandleAccept(connID, ip, ch))
	got, err := env.coordinator.HandleAuthenticate(context.Background(), connID, "token-"+principalID, ch)
	require.NoError(t, err)
	require.Equal(t, principalID, got)
	return ch
}

func TestAcceptRateLimitedByIP(t *testing.T) {
	env := newTestEnv(t, testLimits{connPerIP: 2})

	require.NoError(t, env.coordinator.HandleAccept("c1", "10.0.0.1", &fakeChannel{}))
	require.NoError(t, env.coordinator.HandleAccept("c2", "10.0.0.1", &fakeChannel{}))

	err := env.coordinator.HandleAccept("c3", "10.0.0.1", &fakeChannel{})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "ip", rl.Scope)
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different address is unaffected.
	assert.NoError(t, env.coordinator.HandleAccept("c4", "10.0.0.2", &fakeChannel{}))
}

func TestAuthenticateBindsAndDrains(t *testing.T) {
	env := newTestEnv(t, testLimits{})
	ctx := context.Background()

	// Queue events while the principal is unreachable.
	_, err := env.engine.Enqueue(ctx, "alice", "reaction_added", []byte(`{"n":1}`))
	require.NoError(t, err)
	_, err = env.engine.Enqueue(ctx, "alice", "reaction_added", []byte(`{"n":2}`))
	require.NoError(t, err)

	ch := env.connect(t, "c1", "10.0.0.1", "alice")

	assert.True(t, env.tracker.Online("alice"))
	ch.waitForSent(t, 2)

	// Drained events are marked; nothing left for the next reconnect.
	pending, err := env.store.LoadUndelivered(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAuthenticateRejectsBadCredential(t *testing.T) {
	env := newTestEnv(t, testLimits{})
	ch := &fakeChannel{}
	require.NoError(t, env.coordinator.HandleAccept("c1", "10.0.0.1", ch))

	_, err := env.coordinator.HandleAuthenticate(context.Background(), "c1", "garbage", ch)
	assert.Error(t, err)
	assert.False(t, env.tracker.Online("alice"))
}

func TestAuthenticateTwiceFails(t *testing.T) {
	env := newTestEnv(t, testLimits{})
	ch := env.connect(t, "c1", "10.0.0.1", "alice")

	_, err := env.coordinator.HandleAuthenticate(context.Background(), "c1", "token-alice", ch)
	assert.ErrorIs(t, err, registry.ErrAlreadyBound)
}

func TestHandleMessageRequiresAuth(t *testing.T) {
	env := newTestEnv(t, testLimits{})

	_, err := env.coordinator.HandleMessage("nope", 10)
	assert.ErrorIs(t, err, registry.ErrUnknownConnection)

	require.NoError(t, env.coordinator.HandleAccept("c1", "10.0.0.1", &fakeChannel{}))
	_, err = env.coordinator.HandleMessage("c1", 10)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestHandleMessagePrincipalLimit(t *testing.T) {
	env := newTestEnv(t, testLimits{msgPrincipal: 2})
	env.connect(t, "c1", "10.0.0.1", "alice")

	for range 2 {
		_, err := env.coordinator.HandleMessage("c1", 10)
		require.NoError(t, err)
	}

	_, err := env.coordinator.HandleMessage("c1", 10)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "principal", rl.Scope)
	assert.Positive(t, rl.RetryAfter)
}

func TestHandleMessageConnectionLimit(t *testing.T) {
	// The principal budget is shared across devices; the per-connection
	// budget is not.
	env := newTestEnv(t, testLimits{msgPrincipal: 100, msgConn: 2})
	env.connect(t, "c1", "10.0.0.1", "alice")

	for range 2 {
		_, err := env.coordinator.HandleMessage("c1", 10)
		require.NoError(t, err)
	}

	_, err := env.coordinator.HandleMessage("c1", 10)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "connection", rl.Scope)
}

func TestHandleMessageOversizeWeight(t *testing.T) {
	env := newTestEnv(t, testLimits{msgPrincipal: 4, oversize: 1024})
	env.connect(t, "c1", "10.0.0.1", "alice")

	// Two oversize messages exhaust a budget of four.
	_, err := env.coordinator.HandleMessage("c1", 2048)
	require.NoError(t, err)
	_, err = env.coordinator.HandleMessage("c1", 2048)
	require.NoError(t, err)

	_, err = env.coordinator.HandleMessage("c1", 10)
	var rl *RateLimitError
	assert.ErrorAs(t, err, &rl)
}

func TestPublishToOnlinePrincipal(t *testing.T) {
	env := newTestEnv(t, testLimits{})
	ctx := context.Background()

	ch := env.connect(t, "c1", "10.0.0.1", "alice")

	require.NoError(t, env.coordinator.Publish(ctx, "alice", "reaction_added", []byte(`{"n":1}`)))
	ch.waitForSent(t, 1)

	// Live delivery acked the durable copy.
	pending, err := env.store.LoadUndelivered(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPublishToOfflinePrincipalQueues(t *testing.T) {
	env := newTestEnv(t, testLimits{})
	ctx := context.Background()

	require.NoError(t, env.coordinator.Publish(ctx, "bob", "reaction_added", []byte(`{"n":1}`)))

	pending, err := env.store.LoadUndelivered(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Bob connects and receives the queued event.
	ch := env.connect(t, "c1", "10.0.0.1", "bob")
	ch.waitForSent(t, 1)
}

func TestPublishSurfacesStorageFailure(t *testing.T) {
	env := newTestEnv(t, testLimits{})
	env.store.SetFailing(true)

	err := env.coordinator.Publish(context.Background(), "bob", "reaction_added", []byte(`{}`))
	assert.ErrorIs(t, err, delivery.ErrStorageUnavailable)
}

func TestCloseLastConnectionStartsGrace(t *testing.T) {
	env := newTestEnv(t, testLimits{grace: 30 * time.Millisecond})
	env.connect(t, "c1", "10.0.0.1", "alice")

	env.coordinator.HandleClose("c1")

	// Online through the grace period, offline after it.
	assert.True(t, env.tracker.Online("alice"))
	deadline := time.Now().Add(time.Second)
	for env.tracker.Online("alice") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, env.tracker.Online("alice"))
}

func TestCloseWithRemainingDeviceStaysOnline(t *testing.T) {
	env := newTestEnv(t, testLimits{grace: 30 * time.Millisecond})
	env.connect(t, "c1", "10.0.0.1", "alice")
	env.connect(t, "c2", "10.0.0.2", "alice")

	env.coordinator.HandleClose("c1")
	time.Sleep(80 * time.Millisecond)

	assert.True(t, env.tracker.Online("alice"))
}

func TestShutdownClosesEverything(t *testing.T) {
	env := newTestEnv(t, testLimits{})
	ch := env.connect(t, "c1", "10.0.0.1", "alice")

	env.coordinator.Shutdown()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.True(t, ch.closed)
	assert.Equal(t, transport.CloseReasonShutdown, ch.reason)
}
