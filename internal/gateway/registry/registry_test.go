package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relaygate/relaygate/internal/gateway/transport"
)

// fakeChannel records sends and closes for assertions.
type fakeChannel struct {
	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	reason   string
	closeFns []func(string)
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

func (c *fakeChannel) OnClose(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeFns = append(c.closeFns, fn)
}

func (c *fakeChannel) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.reason = reason
	fns := c.closeFns
	c.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
	return nil
}

func (c *fakeChannel) closedWith() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	if cfg.AuthDeadline == 0 {
		cfg.AuthDeadline = time.Minute
	}
	return New(cfg, zaptest.NewLogger(t))
}

func TestRegisterAndBind(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ch := &fakeChannel{}

	conn, err := r.Register("c1", "10.0.0.1", ch)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 1, r.Count())
	assert.Zero(t, r.PrincipalCount())

	require.NoError(t, r.BindPrincipal("c1", "alice"))
	assert.Equal(t, 1, r.PrincipalCount())
	assert.Equal(t, []string{"c1"}, r.ConnectionsFor("alice"))

	principal, err := r.PrincipalOf("c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)
}

func TestGlobalCapacityCeiling(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConnections: 2})

	_, err := r.Register("c1", "10.0.0.1", &fakeChannel{})
	require.NoError(t, err)
	_, err = r.Register("c2", "10.0.0.2", &fakeChannel{})
	require.NoError(t, err)

	_, err = r.Register("c3", "10.0.0.3", &fakeChannel{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// Releasing one frees a slot.
	r.Unregister("c1")
	_, err = r.Register("c3", "10.0.0.3", &fakeChannel{})
	assert.NoError(t, err)
}

func TestPerIPCeiling(t *testing.T) {
	r := newTestRegistry(t, Config{MaxConnectionsPerIP: 2})

	_, err := r.Register("c1", "10.0.0.1", &fakeChannel{})
	require.NoError(t, err)
	_, err = r.Register("c2", "10.0.0.1", &fakeChannel{})
	require.NoError(t, err)

	_, err = r.Register("c3", "10.0.0.1", &fakeChannel{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// A different address is unaffected.
	_, err = r.Register("c4", "10.0.0.2", &fakeChannel{})
	assert.NoError(t, err)
}

func TestBindTwiceFails(t *testing.T) {
	r := newTestRegistry(t, Config{})
	_, err := r.Register("c1", "10.0.0.1", &fakeChannel{})
	require.NoError(t, err)

	require.NoError(t, r.BindPrincipal("c1", "alice"))
	assert.ErrorIs(t, r.BindPrincipal("c1", "alice"), ErrAlreadyBound)
	assert.ErrorIs(t, r.BindPrincipal("c1", "bob"), ErrAlreadyBound)
}

func TestBindUnknownConnection(t *testing.T) {
	r := newTestRegistry(t, Config{})
	assert.ErrorIs(t, r.BindPrincipal("nope", "alice"), ErrUnknownConnection)

	_, err := r.PrincipalOf("nope")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestUnregisterReportsLastConnection(t *testing.T) {
	r := newTestRegistry(t, Config{})
	for _, id := range []string{"c1", "c2"} {
		_, err := r.Register(id, "10.0.0.1", &fakeChannel{})
		require.NoError(t, err)
		require.NoError(t, r.BindPrincipal(id, "alice"))
	}

	principal, last := r.Unregister("c1")
	assert.Equal(t, "alice", principal)
	assert.False(t, last)

	principal, last = r.Unregister("c2")
	assert.Equal(t, "alice", principal)
	assert.True(t, last)
}

func TestUnregisterIdempotent(t *testing.T) {
	r := newTestRegistry(t, Config{})
	_, err := r.Register("c1", "10.0.0.1", &fakeChannel{})
	require.NoError(t, err)
	require.NoError(t, r.BindPrincipal("c1", "alice"))

	principal, last := r.Unregister("c1")
	assert.Equal(t, "alice", principal)
	assert.True(t, last)

	principal, last = r.Unregister("c1")
	assert.Empty(t, principal)
	assert.False(t, last)
}

func TestUnregisterUnauthenticated(t *testing.T) {
	r := newTestRegistry(t, Config{})
	_, err := r.Register("c1", "10.0.0.1", &fakeChannel{})
	require.NoError(t, err)

	principal, last := r.Unregister("c1")
	assert.Empty(t, principal)
	assert.False(t, last)
	assert.Zero(t, r.Count())
}

func TestAuthDeadlineEviction(t *testing.T) {
	r := newTestRegistry(t, Config{AuthDeadline: 30 * time.Millisecond})

	evicted := make(chan string, 1)
	r.SetEvictHook(func(connID string) { evicted <- connID })

	ch := &fakeChannel{}
	_, err := r.Register("c1", "10.0.0.1", ch)
	require.NoError(t, err)

	select {
	case id := <-evicted:
		assert.Equal(t, "c1", id)
	case <-time.After(time.Second):
		t.Fatal("eviction did not fire")
	}

	closed, reason := ch.closedWith()
	assert.True(t, closed)
	assert.Equal(t, transport.CloseReasonAuthDeadline, reason)
	assert.Zero(t, r.Count())
}

func TestAuthDeadlineCancelledByBind(t *testing.T) {
	r := newTestRegistry(t, Config{AuthDeadline: 30 * time.Millisecond})

	evicted := make(chan string, 1)
	r.SetEvictHook(func(connID string) { evicted <- connID })

	ch := &fakeChannel{}
	_, err := r.Register("c1", "10.0.0.1", ch)
	require.NoError(t, err)
	require.NoError(t, r.BindPrincipal("c1", "alice"))

	select {
	case <-evicted:
		t.Fatal("bound connection was evicted")
	case <-time.After(100 * time.Millisecond):
	}

	closed, _ := ch.closedWith()
	assert.False(t, closed)
	assert.Equal(t, 1, r.Count())
}

func TestChannelsForFanOut(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ch1, ch2 := &fakeChannel{}, &fakeChannel{}

	_, err := r.Register("c1", "10.0.0.1", ch1)
	require.NoError(t, err)
	require.NoError(t, r.BindPrincipal("c1", "alice"))
	_, err = r.Register("c2", "10.0.0.2", ch2)
	require.NoError(t, err)
	require.NoError(t, r.BindPrincipal("c2", "alice"))

	assert.Len(t, r.ChannelsFor("alice"), 2)
	assert.Empty(t, r.ChannelsFor("bob"))
}

func TestForEachChannelSkipsUnauthenticated(t *testing.T) {
	r := newTestRegistry(t, Config{})
	_, err := r.Register("c1", "10.0.0.1", &fakeChannel{})
	require.NoError(t, err)
	require.NoError(t, r.BindPrincipal("c1", "alice"))
	_, err = r.Register("c2", "10.0.0.2", &fakeChannel{})
	require.NoError(t, err)

	var seen []string
	r.ForEachChannel(func(principalID string, ch transport.Channel) {
		seen = append(seen, principalID)
	})
	assert.Equal(t, []string{"alice"}, seen)
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ch1, ch2 := &fakeChannel{}, &fakeChannel{}
	_, err := r.Register("c1", "10.0.0.1", ch1)
	require.NoError(t, err)
	_, err = r.Register("c2", "10.0.0.2", ch2)
	require.NoError(t, err)

	r.CloseAll(transport.CloseReasonShutdown)

	for _, ch := range []*fakeChannel{ch1, ch2} {
		closed, reason := ch.closedWith()
		assert.True(t, closed)
		assert.Equal(t, transport.CloseReasonShutdown, reason)
	}
}
