package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relaygate/relaygate/internal/gateway/registry"
)

func TestBroadcastReachesOtherPrincipals(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := registry.New(registry.Config{AuthDeadline: time.Minute}, logger)

	aliceCh := &fakeChannel{}
	bobCh := &fakeChannel{}
	_, err := reg.Register("c1", "10.0.0.1", aliceCh)
	require.NoError(t, err)
	require.NoError(t, reg.BindPrincipal("c1", "alice"))
	_, err = reg.Register("c2", "10.0.0.2", bobCh)
	require.NoError(t, err)
	require.NoError(t, reg.BindPrincipal("c2", "bob"))

	b := NewBroadcaster(reg, logger)
	b.OnPresenceChanged("alice", true)

	// Bob hears about alice; alice's own devices do not.
	assert.Zero(t, aliceCh.sentCount())
	require.Equal(t, 1, bobCh.sentCount())

	var payload presencePayload
	require.NoError(t, json.Unmarshal(bobCh.sent[0], &payload))
	assert.Equal(t, "presence", payload.Kind)
	assert.Equal(t, "alice", payload.PrincipalID)
	assert.True(t, payload.Online)
}

func TestBroadcastSkipsClosedChannels(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := registry.New(registry.Config{AuthDeadline: time.Minute}, logger)

	closedCh := &fakeChannel{closed: true}
	openCh := &fakeChannel{}
	_, err := reg.Register("c1", "10.0.0.1", closedCh)
	require.NoError(t, err)
	require.NoError(t, reg.BindPrincipal("c1", "bob"))
	_, err = reg.Register("c2", "10.0.0.2", openCh)
	require.NoError(t, err)
	require.NoError(t, reg.BindPrincipal("c2", "carol"))

	b := NewBroadcaster(reg, logger)
	b.OnPresenceChanged("alice", false)

	assert.Equal(t, 1, openCh.sentCount())
}
