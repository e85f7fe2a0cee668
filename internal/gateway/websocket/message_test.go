package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	data, err := json.Marshal(AuthData{Token: "tok"})
	require.NoError(t, err)

	msg := NewMessage(MessageTypeAuth, data)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())

	raw, err := msg.ToJSON()
	require.NoError(t, err)

	parsed, err := FromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, parsed.ID)
	assert.Equal(t, MessageTypeAuth, parsed.Type)

	var auth AuthData
	require.NoError(t, json.Unmarshal(parsed.Data, &auth))
	assert.Equal(t, "tok", auth.Token)
}

func TestErrorMessageCarriesRetryAfter(t *testing.T) {
	msg := NewErrorMessage("rate limited")
	msg.RetryAfterMs = 1500

	raw, err := msg.ToJSON()
	require.NoError(t, err)

	parsed, err := FromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeError, parsed.Type)
	assert.Equal(t, "rate limited", parsed.Error)
	assert.Equal(t, int64(1500), parsed.RetryAfterMs)
}

func TestFromJSONRejectsGarbage(t *testing.T) {
	_, err := FromJSON([]byte("not json"))
	assert.Error(t, err)
}
