package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageDecodesEnvelope(t *testing.T) {
	msg := newMessage(MessageText, []byte(`{"type":"chat_message","message":"pour slab"}`))
	require.NotNil(t, msg.Envelope)
	assert.Equal(t, "chat_message", msg.Envelope.Type)

	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, msg.Envelope.Decode(&body))
	assert.Equal(t, "pour slab", body.Message)
}

func TestNewMessageFallsBackToRaw(t *testing.T) {
	for _, raw := range []string{"pong", "[1,2,3]", `{"type":`, `"quoted"`} {
		msg := newMessage(MessageText, []byte(raw))
		assert.Nilf(t, msg.Envelope, "frame %q", raw)
		assert.Equal(t, raw, msg.Text())
	}
}

func TestNewMessageWithoutType(t *testing.T) {
	msg := newMessage(MessageText, []byte(`{"hello":"world"}`))
	require.NotNil(t, msg.Envelope)
	assert.Empty(t, msg.Envelope.Type)
}

func TestEncode(t *testing.T) {
	data, err := Encode(map[string]any{"action": "heartbeat"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"heartbeat"}`, string(data))

	raw := []byte(`{"type":"x"}`)
	data, err = Encode(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, data)

	_, err = Encode(make(chan int))
	assert.Error(t, err)
}
