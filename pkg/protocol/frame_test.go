package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound_TypedEnvelope(t *testing.T) {
	raw := []byte(`{"type":"userSendMessage","data":{"content":"hi","session_id":"s1"}}`)

	env, err := ParseInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeUserSendMessage, env.Type)

	var data UserSendMessageData
	require.NoError(t, UnmarshalData(env.Data, &data))
	assert.Equal(t, "hi", data.Content)
	assert.Equal(t, "s1", data.SessionID)
}

func TestParseInbound_LegacyFlatFrame(t *testing.T) {
	raw := []byte(`{"message":"hello there","session_id":"s2"}`)

	env, err := ParseInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeUserSendMessage, env.Type)

	var data UserSendMessageData
	require.NoError(t, UnmarshalData(env.Data, &data))
	assert.Equal(t, "hello there", data.Content)
	assert.Equal(t, "s2", data.SessionID)
}

func TestParseInbound_LegacyFrameWithContext(t *testing.T) {
	raw := []byte(`{"message":"hi","context":{"source":"mobile"}}`)

	env, err := ParseInbound(raw)
	require.NoError(t, err)

	var data UserSendMessageData
	require.NoError(t, UnmarshalData(env.Data, &data))
	assert.Equal(t, "mobile", data.Context["source"])
}

func TestParseInbound_InvalidJSON(t *testing.T) {
	_, err := ParseInbound([]byte(`not json`))
	assert.Error(t, err)
}

func TestErrorFrame(t *testing.T) {
	env := ErrorFrame("busy", "please wait")
	assert.Equal(t, TypeError, env.Type)

	var payload ErrorPayload
	require.NoError(t, UnmarshalData(env.Data, &payload))
	assert.Equal(t, "busy", payload.Code)
	assert.Equal(t, "please wait", payload.Message)
}

func TestEncode_RoundTrip(t *testing.T) {
	env, err := Encode(TypeDone, DonePayload{SessionID: "s1", MessageID: "m1", Warning: "oops"})
	require.NoError(t, err)
	assert.Equal(t, TypeDone, env.Type)

	var payload DonePayload
	require.NoError(t, UnmarshalData(env.Data, &payload))
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, "m1", payload.MessageID)
	assert.Equal(t, "oops", payload.Warning)
}
