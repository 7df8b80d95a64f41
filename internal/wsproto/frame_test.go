package wsproto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChatRequest(t *testing.T) {
	raw := `{"type":"chat.request","request_id":"r1","agent_id":"a1","session_id":"s1","text":"hi"}`
	frame, err := Decode([]byte(raw))
	require.NoError(t, err)
	req, ok := frame.(*ChatRequest)
	require.True(t, ok)
	assert.Equal(t, "r1", req.RequestID)
	assert.Equal(t, "a1", req.AgentID)
	assert.Equal(t, "hi", req.Text)
}

func TestDecodeUnknownTypeRejected(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)
}

func TestDecodeInvalidJSONRejected(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestChatResponseCanonicalPrefersReply(t *testing.T) {
	c := &ChatResponse{Reply: "r", Text: "t", Message: "m"}
	assert.Equal(t, "r", c.Canonical())
}

func TestChatResponseCanonicalFallsBackToText(t *testing.T) {
	c := &ChatResponse{Text: "t", Message: "m"}
	assert.Equal(t, "t", c.Canonical())
}

func TestChatResponseCanonicalFallsBackToMessage(t *testing.T) {
	c := &ChatResponse{Message: "m"}
	assert.Equal(t, "m", c.Canonical())
}

func TestHelloRoundTrip(t *testing.T) {
	h := &Hello{Type: TypeHello, Role: "agent", AgentID: "a1"}
	data, err := json.Marshal(h)
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	got, ok := frame.(*Hello)
	require.True(t, ok)
	assert.Equal(t, h.Role, got.Role)
	assert.Equal(t, h.AgentID, got.AgentID)
}
