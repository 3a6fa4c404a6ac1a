package wire

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bftswarm/node/internal/identity"
)

func TestCanonical_KeyOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	b := map[string]interface{}{"c": 3, "b": 1, "a": 2}

	encA, err := Canonical(a)
	require.NoError(t, err)
	encB, err := Canonical(b)
	require.NoError(t, err)

	assert.Equal(t, encA, encB)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(encA))
}

func TestCanonical_StructEncodingIsStable(t *testing.T) {
	payload := HeartbeatPayload{Type: Heartbeat, NodeID: "node-1", Timestamp: 1000}

	first, err := Canonical(payload)
	require.NoError(t, err)
	second, err := Canonical(payload)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSign_ProducesVerifiableEnvelope(t *testing.T) {
	id, err := identity.LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	payload := HeartbeatPayload{Type: Heartbeat, NodeID: "node-1", Timestamp: 42}
	env, err := Sign("node-1", id, payload)
	require.NoError(t, err)

	assert.Equal(t, "node-1", env.Sender)
	sig, err := hex.DecodeString(env.Signature)
	require.NoError(t, err)
	assert.True(t, identity.Verify(env.Payload, sig, id.PublicKeyHex()))
}

func TestSign_EnvelopePayloadRoundTrips(t *testing.T) {
	id, err := identity.LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	payload := HeartbeatPayload{Type: Heartbeat, NodeID: "node-7", Timestamp: 99}
	env, err := Sign("node-7", id, payload)
	require.NoError(t, err)

	var decoded HeartbeatPayload
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestPayloadTypeOf(t *testing.T) {
	raw := json.RawMessage(`{"type":"HEARTBEAT","node_id":"x"}`)
	pt, err := PayloadTypeOf(raw)
	require.NoError(t, err)
	assert.Equal(t, Heartbeat, pt)
}

func TestPayloadTypeOf_MalformedPayload(t *testing.T) {
	_, err := PayloadTypeOf(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestNewOpID_Unique(t *testing.T) {
	a := NewOpID()
	b := NewOpID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

