package identity

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerate_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKeyHex())

	second, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	assert.Equal(t, first.PublicKeyHex(), second.PublicKeyHex())
}

func TestLoadOrGenerate_WritesRestrictivePermissions(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir + "/keypair.json")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSignVerify_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	payload := []byte(`{"hello":"world"}`)
	sig := id.Sign(payload)

	assert.True(t, Verify(payload, sig, id.PublicKeyHex()))
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	sig := id.Sign([]byte(`{"hello":"world"}`))

	assert.False(t, Verify([]byte(`{"hello":"tampered"}`), sig, id.PublicKeyHex()))
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	idA, err := LoadOrGenerate(dirA)
	require.NoError(t, err)
	idB, err := LoadOrGenerate(dirB)
	require.NoError(t, err)

	payload := []byte(`{"hello":"world"}`)
	sig := idA.Sign(payload)

	assert.False(t, Verify(payload, sig, idB.PublicKeyHex()))
}

func TestVerify_NeverPanicsOnMalformedInput(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.False(t, Verify([]byte("x"), []byte("not hex sig"), "not-hex-either"))
	})
	assert.NotPanics(t, func() {
		assert.False(t, Verify([]byte("x"), nil, ""))
	})
	assert.NotPanics(t, func() {
		assert.False(t, Verify([]byte("x"), []byte{1, 2, 3}, "aa"))
	})
}
