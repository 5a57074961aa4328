package encryption

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCM_RoundTrip(t *testing.T) {
	enc, err := NewAESGCM("super-secret", "fern")
	require.NoError(t, err)

	payload := json.RawMessage(`{"id":"1","title":"Bug"}`)

	sealed, err := enc.Encrypt(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "Bug")

	var stored EncryptedValue
	require.NoError(t, json.Unmarshal(sealed, &stored))
	assert.NotEmpty(t, stored.EncryptedValue)
	assert.NotEmpty(t, stored.IV)

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(opened))
}

func TestAESGCM_NonceIsRandom(t *testing.T) {
	enc, err := NewAESGCM("super-secret", "fern")
	require.NoError(t, err)

	a, err := enc.Encrypt(json.RawMessage(`{"id":"1"}`))
	require.NoError(t, err)
	b, err := enc.Encrypt(json.RawMessage(`{"id":"1"}`))
	require.NoError(t, err)

	assert.NotEqual(t, string(a), string(b))
}

func TestAESGCM_PlainValuesPassThrough(t *testing.T) {
	enc, err := NewAESGCM("super-secret", "fern")
	require.NoError(t, err)

	// pruned, plaintext written before a key was set, and sealed-looking values missing a field
	for _, raw := range []string{`{}`, `{"id":"1"}`, `{"encryptedValue":"abc"}`, `{"iv":"abc"}`, `[1,2]`} {
		out, err := enc.Decrypt(json.RawMessage(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, string(out))
	}
}

func TestAESGCM_WrongKey(t *testing.T) {
	a, err := NewAESGCM("key-a", "fern")
	require.NoError(t, err)
	b, err := NewAESGCM("key-b", "fern")
	require.NoError(t, err)

	sealed, err := a.Encrypt(json.RawMessage(`{"id":"1"}`))
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.Error(t, err)
}

func TestNewAESGCM_EmptySecret(t *testing.T) {
	_, err := NewAESGCM("", "fern")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNoop(t *testing.T) {
	var enc Encryptor = Noop{}
	payload := json.RawMessage(`{"id":"1"}`)

	sealed, err := enc.Encrypt(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, sealed)

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)
}
