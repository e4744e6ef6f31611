package security

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupBoxRoundTrip(t *testing.T) {
	box := NewBackupBox()
	pair, err := box.GenerateKeyPair()
	require.NoError(t, err)

	plaintexts := [][]byte{
		[]byte("{}"),
		[]byte(`{"algorithm":"m.megolm.v1.aes-sha2","session_key":"AgAAAA"}`),
		make([]byte, 4096),
		{0x00},
	}
	for _, plaintext := range plaintexts {
		payload, err := box.Encrypt(pair.PublicKey, plaintext)
		require.NoError(t, err)

		decrypted, err := box.Decrypt(pair.PrivateKey, payload)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestBackupBoxPublicFromPrivate(t *testing.T) {
	box := NewBackupBox()
	pair, err := box.GenerateKeyPair()
	require.NoError(t, err)

	assert.Equal(t, pair.PublicKey, box.PublicFromPrivate(pair.PrivateKey))
}

func TestBackupBoxWrongKeyFails(t *testing.T) {
	box := NewBackupBox()
	pair, err := box.GenerateKeyPair()
	require.NoError(t, err)
	other, err := box.GenerateKeyPair()
	require.NoError(t, err)

	payload, err := box.Encrypt(pair.PublicKey, []byte("secret session material"))
	require.NoError(t, err)

	_, err = box.Decrypt(other.PrivateKey, payload)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestBackupBoxTamperDetection(t *testing.T) {
	box := NewBackupBox()
	pair, err := box.GenerateKeyPair()
	require.NoError(t, err)

	payload, err := box.Encrypt(pair.PublicKey, []byte("secret session material"))
	require.NoError(t, err)

	tampered := *payload
	ciphertext, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	require.NoError(t, err)
	ciphertext[0] ^= 0x01
	tampered.Ciphertext = base64.RawStdEncoding.EncodeToString(ciphertext)
	_, err = box.Decrypt(pair.PrivateKey, &tampered)
	assert.ErrorIs(t, err, ErrAuthFailure)

	tampered = *payload
	mac, err := base64.RawStdEncoding.DecodeString(payload.MAC)
	require.NoError(t, err)
	mac[0] ^= 0x01
	tampered.MAC = base64.RawStdEncoding.EncodeToString(mac)
	_, err = box.Decrypt(pair.PrivateKey, &tampered)
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestBackupBoxFreshEphemeralPerPayload(t *testing.T) {
	box := NewBackupBox()
	pair, err := box.GenerateKeyPair()
	require.NoError(t, err)

	first, err := box.Encrypt(pair.PublicKey, []byte("same plaintext"))
	require.NoError(t, err)
	second, err := box.Encrypt(pair.PublicKey, []byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Ephemeral, second.Ephemeral)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestBackupBoxDecryptRejectsMalformedPayload(t *testing.T) {
	box := NewBackupBox()
	pair, err := box.GenerateKeyPair()
	require.NoError(t, err)

	cases := []*EncryptedPayload{
		{Ciphertext: "!!!", MAC: "AA", Ephemeral: "AA"},
		{Ciphertext: "AA", MAC: "AA", Ephemeral: "AA"}, // ephemeral not 32 bytes
		{},
	}
	for _, payload := range cases {
		_, err := box.Decrypt(pair.PrivateKey, payload)
		assert.Error(t, err)
	}
}
