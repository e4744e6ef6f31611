package security

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) [32]byte {
	t.Helper()
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	return key
}

func TestRecoveryKeyRoundTrip(t *testing.T) {
	for i := 0; i < 32; i++ {
		key := randomKey(t)
		encoded := EncodeRecoveryKey(key)
		decoded, err := DecodeRecoveryKey(encoded)
		require.NoError(t, err)
		assert.Equal(t, key, decoded)
	}
}

func TestRecoveryKeyFormat(t *testing.T) {
	key := randomKey(t)
	encoded := EncodeRecoveryKey(key)

	groups := strings.Split(encoded, " ")
	for i, group := range groups {
		if i < len(groups)-1 {
			assert.Len(t, group, 4)
		} else {
			assert.LessOrEqual(t, len(group), 4)
			assert.NotEmpty(t, group)
		}
	}
}

func TestDecodeRecoveryKeyIgnoresWhitespace(t *testing.T) {
	key := randomKey(t)
	encoded := EncodeRecoveryKey(key)

	variants := []string{
		strings.ReplaceAll(encoded, " ", ""),
		strings.ReplaceAll(encoded, " ", "\t"),
		"  " + encoded + "\n",
		strings.ReplaceAll(encoded, " ", "   "),
	}
	for _, variant := range variants {
		decoded, err := DecodeRecoveryKey(variant)
		require.NoError(t, err)
		assert.Equal(t, key, decoded)
	}
}

func TestDecodeRecoveryKeyRejectsMutations(t *testing.T) {
	key := randomKey(t)
	encoded := EncodeRecoveryKey(key)
	compact := strings.ReplaceAll(encoded, " ", "")

	// Changing any character must fail decoding or, on a rare collision of
	// the one-byte parity, decode to a key other than the original.
	for i := 0; i < len(compact); i++ {
		mutated := []byte(compact)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		decoded, err := DecodeRecoveryKey(string(mutated))
		if err == nil {
			// A parity collision would return a different key; that must
			// never silently equal the original.
			assert.NotEqual(t, key, decoded, "mutation at %d decoded to the original key", i)
		} else {
			assert.ErrorIs(t, err, ErrInvalidRecoveryKey)
		}
	}
}

func TestDecodeRecoveryKeyRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"not a recovery key",
		"0OIl", // outside the base58 alphabet
		"EsTc",
		strings.Repeat("z", 100),
	}
	for _, input := range cases {
		_, err := DecodeRecoveryKey(input)
		assert.ErrorIs(t, err, ErrInvalidRecoveryKey, "input %q", input)
	}
}

func TestDecodeRecoveryKeyRejectsWrongPrefix(t *testing.T) {
	// Re-encode a valid payload with a corrupted prefix byte.
	key := randomKey(t)
	encoded := EncodeRecoveryKey(key)
	decoded, err := DecodeRecoveryKey(encoded)
	require.NoError(t, err)
	require.Equal(t, key, decoded)

	// A different well-formed string with valid parity but a wrong prefix
	// must be rejected too; build one manually.
	buf := []byte{0x8B, 0x02}
	buf = append(buf, key[:]...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)
	_, err = DecodeRecoveryKey(base58.Encode(buf))
	assert.ErrorIs(t, err, ErrInvalidRecoveryKey)
}
