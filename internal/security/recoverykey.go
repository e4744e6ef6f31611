package security

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/mr-tron/base58"
)

// Recovery keys are the human-transcribable form of a 32-byte backup private
// key: two prefix bytes, the key, and a parity byte, base58 encoded and
// grouped into blocks of four characters.

var recoveryKeyPrefix = []byte{0x8B, 0x01}

const recoveryKeyGroupSize = 4

// ErrInvalidRecoveryKey is returned when a recovery key string does not
// decode to a well-formed key: wrong length, unknown prefix, bad parity or
// characters outside the base58 alphabet.
var ErrInvalidRecoveryKey = errors.New("invalid recovery key")

// EncodeRecoveryKey encodes a 32-byte private key as a recovery key string.
func EncodeRecoveryKey(privateKey [32]byte) string {
	buf := make([]byte, 0, len(recoveryKeyPrefix)+len(privateKey)+1)
	buf = append(buf, recoveryKeyPrefix...)
	buf = append(buf, privateKey[:]...)

	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)

	encoded := base58.Encode(buf)

	var out strings.Builder
	for i := 0; i < len(encoded); i += recoveryKeyGroupSize {
		if i > 0 {
			out.WriteByte(' ')
		}
		end := i + recoveryKeyGroupSize
		if end > len(encoded) {
			end = len(encoded)
		}
		out.WriteString(encoded[i:end])
	}
	return out.String()
}

// DecodeRecoveryKey decodes a recovery key string back to the 32-byte
// private key. Whitespace is ignored; everything else is validated.
func DecodeRecoveryKey(recoveryKey string) ([32]byte, error) {
	var privateKey [32]byte

	stripped := strings.Join(strings.Fields(recoveryKey), "")
	decoded, err := base58.Decode(stripped)
	if err != nil {
		return privateKey, ErrInvalidRecoveryKey
	}
	if len(decoded) != len(recoveryKeyPrefix)+len(privateKey)+1 {
		return privateKey, ErrInvalidRecoveryKey
	}
	if subtle.ConstantTimeCompare(decoded[:len(recoveryKeyPrefix)], recoveryKeyPrefix) != 1 {
		return privateKey, ErrInvalidRecoveryKey
	}

	var parity byte
	for _, b := range decoded {
		parity ^= b
	}
	if parity != 0 {
		return privateKey, ErrInvalidRecoveryKey
	}

	copy(privateKey[:], decoded[len(recoveryKeyPrefix):len(decoded)-1])
	return privateKey, nil
}
