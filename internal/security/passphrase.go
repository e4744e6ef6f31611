package security

import (
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultKDFIterations is the iteration count used when creating a new
// passphrase-protected backup. Restores use whatever count the version's
// auth data recorded.
const DefaultKDFIterations = 500000

const kdfSaltLength = 32

// GenerateKDFSalt returns a fresh random salt for passphrase derivation.
func GenerateKDFSalt() ([]byte, error) {
	salt := make([]byte, kdfSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKeyFromPassphrase derives the 32-byte backup private key from a
// passphrase using PBKDF2-HMAC-SHA-512. The salt and iteration count are
// persisted in the version's auth data so any device can repeat the
// derivation.
func DeriveKeyFromPassphrase(passphrase string, salt []byte, iterations int) [32]byte {
	var key [32]byte
	derived := pbkdf2.Key([]byte(passphrase), salt, iterations, len(key), sha512.New)
	copy(key[:], derived)
	return key
}
