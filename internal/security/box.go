package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// BackupBox implements the asymmetric encryption used for key backup records:
// an ephemeral X25519 key agreement, HKDF-SHA256 key expansion, AES-256-CBC
// encryption and an HMAC-SHA256 tag over the ciphertext.
type BackupBox struct{}

// NewBackupBox creates a new backup box instance.
func NewBackupBox() *BackupBox {
	return &BackupBox{}
}

// KeyPair represents an X25519 key pair
type KeyPair struct {
	PrivateKey [32]byte
	PublicKey  [32]byte
}

// EncryptedPayload is the wire envelope of one encrypted record. All fields
// are unpadded base64.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
	Ephemeral  string `json:"ephemeral"`
}

var (
	// ErrAuthFailure is returned when the MAC over a payload does not
	// verify, or the padding after decryption is malformed.
	ErrAuthFailure = errors.New("payload authentication failed")
)

// GenerateKeyPair generates a new X25519 key pair
func (b *BackupBox) GenerateKeyPair() (*KeyPair, error) {
	var privateKey, publicKey [32]byte

	if _, err := io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	// Clamp the private key according to Curve25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
	}, nil
}

// PublicFromPrivate derives the X25519 public key for a private key.
func (b *BackupBox) PublicFromPrivate(privateKey [32]byte) [32]byte {
	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return publicKey
}

// deriveBoxKeys expands an X25519 shared secret into the AES key, MAC key
// and IV used for one payload.
func deriveBoxKeys(sharedSecret []byte) (aesKey, macKey, iv []byte, err error) {
	reader := hkdf.New(sha256.New, sharedSecret, make([]byte, 32), nil)
	material := make([]byte, 80)
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to derive payload keys: %w", err)
	}
	return material[:32], material[32:64], material[64:80], nil
}

// Encrypt encrypts plaintext under the recipient's public key with a fresh
// ephemeral key pair.
func (b *BackupBox) Encrypt(recipientPublicKey [32]byte, plaintext []byte) (*EncryptedPayload, error) {
	ephemeral, err := b.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	var sharedSecret [32]byte
	curve25519.ScalarMult(&sharedSecret, &ephemeral.PrivateKey, &recipientPublicKey)

	aesKey, macKey, iv, err := deriveBoxKeys(sharedSecret[:])
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	return &EncryptedPayload{
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
		MAC:        base64.RawStdEncoding.EncodeToString(mac.Sum(nil)),
		Ephemeral:  base64.RawStdEncoding.EncodeToString(ephemeral.PublicKey[:]),
	}, nil
}

// Decrypt opens a payload with the recipient's private key. Returns
// ErrAuthFailure when the MAC or padding does not check out, so a wrong
// private key is indistinguishable from a corrupted payload.
func (b *BackupBox) Decrypt(privateKey [32]byte, payload *EncryptedPayload) ([]byte, error) {
	ciphertext, err := decodeUnpadded(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	wantMAC, err := decodeUnpadded(payload.MAC)
	if err != nil {
		return nil, fmt.Errorf("invalid mac encoding: %w", err)
	}
	ephemeralBytes, err := decodeUnpadded(payload.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral key encoding: %w", err)
	}
	if len(ephemeralBytes) != 32 {
		return nil, errors.New("ephemeral key must be 32 bytes")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrAuthFailure
	}

	var ephemeralPub, sharedSecret [32]byte
	copy(ephemeralPub[:], ephemeralBytes)
	curve25519.ScalarMult(&sharedSecret, &privateKey, &ephemeralPub)

	aesKey, macKey, iv, err := deriveBoxKeys(sharedSecret[:])
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	if subtle.ConstantTimeCompare(mac.Sum(nil), wantMAC) != 1 {
		return nil, ErrAuthFailure
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpadPKCS7(plaintext, aes.BlockSize)
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrAuthFailure
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrAuthFailure
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrAuthFailure
		}
	}
	return data[:len(data)-n], nil
}

// decodeUnpadded accepts both padded and unpadded base64, since homeservers
// are inconsistent about which form they return.
func decodeUnpadded(s string) ([]byte, error) {
	if decoded, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
