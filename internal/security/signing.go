package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// VerifyEd25519 verifies an unpadded-base64 signature over message with an
// unpadded-base64 ed25519 public key. Malformed keys or signatures simply
// fail verification.
func VerifyEd25519(publicKeyB64 string, message []byte, signatureB64 string) bool {
	publicKey, err := decodeUnpadded(publicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	signature, err := decodeUnpadded(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// LocalDevice is the signing identity of this device: its ed25519 key pair
// plus the user and device ids signatures are filed under.
type LocalDevice struct {
	UserID     string
	DeviceID   string
	privateKey ed25519.PrivateKey
}

// NewLocalDevice generates a fresh signing key pair for a device.
func NewLocalDevice(userID, deviceID string) (*LocalDevice, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &LocalDevice{UserID: userID, DeviceID: deviceID, privateKey: privateKey}, nil
}

// NewLocalDeviceFromSeed reconstructs a device signing identity from a
// persisted 32-byte seed.
func NewLocalDeviceFromSeed(userID, deviceID string, seed []byte) (*LocalDevice, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes", ed25519.SeedSize)
	}
	return &LocalDevice{UserID: userID, DeviceID: deviceID, privateKey: ed25519.NewKeyFromSeed(seed)}, nil
}

// Fingerprint returns the device's ed25519 public key, unpadded base64.
func (d *LocalDevice) Fingerprint() string {
	publicKey := d.privateKey.Public().(ed25519.PublicKey)
	return base64.RawStdEncoding.EncodeToString(publicKey)
}

// Sign signs message and returns the unpadded-base64 signature.
func (d *LocalDevice) Sign(message []byte) string {
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(d.privateKey, message))
}

// SignJSON canonicalizes a JSON document and signs the canonical bytes.
func (d *LocalDevice) SignJSON(data []byte) (string, error) {
	canonical, err := CanonicalJSON(data)
	if err != nil {
		return "", err
	}
	return d.Sign(canonical), nil
}
