package keybackup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/bel-os/keysafe/internal/security"
)

// BackupAlgorithm is the only key backup algorithm this engine supports.
const BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// AuthData is the public half of a backup version: the curve25519 public key
// sessions are encrypted under, signatures attesting to it, and the KDF
// parameters when the private key was derived from a passphrase.
type AuthData struct {
	PublicKey            string                       `json:"public_key"`
	Signatures           map[string]map[string]string `json:"signatures,omitempty"`
	PrivateKeySalt       string                       `json:"private_key_salt,omitempty"`
	PrivateKeyIterations int                          `json:"private_key_iterations,omitempty"`
}

// PublicKeyBytes decodes the auth data's public key.
func (a *AuthData) PublicKeyBytes() ([32]byte, error) {
	var key [32]byte
	decoded, err := base64.RawStdEncoding.DecodeString(a.PublicKey)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(a.PublicKey)
	}
	if err != nil {
		return key, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(decoded) != 32 {
		return key, fmt.Errorf("public key must be 32 bytes, got %d", len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// BackupVersion describes one server-side backup version. AuthData is kept
// as raw JSON so signature verification covers the exact bytes the server
// returned.
type BackupVersion struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Version   string          `json:"version,omitempty"`
	Count     int             `json:"count,omitempty"`
	ETag      string          `json:"etag,omitempty"`
}

// ParseAuthData decodes the version's auth data.
func (v *BackupVersion) ParseAuthData() (*AuthData, error) {
	var authData AuthData
	if err := json.Unmarshal(v.AuthData, &authData); err != nil {
		return nil, fmt.Errorf("invalid auth data: %w", err)
	}
	return &authData, nil
}

// BackupCreationInfo is the local output of preparing a new backup version.
// It is discarded unless CreateKeysBackupVersion is called with it; only the
// public components ever reach the server.
type BackupCreationInfo struct {
	Algorithm   string
	AuthData    AuthData
	RecoveryKey string
}

// KeyBackupData is one encrypted session record as stored on the server.
type KeyBackupData struct {
	FirstMessageIndex int                       `json:"first_message_index"`
	ForwardedCount    int                       `json:"forwarded_count"`
	IsVerified        bool                      `json:"is_verified"`
	SessionData       security.EncryptedPayload `json:"session_data"`
}

// RoomKeysBackupData groups a room's records by session id.
type RoomKeysBackupData struct {
	Sessions map[string]KeyBackupData `json:"sessions"`
}

// KeysBackupData is the payload of one backup upload or fetch: records
// grouped by room, then session.
type KeysBackupData struct {
	Rooms map[string]RoomKeysBackupData `json:"rooms"`
}

// SessionCount returns the number of records across all rooms.
func (d *KeysBackupData) SessionCount() int {
	n := 0
	for _, room := range d.Rooms {
		n += len(room.Sessions)
	}
	return n
}

// BackupVersionTrustSignature is the verdict on one signature found in a
// version's auth data.
type BackupVersionTrustSignature struct {
	DeviceID string
	Device   *Device
	Valid    bool
}

// BackupVersionTrust is the result of evaluating a version against the local
// user's device list. Usable means at least one signature verified and its
// device is locally marked verified.
type BackupVersionTrust struct {
	Usable     bool
	Signatures []BackupVersionTrustSignature
}

// Device is the slice of a user's device the trust evaluator needs: its id,
// ed25519 fingerprint, and local verification status.
type Device struct {
	DeviceID   string
	SigningKey string
	Verified   bool
}

// DeviceSource exposes the local user's device list to the trust evaluator.
type DeviceSource interface {
	// UserID is the local user whose signatures are considered.
	UserID() string
	// GetDevice returns the device with the given id, or nil if unknown.
	GetDevice(deviceID string) (*Device, error)
}

// HomeserverClient is the narrow homeserver surface the engine consumes.
// Implementations translate protocol errors so that errors.Is recognizes
// ErrWrongBackupVersion and ErrNotFound; GetLatestVersion converts a
// not-found response into (nil, nil).
type HomeserverClient interface {
	CreateVersion(ctx context.Context, version *BackupVersion) (string, error)
	GetVersion(ctx context.Context, version string) (*BackupVersion, error)
	GetLatestVersion(ctx context.Context) (*BackupVersion, error)
	UpdateVersion(ctx context.Context, version string, body *BackupVersion) error
	DeleteVersion(ctx context.Context, version string) error
	UploadKeys(ctx context.Context, version string, keys *KeysBackupData) error
	// GetKeys fetches records scoped by the optional roomID and sessionID
	// filters; empty strings mean no filter.
	GetKeys(ctx context.Context, version, roomID, sessionID string) (*KeysBackupData, error)
}

// ImportResult reports the outcome of a restore.
type ImportResult struct {
	TotalFound    int
	TotalImported int
}

func encodeKey(key [32]byte) string {
	return base64.RawStdEncoding.EncodeToString(key[:])
}

func encodeBytes(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}
