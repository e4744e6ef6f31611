package keybackup_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bel-os/keysafe/internal/keybackup"
	"github.com/bel-os/keysafe/internal/security"
	"github.com/bel-os/keysafe/internal/store"
)

const testUserID = "@alice:example.org"

// fakeDeviceSource is a mutable device list for tests.
type fakeDeviceSource struct {
	mu      sync.Mutex
	userID  string
	devices map[string]*keybackup.Device
}

func newFakeDeviceSource(userID string) *fakeDeviceSource {
	return &fakeDeviceSource{userID: userID, devices: make(map[string]*keybackup.Device)}
}

func (f *fakeDeviceSource) UserID() string { return f.userID }

func (f *fakeDeviceSource) GetDevice(deviceID string) (*keybackup.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	device, ok := f.devices[deviceID]
	if !ok {
		return nil, nil
	}
	copied := *device
	return &copied, nil
}

func (f *fakeDeviceSource) add(device *keybackup.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[device.DeviceID] = device
}

func (f *fakeDeviceSource) setVerified(deviceID string, verified bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if device, ok := f.devices[deviceID]; ok {
		device.Verified = verified
	}
}

// preparedVersion signs fresh auth data with signer and wraps it in a
// BackupVersion as a server would return it.
func preparedVersion(t *testing.T, signer *security.LocalDevice, versionID string) *keybackup.BackupVersion {
	t.Helper()
	engine := keybackup.NewEngine(keybackup.Config{
		Store:   store.NewMemoryStore(),
		Client:  nil,
		Devices: newFakeDeviceSource(signer.UserID),
		Signer:  signer,
	})
	info, err := engine.PrepareKeysBackupVersion(context.Background(), "")
	require.NoError(t, err)

	raw, err := json.Marshal(info.AuthData)
	require.NoError(t, err)
	return &keybackup.BackupVersion{
		Algorithm: keybackup.BackupAlgorithm,
		AuthData:  raw,
		Version:   versionID,
	}
}

func TestTrustNoSignatures(t *testing.T) {
	devices := newFakeDeviceSource(testUserID)
	version := &keybackup.BackupVersion{
		Algorithm: keybackup.BackupAlgorithm,
		AuthData:  json.RawMessage(`{"public_key":"aGVsbG8gd29ybGQgaGVsbG8gd29ybGQgaGVsbG8hISE"}`),
		Version:   "1",
	}
	trust, err := keybackup.EvaluateTrust(version, devices)
	require.NoError(t, err)
	assert.False(t, trust.Usable)
	assert.Empty(t, trust.Signatures)
}

func TestTrustUnknownDevice(t *testing.T) {
	signer, err := security.NewLocalDevice(testUserID, "OLDDEVICE")
	require.NoError(t, err)
	version := preparedVersion(t, signer, "1")

	devices := newFakeDeviceSource(testUserID)
	trust, err := keybackup.EvaluateTrust(version, devices)
	require.NoError(t, err)
	assert.False(t, trust.Usable)
	require.Len(t, trust.Signatures, 1)
	assert.Equal(t, "OLDDEVICE", trust.Signatures[0].DeviceID)
	assert.Nil(t, trust.Signatures[0].Device)
	assert.False(t, trust.Signatures[0].Valid)
}

func TestTrustUnverifiedDevice(t *testing.T) {
	signer, err := security.NewLocalDevice(testUserID, "OLDDEVICE")
	require.NoError(t, err)
	version := preparedVersion(t, signer, "1")

	devices := newFakeDeviceSource(testUserID)
	devices.add(&keybackup.Device{
		DeviceID:   "OLDDEVICE",
		SigningKey: signer.Fingerprint(),
		Verified:   false,
	})
	trust, err := keybackup.EvaluateTrust(version, devices)
	require.NoError(t, err)
	assert.False(t, trust.Usable)
	require.Len(t, trust.Signatures, 1)
	assert.True(t, trust.Signatures[0].Valid)
}

func TestTrustVerifiedDevice(t *testing.T) {
	signer, err := security.NewLocalDevice(testUserID, "OLDDEVICE")
	require.NoError(t, err)
	version := preparedVersion(t, signer, "1")

	devices := newFakeDeviceSource(testUserID)
	devices.add(&keybackup.Device{
		DeviceID:   "OLDDEVICE",
		SigningKey: signer.Fingerprint(),
		Verified:   true,
	})
	trust, err := keybackup.EvaluateTrust(version, devices)
	require.NoError(t, err)
	assert.True(t, trust.Usable)
}

func TestTrustBadSignature(t *testing.T) {
	signer, err := security.NewLocalDevice(testUserID, "OLDDEVICE")
	require.NoError(t, err)
	version := preparedVersion(t, signer, "1")

	// The device list claims a different signing key for the device.
	impostor, err := security.NewLocalDevice(testUserID, "OLDDEVICE")
	require.NoError(t, err)
	devices := newFakeDeviceSource(testUserID)
	devices.add(&keybackup.Device{
		DeviceID:   "OLDDEVICE",
		SigningKey: impostor.Fingerprint(),
		Verified:   true,
	})
	trust, err := keybackup.EvaluateTrust(version, devices)
	require.NoError(t, err)
	assert.False(t, trust.Usable)
	require.Len(t, trust.Signatures, 1)
	assert.False(t, trust.Signatures[0].Valid)
}

func TestTrustIgnoresOtherUsers(t *testing.T) {
	signer, err := security.NewLocalDevice("@bob:example.org", "BOBDEVICE")
	require.NoError(t, err)
	version := preparedVersion(t, signer, "1")

	devices := newFakeDeviceSource(testUserID)
	devices.add(&keybackup.Device{
		DeviceID:   "BOBDEVICE",
		SigningKey: signer.Fingerprint(),
		Verified:   true,
	})
	trust, err := keybackup.EvaluateTrust(version, devices)
	require.NoError(t, err)
	assert.False(t, trust.Usable)
	assert.Empty(t, trust.Signatures)
}

func TestTrustUnsupportedAlgorithm(t *testing.T) {
	signer, err := security.NewLocalDevice(testUserID, "OLDDEVICE")
	require.NoError(t, err)
	version := preparedVersion(t, signer, "1")
	version.Algorithm = "m.megolm_backup.v2"

	devices := newFakeDeviceSource(testUserID)
	devices.add(&keybackup.Device{
		DeviceID:   "OLDDEVICE",
		SigningKey: signer.Fingerprint(),
		Verified:   true,
	})
	trust, err := keybackup.EvaluateTrust(version, devices)
	require.NoError(t, err)
	assert.False(t, trust.Usable)
}
