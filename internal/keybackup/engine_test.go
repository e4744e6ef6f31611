package keybackup_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bel-os/keysafe/internal/homeserver"
	"github.com/bel-os/keysafe/internal/keybackup"
	"github.com/bel-os/keysafe/internal/megolm"
	"github.com/bel-os/keysafe/internal/security"
	"github.com/bel-os/keysafe/internal/store"
)

const testDeviceID = "ALICEDEVICE"

type testHarness struct {
	engine  *keybackup.Engine
	store   *store.MemoryStore
	mock    *homeserver.Mock
	devices *fakeDeviceSource
	signer  *security.LocalDevice
}

func newTestHarness(t *testing.T, opts ...func(*keybackup.Config)) *testHarness {
	t.Helper()

	signer, err := security.NewLocalDevice(testUserID, testDeviceID)
	require.NoError(t, err)

	devices := newFakeDeviceSource(testUserID)
	devices.add(&keybackup.Device{
		DeviceID:   testDeviceID,
		SigningKey: signer.Fingerprint(),
		Verified:   true,
	})

	memStore := store.NewMemoryStore()
	mock := homeserver.NewMock()

	cfg := keybackup.Config{
		Store:       memStore,
		Client:      mock,
		Devices:     devices,
		Signer:      signer,
		UploadDelay: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &testHarness{
		engine:  keybackup.NewEngine(cfg),
		store:   memStore,
		mock:    mock,
		devices: devices,
		signer:  signer,
	}
}

func testSession(i int) *megolm.GroupSession {
	return &megolm.GroupSession{
		RoomID:     fmt.Sprintf("!room%d:example.org", i%3),
		SessionID:  fmt.Sprintf("session%03d", i),
		SenderKey:  fmt.Sprintf("senderkey%03d", i),
		SessionKey: fmt.Sprintf("AgAAAASessionMaterial%03d", i),
		SenderClaimedKeys: map[string]string{
			"ed25519": fmt.Sprintf("claimed%03d", i),
		},
		ForwardingChain: nil,
		FirstKnownIndex: uint32(i),
		SenderVerified:  i%2 == 0,
	}
}

// stateRecorder collects every transition the engine reports.
type stateRecorder struct {
	mu     sync.Mutex
	states []keybackup.BackupState
}

func (r *stateRecorder) listen(old, new keybackup.BackupState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, new)
}

func (r *stateRecorder) seen(want keybackup.BackupState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func createBackup(t *testing.T, h *testHarness, password string) (*keybackup.BackupCreationInfo, *keybackup.BackupVersion) {
	t.Helper()
	info, err := h.engine.PrepareKeysBackupVersion(context.Background(), password)
	require.NoError(t, err)
	version, err := h.engine.CreateKeysBackupVersion(context.Background(), info)
	require.NoError(t, err)
	return info, version
}

func TestBackupLifecycle(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.store.AddSession(testSession(1)))
	require.NoError(t, h.store.AddSession(testSession(2)))

	total, err := h.engine.TotalKeyCount()
	require.NoError(t, err)
	backedUp, err := h.engine.BackedUpKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, backedUp)

	recorder := &stateRecorder{}
	remove := h.engine.AddStateListener(recorder.listen)
	defer remove()

	_, version := createBackup(t, h, "")
	assert.True(t, h.engine.IsEnabled())
	assert.Equal(t, version.Version, h.engine.CurrentVersionID())

	require.NoError(t, h.engine.BackupAllGroupSessions(context.Background(), nil))

	assert.True(t, recorder.seen(keybackup.StateEnabling))
	assert.True(t, recorder.seen(keybackup.StateReadyToBackUp))
	assert.True(t, recorder.seen(keybackup.StateWillBackUp))
	assert.True(t, recorder.seen(keybackup.StateBackingUp))
	assert.Equal(t, keybackup.StateReadyToBackUp, h.engine.State())

	backedUp, err = h.engine.BackedUpKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 2, backedUp)
	assert.Equal(t, 2, h.mock.StoredKeyCount(version.Version))
}

func TestNewSessionTriggersDelayedBackup(t *testing.T) {
	h := newTestHarness(t)
	_, version := createBackup(t, h, "")

	// Let the initial (empty) pass settle before watching transitions.
	require.Eventually(t, func() bool {
		return h.engine.State() == keybackup.StateReadyToBackUp
	}, 2*time.Second, 5*time.Millisecond)

	recorder := &stateRecorder{}
	remove := h.engine.AddStateListener(recorder.listen)
	defer remove()

	h.engine.OnSessionReceived(testSession(1))

	require.Eventually(t, func() bool {
		return h.mock.StoredKeyCount(version.Version) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, recorder.seen(keybackup.StateWillBackUp))
	assert.True(t, recorder.seen(keybackup.StateBackingUp))

	require.Eventually(t, func() bool {
		return h.engine.State() == keybackup.StateReadyToBackUp
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBackupChunking(t *testing.T) {
	h := newTestHarness(t, func(cfg *keybackup.Config) {
		cfg.MaxChunkSize = 2
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, h.store.AddSession(testSession(i)))
	}

	recorder := &stateRecorder{}
	remove := h.engine.AddStateListener(recorder.listen)
	defer remove()

	_, version := createBackup(t, h, "")

	var progressCalls atomic.Int32
	require.NoError(t, h.engine.BackupAllGroupSessions(context.Background(), func(total, backedUp int) {
		progressCalls.Add(1)
		assert.LessOrEqual(t, backedUp, total)
	}))

	assert.Equal(t, 5, h.mock.StoredKeyCount(version.Version))
	// A full chunk re-arms the loop through WillBackUp.
	assert.True(t, recorder.seen(keybackup.StateWillBackUp))
	assert.Positive(t, progressCalls.Load())

	backedUp, err := h.engine.BackedUpKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 5, backedUp)
}

func TestWrongVersionDisablesBackup(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.store.AddSession(testSession(1)))

	_, version := createBackup(t, h, "")
	require.NoError(t, h.engine.BackupAllGroupSessions(context.Background(), nil))
	require.Equal(t, 1, h.mock.StoredKeyCount(version.Version))

	// Another device replaces the backup directly on the server.
	other := preparedVersion(t, h.signer, "")
	h.mock.SupersedeVersion(other)

	require.NoError(t, h.store.ResetBackupMarkers())

	err := h.engine.BackupAllGroupSessions(context.Background(), nil)
	assert.ErrorIs(t, err, keybackup.ErrWrongBackupVersion)
	assert.Equal(t, keybackup.StateWrongBackUpVersion, h.engine.State())
	assert.False(t, h.engine.IsEnabled())
}

func TestTransientUploadErrorReturnsToReady(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.store.AddSession(testSession(1)))
	createBackup(t, h, "")

	h.mock.SetFailUploads(fmt.Errorf("connection reset"))
	h.engine.OnSessionReceived(testSession(2))

	require.Eventually(t, func() bool {
		return h.engine.State() == keybackup.StateReadyToBackUp
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.engine.IsEnabled())

	// Counts unchanged: markers are never set for a failed chunk.
	backedUp, err := h.engine.BackedUpKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 0, backedUp)

	// The next trigger drains normally once the network recovers.
	h.mock.SetFailUploads(nil)
	require.NoError(t, h.engine.BackupAllGroupSessions(context.Background(), nil))
	backedUp, err = h.engine.BackedUpKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 2, backedUp)
}

func TestBackupAllWhenDisabled(t *testing.T) {
	h := newTestHarness(t)
	err := h.engine.BackupAllGroupSessions(context.Background(), nil)
	assert.ErrorIs(t, err, keybackup.ErrBackupDisabled)
}

func TestCheckAndStartWithoutServerVersion(t *testing.T) {
	h := newTestHarness(t)
	h.engine.CheckAndStartKeysBackup(context.Background())
	assert.Equal(t, keybackup.StateDisabled, h.engine.State())
	assert.False(t, h.engine.IsEnabled())
}

func TestCheckAndStartAdoptsTrustedVersion(t *testing.T) {
	creator := newTestHarness(t)
	require.NoError(t, creator.store.AddSession(testSession(1)))
	_, version := createBackup(t, creator, "")
	require.NoError(t, creator.engine.BackupAllGroupSessions(context.Background(), nil))

	// A second engine for the same account, sharing the homeserver. Its
	// device list knows and trusts the creating device.
	restored := &testHarness{mock: creator.mock}
	signer, err := security.NewLocalDevice(testUserID, "NEWDEVICE")
	require.NoError(t, err)
	devices := newFakeDeviceSource(testUserID)
	devices.add(&keybackup.Device{
		DeviceID:   testDeviceID,
		SigningKey: creator.signer.Fingerprint(),
		Verified:   true,
	})
	restored.store = store.NewMemoryStore()
	restored.engine = keybackup.NewEngine(keybackup.Config{
		Store:       restored.store,
		Client:      creator.mock,
		Devices:     devices,
		Signer:      signer,
		UploadDelay: 5 * time.Millisecond,
	})

	restored.engine.CheckAndStartKeysBackup(context.Background())
	assert.True(t, restored.engine.IsEnabled())
	assert.Equal(t, version.Version, restored.engine.CurrentVersionID())

	activeID, err := restored.store.ActiveVersionID()
	require.NoError(t, err)
	assert.Equal(t, version.Version, activeID)
}

func TestCheckAndStartUntrustedThenVerified(t *testing.T) {
	creator := newTestHarness(t)
	_, version := createBackup(t, creator, "")

	// Fresh device: it knows the creating device but has not verified it.
	signer, err := security.NewLocalDevice(testUserID, "NEWDEVICE")
	require.NoError(t, err)
	devices := newFakeDeviceSource(testUserID)
	devices.add(&keybackup.Device{
		DeviceID:   testDeviceID,
		SigningKey: creator.signer.Fingerprint(),
		Verified:   false,
	})
	engine := keybackup.NewEngine(keybackup.Config{
		Store:       store.NewMemoryStore(),
		Client:      creator.mock,
		Devices:     devices,
		Signer:      signer,
		UploadDelay: 5 * time.Millisecond,
	})

	engine.CheckAndStartKeysBackup(context.Background())
	assert.Equal(t, keybackup.StateNotTrusted, engine.State())
	assert.False(t, engine.IsEnabled())

	// The user verifies the old device; a re-check now succeeds.
	devices.setVerified(testDeviceID, true)
	engine.CheckAndStartKeysBackup(context.Background())
	assert.True(t, engine.IsEnabled())
	assert.Equal(t, version.Version, engine.CurrentVersionID())
}

func TestSwitchingVersionsResetsMarkers(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.store.AddSession(testSession(1)))
	createBackup(t, h, "")
	require.NoError(t, h.engine.BackupAllGroupSessions(context.Background(), nil))

	backedUp, err := h.engine.BackedUpKeyCount()
	require.NoError(t, err)
	require.Equal(t, 1, backedUp)

	// A trusted replacement version appears on the server.
	replacement, err := h.engine.PrepareKeysBackupVersion(context.Background(), "")
	require.NoError(t, err)
	raw := mustMarshal(t, replacement.AuthData)
	newVersion := h.mock.SupersedeVersion(&keybackup.BackupVersion{
		Algorithm: keybackup.BackupAlgorithm,
		AuthData:  raw,
	})

	// Force a re-check from a disabled state, as after an app restart.
	h.engine.DisableKeysBackup()
	h.engine.CheckAndStartKeysBackup(context.Background())
	require.True(t, h.engine.IsEnabled())

	// Markers were reset for the new version, so the session is uploaded
	// again.
	require.Eventually(t, func() bool {
		return h.mock.StoredKeyCount(newVersion) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDeleteActiveVersionDisables(t *testing.T) {
	h := newTestHarness(t)
	_, version := createBackup(t, h, "")
	require.True(t, h.engine.IsEnabled())

	require.NoError(t, h.engine.DeleteKeysBackupVersion(context.Background(), version.Version))
	assert.False(t, h.engine.IsEnabled())
	assert.Equal(t, keybackup.StateDisabled, h.engine.State())

	latest, err := h.mock.GetLatestVersion(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestIsValidRecoveryKeyForVersion(t *testing.T) {
	h := newTestHarness(t)
	info, version := createBackup(t, h, "")

	ok, err := h.engine.IsValidRecoveryKeyForVersion(info.RecoveryKey, version)
	require.NoError(t, err)
	assert.True(t, ok)

	other := newTestHarness(t)
	otherInfo, _ := createBackup(t, other, "")
	ok, err = h.engine.IsValidRecoveryKeyForVersion(otherInfo.RecoveryKey, version)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.engine.IsValidRecoveryKeyForVersion("garbage", version)
	assert.ErrorIs(t, err, keybackup.ErrInvalidRecoveryKey)
}

func TestTrustKeysBackupVersionSignsAndAdopts(t *testing.T) {
	creator := newTestHarness(t)
	_, version := createBackup(t, creator, "")

	// New device that trusts nobody yet; the version is not usable.
	signer, err := security.NewLocalDevice(testUserID, "NEWDEVICE")
	require.NoError(t, err)
	devices := newFakeDeviceSource(testUserID)
	devices.add(&keybackup.Device{
		DeviceID:   "NEWDEVICE",
		SigningKey: signer.Fingerprint(),
		Verified:   true,
	})
	engine := keybackup.NewEngine(keybackup.Config{
		Store:       store.NewMemoryStore(),
		Client:      creator.mock,
		Devices:     devices,
		Signer:      signer,
		UploadDelay: 5 * time.Millisecond,
	})
	engine.CheckAndStartKeysBackup(context.Background())
	require.Equal(t, keybackup.StateNotTrusted, engine.State())

	// The user approves the backup; the device signs it and adopts it.
	fetched, err := engine.GetBackupVersion(context.Background(), version.Version)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	require.NoError(t, engine.TrustKeysBackupVersion(context.Background(), fetched))

	assert.True(t, engine.IsEnabled())
	assert.Equal(t, version.Version, engine.CurrentVersionID())
}
