package keybackup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bel-os/keysafe/internal/megolm"
	"github.com/bel-os/keysafe/internal/metrics"
	"github.com/bel-os/keysafe/internal/security"
	"github.com/bel-os/keysafe/internal/store"
)

const (
	// KeyBackupSendKeysMaxCount bounds how many sessions one upload chunk
	// carries.
	KeyBackupSendKeysMaxCount = 100

	// KeyBackupWaitingDelay is the upper bound of the jittered delay between
	// a new session arriving and the upload starting. The jitter spreads
	// upload bursts across clients when a room distributes new keys to
	// everyone at once.
	KeyBackupWaitingDelay = 10 * time.Second
)

var errAggregateReplaced = errors.New("superseded by a newer backup-all request")

// Engine drives the key backup lifecycle: preparing and creating versions,
// watching the homeserver for existing ones, encrypting and uploading
// pending sessions in chunks, and restoring them on a new device.
//
// All exported methods are safe to call from any goroutine. The upload loop
// runs in background goroutines owned by the engine; at most one chunk is in
// flight at a time.
type Engine struct {
	log     zerolog.Logger
	box     *security.BackupBox
	store   store.Store
	client  HomeserverClient
	devices DeviceSource
	signer  *security.LocalDevice

	maxChunkSize int
	maxDelay     time.Duration

	mu         sync.Mutex
	state      BackupState
	version    *BackupVersion
	publicKey  [32]byte
	uploading  bool
	delayTimer *time.Timer
	aggregate  *aggregateWatcher

	notifyQueue []stateChange
	dispatching bool
	listeners   listenerRegistry
}

type stateChange struct {
	old BackupState
	new BackupState
}

type aggregateWatcher struct {
	progress func(total, backedUp int)
	done     chan error
	once     sync.Once
}

func (w *aggregateWatcher) resolve(err error) {
	w.once.Do(func() {
		w.done <- err
	})
}

// Config carries the engine's collaborators and tunables. Zero-value
// tunables get the defaults above.
type Config struct {
	Store   store.Store
	Client  HomeserverClient
	Devices DeviceSource
	Signer  *security.LocalDevice
	Log     zerolog.Logger

	MaxChunkSize int
	UploadDelay  time.Duration
}

// NewEngine creates an engine in the Unknown state. Call
// CheckAndStartKeysBackup to find and adopt an existing trusted version, or
// PrepareKeysBackupVersion + CreateKeysBackupVersion to start a new one.
func NewEngine(cfg Config) *Engine {
	maxChunk := cfg.MaxChunkSize
	if maxChunk <= 0 {
		maxChunk = KeyBackupSendKeysMaxCount
	}
	delay := cfg.UploadDelay
	if delay <= 0 {
		delay = KeyBackupWaitingDelay
	}
	return &Engine{
		log:          cfg.Log.With().Str("component", "keybackup").Logger(),
		box:          security.NewBackupBox(),
		store:        cfg.Store,
		client:       cfg.Client,
		devices:      cfg.Devices,
		signer:       cfg.Signer,
		maxChunkSize: maxChunk,
		maxDelay:     delay,
		state:        StateUnknown,
	}
}

// State returns the current backup state.
func (e *Engine) State() BackupState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsEnabled reports whether the backup loop is active.
func (e *Engine) IsEnabled() bool {
	return e.State().IsEnabled()
}

// CurrentVersionID returns the active backup version id, empty when none.
func (e *Engine) CurrentVersionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.version == nil {
		return ""
	}
	return e.version.Version
}

// AddStateListener registers a state listener and returns its removal
// function. Listeners are invoked synchronously in transition order.
func (e *Engine) AddStateListener(listener StateListener) func() {
	return e.listeners.Add(listener)
}

// setStateLocked records a transition; the caller holds e.mu. Notifications
// are queued and drained by dispatchLocked so listeners observe every
// transition in order even when transitions nest.
func (e *Engine) setStateLocked(next BackupState) {
	if e.state == next {
		return
	}
	old := e.state
	e.state = next
	metrics.StateTransitionsTotal.WithLabelValues(old.String(), next.String()).Inc()
	e.notifyQueue = append(e.notifyQueue, stateChange{old: old, new: next})
}

// dispatchLocked drains the notification queue, releasing e.mu around each
// round of callbacks. Only one goroutine drains at a time, which preserves
// delivery order.
func (e *Engine) dispatchLocked() {
	if e.dispatching {
		return
	}
	e.dispatching = true
	for len(e.notifyQueue) > 0 {
		change := e.notifyQueue[0]
		e.notifyQueue = e.notifyQueue[1:]
		listeners := e.listeners.snapshot()
		e.mu.Unlock()
		e.log.Debug().
			Stringer("from", change.old).
			Stringer("to", change.new).
			Msg("backup state changed")
		for _, listener := range listeners {
			listener(change.old, change.new)
		}
		e.mu.Lock()
	}
	e.dispatching = false
}

func (e *Engine) setState(next BackupState) {
	e.mu.Lock()
	e.setStateLocked(next)
	e.dispatchLocked()
	e.mu.Unlock()
}

// resetBackupLocked drops the active version and key material and cancels
// any pending delayed upload. The caller holds e.mu and decides the next
// state.
func (e *Engine) resetBackupLocked() {
	e.version = nil
	e.publicKey = [32]byte{}
	if e.delayTimer != nil {
		e.delayTimer.Stop()
		e.delayTimer = nil
	}
}

// PrepareKeysBackupVersion generates the material for a new backup version:
// a fresh private key (or one derived from password), its public key, signed
// auth data, and the recovery key string. Nothing touches the server until
// CreateKeysBackupVersion is called with the result.
func (e *Engine) PrepareKeysBackupVersion(ctx context.Context, password string) (*BackupCreationInfo, error) {
	var privateKey [32]byte
	authData := AuthData{}

	if password == "" {
		pair, err := e.box.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		privateKey = pair.PrivateKey
		authData.PublicKey = encodeKey(pair.PublicKey)
	} else {
		salt, err := security.GenerateKDFSalt()
		if err != nil {
			return nil, err
		}
		privateKey = security.DeriveKeyFromPassphrase(password, salt, security.DefaultKDFIterations)
		authData.PublicKey = encodeKey(e.box.PublicFromPrivate(privateKey))
		authData.PrivateKeySalt = encodeBytes(salt)
		authData.PrivateKeyIterations = security.DefaultKDFIterations
	}

	unsigned, err := json.Marshal(authData)
	if err != nil {
		return nil, err
	}
	signature, err := e.signer.SignJSON(unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to sign auth data: %w", err)
	}
	authData.Signatures = map[string]map[string]string{
		e.signer.UserID: {
			ed25519KeyPrefix + e.signer.DeviceID: signature,
		},
	}

	return &BackupCreationInfo{
		Algorithm:   BackupAlgorithm,
		AuthData:    authData,
		RecoveryKey: security.EncodeRecoveryKey(privateKey),
	}, nil
}

// CreateKeysBackupVersion publishes a prepared version to the homeserver,
// resets all backup markers, adopts the returned version id and arms the
// upload loop.
func (e *Engine) CreateKeysBackupVersion(ctx context.Context, info *BackupCreationInfo) (*BackupVersion, error) {
	e.setState(StateEnabling)

	raw, err := json.Marshal(info.AuthData)
	if err != nil {
		e.setState(StateDisabled)
		return nil, err
	}
	body := &BackupVersion{Algorithm: info.Algorithm, AuthData: raw}

	versionID, err := e.client.CreateVersion(ctx, body)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to create backup version")
		e.setState(StateDisabled)
		return nil, err
	}
	body.Version = versionID

	if err := e.store.ResetBackupMarkers(); err != nil {
		e.setState(StateDisabled)
		return nil, fmt.Errorf("failed to reset backup markers: %w", err)
	}
	if err := e.enableBackup(body); err != nil {
		e.setState(StateDisabled)
		return nil, err
	}
	e.MaybeBackupKeys()
	return body, nil
}

// enableBackup adopts a version as the active one and moves to
// ReadyToBackUp.
func (e *Engine) enableBackup(version *BackupVersion) error {
	authData, err := version.ParseAuthData()
	if err != nil {
		return err
	}
	publicKey, err := authData.PublicKeyBytes()
	if err != nil {
		return err
	}
	if err := e.store.SetActiveVersionID(version.Version); err != nil {
		return fmt.Errorf("failed to persist active version: %w", err)
	}

	e.mu.Lock()
	e.version = version
	e.publicKey = publicKey
	e.setStateLocked(StateReadyToBackUp)
	e.dispatchLocked()
	e.mu.Unlock()
	return nil
}

// disableBackup clears the active version, fails any pending backup-all
// waiter and moves to Disabled.
func (e *Engine) disableBackup() {
	e.mu.Lock()
	e.resetBackupLocked()
	aggregate := e.aggregate
	e.aggregate = nil
	e.setStateLocked(StateDisabled)
	e.dispatchLocked()
	e.mu.Unlock()

	if err := e.store.SetActiveVersionID(""); err != nil {
		e.log.Error().Err(err).Msg("failed to clear active version")
	}
	if aggregate != nil {
		aggregate.resolve(ErrBackupDisabled)
	}
}

// DisableKeysBackup stops the backup loop and forgets the active version.
// The homeserver copy is untouched; CheckAndStartKeysBackup re-adopts it.
func (e *Engine) DisableKeysBackup() {
	e.disableBackup()
}

// CheckAndStartKeysBackup queries the homeserver for the latest backup
// version, evaluates its trust, and enables the backup when it is usable.
// No-op unless the engine is currently disabled in some form.
func (e *Engine) CheckAndStartKeysBackup(ctx context.Context) {
	e.mu.Lock()
	switch e.state {
	case StateUnknown, StateDisabled, StateNotTrusted, StateWrongBackUpVersion:
	default:
		e.mu.Unlock()
		return
	}
	e.resetBackupLocked()
	e.setStateLocked(StateCheckingBackUpOnHomeserver)
	e.dispatchLocked()
	e.mu.Unlock()

	version, err := e.client.GetLatestVersion(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to fetch latest backup version")
		e.setState(StateUnknown)
		return
	}
	if version == nil {
		e.log.Info().Msg("no backup version on homeserver")
		e.disableBackup()
		return
	}
	e.checkBackupVersion(ctx, version)
}

func (e *Engine) checkBackupVersion(ctx context.Context, version *BackupVersion) {
	trust, err := EvaluateTrust(version, e.devices)
	if err != nil {
		e.log.Error().Err(err).Str("version", version.Version).Msg("failed to evaluate backup trust")
		e.setState(StateUnknown)
		return
	}
	if !trust.Usable {
		e.log.Info().Str("version", version.Version).Msg("backup version is not trusted")
		e.mu.Lock()
		e.version = version
		e.setStateLocked(StateNotTrusted)
		e.dispatchLocked()
		e.mu.Unlock()
		return
	}

	activeID, err := e.store.ActiveVersionID()
	if err != nil {
		e.log.Error().Err(err).Msg("failed to read active version")
		e.setState(StateUnknown)
		return
	}
	if activeID != version.Version {
		// Switching versions invalidates every marker: all sessions are of
		// unknown status with respect to the new version.
		if err := e.store.ResetBackupMarkers(); err != nil {
			e.log.Error().Err(err).Msg("failed to reset backup markers")
			e.setState(StateUnknown)
			return
		}
	}
	if err := e.enableBackup(version); err != nil {
		e.log.Error().Err(err).Str("version", version.Version).Msg("failed to enable backup")
		e.setState(StateDisabled)
		return
	}
	e.MaybeBackupKeys()
}

// OnSessionReceived stores a freshly received inbound group session and
// schedules a backup pass. This is the listener the crypto coordinator
// registers for new-session events.
func (e *Engine) OnSessionReceived(session *megolm.GroupSession) {
	if err := e.store.AddSession(session); err != nil {
		e.log.Error().Err(err).Str("session_id", session.SessionID).Msg("failed to store session")
		return
	}
	e.MaybeBackupKeys()
}

// MaybeBackupKeys is the debounced backup trigger. From Unknown it delegates
// to CheckAndStartKeysBackup; from ReadyToBackUp it schedules an upload
// after a uniform random delay in [0, KeyBackupWaitingDelay); in any other
// state it is a no-op.
func (e *Engine) MaybeBackupKeys() {
	e.mu.Lock()
	switch e.state {
	case StateUnknown:
		e.mu.Unlock()
		go e.CheckAndStartKeysBackup(context.Background())
	case StateReadyToBackUp:
		delay := time.Duration(rand.Int63n(int64(e.maxDelay)))
		e.setStateLocked(StateWillBackUp)
		e.delayTimer = time.AfterFunc(delay, func() {
			e.backupKeys()
		})
		e.dispatchLocked()
		e.mu.Unlock()
	default:
		e.mu.Unlock()
	}
}

// BackupAllGroupSessions uploads every pending session, reporting progress
// after each state change, and returns once the store is fully backed up or
// the backup dies. Only one waiter is active at a time; a second call
// supersedes the first.
func (e *Engine) BackupAllGroupSessions(ctx context.Context, progress func(total, backedUp int)) error {
	if !e.State().IsEnabled() {
		return ErrBackupDisabled
	}
	watcher := &aggregateWatcher{
		progress: progress,
		done:     make(chan error, 1),
	}

	e.mu.Lock()
	previous := e.aggregate
	e.aggregate = watcher
	e.mu.Unlock()
	if previous != nil {
		previous.resolve(errAggregateReplaced)
	}

	remove := e.AddStateListener(func(old, new BackupState) {
		e.reportAggregate(watcher, new)
	})
	defer remove()

	// Report the starting point before any state changes.
	e.reportAggregate(watcher, e.State())

	go e.backupKeys()

	select {
	case err := <-watcher.done:
		return err
	case <-ctx.Done():
		watcher.resolve(ctx.Err())
		return <-watcher.done
	}
}

func (e *Engine) reportAggregate(watcher *aggregateWatcher, state BackupState) {
	total, err := e.store.CountSessions(false)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to count sessions")
		return
	}
	backedUp, err := e.store.CountSessions(true)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to count backed-up sessions")
		return
	}
	if watcher.progress != nil {
		watcher.progress(total, backedUp)
	}

	switch state {
	case StateReadyToBackUp:
		if total == backedUp {
			e.mu.Lock()
			if e.aggregate == watcher {
				e.aggregate = nil
			}
			e.mu.Unlock()
			watcher.resolve(nil)
		}
	case StateWrongBackUpVersion:
		e.mu.Lock()
		if e.aggregate == watcher {
			e.aggregate = nil
		}
		e.mu.Unlock()
		watcher.resolve(ErrWrongBackupVersion)
	case StateDisabled:
		e.mu.Lock()
		if e.aggregate == watcher {
			e.aggregate = nil
		}
		e.mu.Unlock()
		watcher.resolve(ErrBackupDisabled)
	}
}

// backupKeys drives upload passes until nothing is pending or the backup
// dies. Re-entry while a chunk is in flight is a no-op; a full chunk runs
// the next pass through WillBackUp without waiting for a new trigger.
func (e *Engine) backupKeys() {
	for e.backupPass() {
	}
}

// setUploading flips the single-flight guard; only one pass holds it.
func (e *Engine) setUploading(v bool) {
	e.mu.Lock()
	e.uploading = v
	e.mu.Unlock()
}

// backupPass uploads one chunk. It returns true when the chunk was full and
// another pass should follow.
func (e *Engine) backupPass() bool {
	e.mu.Lock()
	if e.uploading || e.version == nil || (e.state != StateReadyToBackUp && e.state != StateWillBackUp) {
		e.mu.Unlock()
		return false
	}
	version := e.version.Version
	publicKey := e.publicKey
	e.uploading = true
	e.mu.Unlock()

	sessions, err := e.store.SessionsToBackup(e.maxChunkSize)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to enumerate pending sessions")
		e.setUploading(false)
		e.setState(StateReadyToBackUp)
		return false
	}
	e.updatePendingGauge()
	if len(sessions) == 0 {
		e.setUploading(false)
		e.setState(StateReadyToBackUp)
		return false
	}

	e.setState(StateBackingUp)

	data := &KeysBackupData{Rooms: make(map[string]RoomKeysBackupData)}
	encrypted := make([]*megolm.GroupSession, 0, len(sessions))
	for _, session := range sessions {
		record, err := e.encryptGroupSession(publicKey, session)
		if err != nil {
			e.log.Warn().Err(err).
				Str("session_id", session.SessionID).
				Msg("failed to encrypt session, skipping")
			continue
		}
		room, ok := data.Rooms[session.RoomID]
		if !ok {
			room = RoomKeysBackupData{Sessions: make(map[string]KeyBackupData)}
		}
		room.Sessions[session.SessionID] = *record
		data.Rooms[session.RoomID] = room
		encrypted = append(encrypted, session)
	}
	if len(encrypted) == 0 {
		e.log.Error().Int("sessions", len(sessions)).Msg("no pending session could be encrypted")
		e.failAggregate(fmt.Errorf("no pending session could be encrypted"))
		e.setUploading(false)
		e.setState(StateReadyToBackUp)
		return false
	}

	start := time.Now()
	err = e.client.UploadKeys(context.Background(), version, data)
	switch {
	case errors.Is(err, ErrWrongBackupVersion):
		metrics.ObserveChunk("wrong_version", start)
		e.log.Warn().Str("version", version).Msg("backup version superseded on homeserver")
		e.mu.Lock()
		e.resetBackupLocked()
		e.uploading = false
		e.setStateLocked(StateWrongBackUpVersion)
		e.dispatchLocked()
		e.mu.Unlock()
		e.failAggregate(ErrWrongBackupVersion)
		return false
	case err != nil:
		metrics.ObserveChunk("error", start)
		e.log.Warn().Err(err).Msg("backup chunk upload failed, will retry on next trigger")
		e.setUploading(false)
		e.setState(StateReadyToBackUp)
		return false
	}
	metrics.ObserveChunk("ok", start)

	// Markers are set only after the server acknowledged the chunk, and
	// before the state leaves BackingUp.
	for _, session := range encrypted {
		if err := e.store.MarkBackedUp(session.SessionID, session.SenderKey); err != nil {
			e.log.Error().Err(err).
				Str("session_id", session.SessionID).
				Msg("failed to mark session backed up")
		}
	}
	metrics.SessionsBackedUpTotal.Add(float64(len(encrypted)))
	e.updatePendingGauge()

	if len(sessions) == e.maxChunkSize {
		e.setUploading(false)
		e.setState(StateWillBackUp)
		return true
	}
	e.setUploading(false)
	e.setState(StateReadyToBackUp)
	return false
}

func (e *Engine) failAggregate(err error) {
	e.mu.Lock()
	aggregate := e.aggregate
	e.aggregate = nil
	e.mu.Unlock()
	if aggregate != nil {
		aggregate.resolve(err)
	}
}

func (e *Engine) updatePendingGauge() {
	total, err := e.store.CountSessions(false)
	if err != nil {
		return
	}
	backedUp, err := e.store.CountSessions(true)
	if err != nil {
		return
	}
	metrics.SessionsPending.Set(float64(total - backedUp))
}

// encryptGroupSession exports a session's key material, canonicalizes it and
// encrypts it under the backup public key.
func (e *Engine) encryptGroupSession(publicKey [32]byte, session *megolm.GroupSession) (*KeyBackupData, error) {
	plaintext, err := security.CanonicalJSONValue(session.Export())
	if err != nil {
		return nil, err
	}
	payload, err := e.box.Encrypt(publicKey, plaintext)
	if err != nil {
		return nil, err
	}
	return &KeyBackupData{
		FirstMessageIndex: int(session.FirstKnownIndex),
		ForwardedCount:    len(session.ForwardingChain),
		IsVerified:        session.SenderVerified,
		SessionData:       *payload,
	}, nil
}

// GetKeysBackupTrust evaluates a version's trust against the local user's
// device list.
func (e *Engine) GetKeysBackupTrust(version *BackupVersion) (*BackupVersionTrust, error) {
	return EvaluateTrust(version, e.devices)
}

// GetBackupVersion fetches one version by id; nil when the server has no
// such version.
func (e *Engine) GetBackupVersion(ctx context.Context, versionID string) (*BackupVersion, error) {
	version, err := e.client.GetVersion(ctx, versionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return version, err
}

// GetCurrentVersion fetches the latest version from the homeserver; nil when
// no backup exists.
func (e *Engine) GetCurrentVersion(ctx context.Context) (*BackupVersion, error) {
	return e.client.GetLatestVersion(ctx)
}

// DeleteKeysBackupVersion removes a version from the homeserver. Deleting
// the active version disables the local backup first.
func (e *Engine) DeleteKeysBackupVersion(ctx context.Context, versionID string) error {
	if e.CurrentVersionID() == versionID {
		e.disableBackup()
	}
	err := e.client.DeleteVersion(ctx, versionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// TotalKeyCount returns how many sessions the store holds.
func (e *Engine) TotalKeyCount() (int, error) {
	return e.store.CountSessions(false)
}

// BackedUpKeyCount returns how many sessions carry a backup marker.
func (e *Engine) BackedUpKeyCount() (int, error) {
	return e.store.CountSessions(true)
}

// IsValidRecoveryKeyForVersion reports whether a recovery key's derived
// public key matches a version's auth data.
func (e *Engine) IsValidRecoveryKeyForVersion(recoveryKey string, version *BackupVersion) (bool, error) {
	privateKey, err := security.DecodeRecoveryKey(recoveryKey)
	if err != nil {
		return false, ErrInvalidRecoveryKey
	}
	authData, err := version.ParseAuthData()
	if err != nil {
		return false, err
	}
	want, err := authData.PublicKeyBytes()
	if err != nil {
		return false, err
	}
	return e.box.PublicFromPrivate(privateKey) == want, nil
}

// TrustKeysBackupVersion adds the local device's signature to an existing
// version's auth data and republishes it, so a backup created elsewhere can
// be trusted from this device. On success the engine re-checks the backup.
func (e *Engine) TrustKeysBackupVersion(ctx context.Context, version *BackupVersion) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(version.AuthData, &fields); err != nil {
		return fmt.Errorf("invalid auth data: %w", err)
	}

	message, err := signableAuthData(version.AuthData)
	if err != nil {
		return err
	}
	signature := e.signer.Sign(message)

	authData, err := version.ParseAuthData()
	if err != nil {
		return err
	}
	if authData.Signatures == nil {
		authData.Signatures = make(map[string]map[string]string)
	}
	if authData.Signatures[e.signer.UserID] == nil {
		authData.Signatures[e.signer.UserID] = make(map[string]string)
	}
	authData.Signatures[e.signer.UserID][ed25519KeyPrefix+e.signer.DeviceID] = signature

	signaturesRaw, err := json.Marshal(authData.Signatures)
	if err != nil {
		return err
	}
	fields["signatures"] = signaturesRaw
	updatedAuthData, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	body := &BackupVersion{
		Algorithm: version.Algorithm,
		AuthData:  updatedAuthData,
		Version:   version.Version,
	}
	if err := e.client.UpdateVersion(ctx, version.Version, body); err != nil {
		return fmt.Errorf("failed to update backup version: %w", err)
	}

	e.mu.Lock()
	if e.state == StateNotTrusted {
		e.setStateLocked(StateUnknown)
		e.dispatchLocked()
	}
	e.mu.Unlock()
	e.CheckAndStartKeysBackup(ctx)
	return nil
}

// TrustKeysBackupVersionWithRecoveryKey proves possession of the backup
// private key before signing the version.
func (e *Engine) TrustKeysBackupVersionWithRecoveryKey(ctx context.Context, version *BackupVersion, recoveryKey string) error {
	ok, err := e.IsValidRecoveryKeyForVersion(recoveryKey, version)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidRecoveryKeyOrPassword
	}
	return e.TrustKeysBackupVersion(ctx, version)
}
