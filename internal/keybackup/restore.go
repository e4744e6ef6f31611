package keybackup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/bel-os/keysafe/internal/megolm"
	"github.com/bel-os/keysafe/internal/metrics"
	"github.com/bel-os/keysafe/internal/security"
)

// RestoreKeysWithRecoveryKey fetches the backup records of a version,
// decrypts them with the recovery key and imports the decoded sessions into
// the local store. roomID and sessionID optionally scope the fetch; empty
// strings mean everything.
//
// When the server returned records but none decrypted, the recovery key is
// wrong and ErrInvalidRecoveryKeyOrPassword is returned. Sessions restored
// from a version other than the active one are queued for re-backup; a
// restore from the active version leaves markers set, since those records
// are already on the server.
func (e *Engine) RestoreKeysWithRecoveryKey(ctx context.Context, versionID, recoveryKey, roomID, sessionID string) (*ImportResult, error) {
	privateKey, err := security.DecodeRecoveryKey(recoveryKey)
	if err != nil {
		return nil, ErrInvalidRecoveryKey
	}
	return e.restoreKeys(ctx, versionID, privateKey, roomID, sessionID)
}

// RestoreKeyBackupWithPassword reconstructs the private key from the
// passphrase using the KDF parameters persisted in the version's auth data,
// then restores like RestoreKeysWithRecoveryKey. Fails with
// ErrNoPasswordSupport when the version was not created from a passphrase.
func (e *Engine) RestoreKeyBackupWithPassword(ctx context.Context, versionID, password, roomID, sessionID string) (*ImportResult, error) {
	version, err := e.client.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	authData, err := version.ParseAuthData()
	if err != nil {
		return nil, err
	}
	if authData.PrivateKeySalt == "" || authData.PrivateKeyIterations == 0 {
		return nil, ErrNoPasswordSupport
	}
	salt, err := decodeBase64(authData.PrivateKeySalt)
	if err != nil {
		return nil, fmt.Errorf("invalid private key salt: %w", err)
	}

	privateKey := security.DeriveKeyFromPassphrase(password, salt, authData.PrivateKeyIterations)
	return e.restoreKeys(ctx, versionID, privateKey, roomID, sessionID)
}

func (e *Engine) restoreKeys(ctx context.Context, versionID string, privateKey [32]byte, roomID, sessionID string) (*ImportResult, error) {
	e.log.Info().
		Str("version", versionID).
		Str("room_id", roomID).
		Str("session_id", sessionID).
		Msg("restoring keys from backup")

	keys, err := e.client.GetKeys(ctx, versionID, roomID, sessionID)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	sessions := make([]*megolm.GroupSession, 0, keys.SessionCount())
	for room, roomData := range keys.Rooms {
		for session, record := range roomData.Sessions {
			result.TotalFound++
			decoded, err := e.decryptKeyBackupData(privateKey, room, session, &record)
			if err != nil {
				metrics.SessionsRestoredTotal.WithLabelValues("failed").Inc()
				e.log.Warn().Err(err).
					Str("room_id", room).
					Str("session_id", session).
					Msg("failed to decrypt backup record")
				continue
			}
			sessions = append(sessions, decoded)
		}
	}

	if result.TotalFound > 0 && len(sessions) == 0 {
		return nil, ErrInvalidRecoveryKeyOrPassword
	}

	// A restore from the active version does not re-upload what the server
	// already holds; from any other version the imported sessions need to
	// reach the active backup too.
	restoringActive := versionID == e.CurrentVersionID() && versionID != ""

	imported, err := e.store.ImportSessions(sessions, restoringActive)
	if err != nil {
		return nil, fmt.Errorf("failed to import sessions: %w", err)
	}
	result.TotalImported = imported
	metrics.SessionsRestoredTotal.WithLabelValues("imported").Add(float64(imported))

	e.log.Info().
		Int("found", result.TotalFound).
		Int("imported", result.TotalImported).
		Msg("backup restore finished")

	if !restoringActive {
		e.MaybeBackupKeys()
	}
	return result, nil
}

// decryptKeyBackupData opens one record and decodes the contained session.
// The outer room and session ids are authoritative and override anything the
// plaintext claims.
func (e *Engine) decryptKeyBackupData(privateKey [32]byte, roomID, sessionID string, record *KeyBackupData) (*megolm.GroupSession, error) {
	plaintext, err := e.box.Decrypt(privateKey, &record.SessionData)
	if err != nil {
		return nil, err
	}

	var exported megolm.ExportedSessionKey
	if err := json.Unmarshal(plaintext, &exported); err != nil {
		return nil, fmt.Errorf("invalid session plaintext: %w", err)
	}
	if exported.Algorithm != "" && exported.Algorithm != megolm.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, exported.Algorithm)
	}
	if exported.SessionKey == "" {
		return nil, fmt.Errorf("session plaintext has no key material")
	}

	return megolm.FromExported(roomID, sessionID, &exported), nil
}

func decodeBase64(s string) ([]byte, error) {
	if decoded, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
