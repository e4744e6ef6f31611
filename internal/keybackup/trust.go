package keybackup

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bel-os/keysafe/internal/security"
)

const ed25519KeyPrefix = "ed25519:"

// EvaluateTrust decides whether a backup version is usable: its auth data
// must carry at least one valid signature from a device the local user has
// marked verified. Signatures from other users are ignored; signatures from
// unknown devices are reported as invalid.
func EvaluateTrust(version *BackupVersion, devices DeviceSource) (*BackupVersionTrust, error) {
	trust := &BackupVersionTrust{}

	if version.Algorithm != BackupAlgorithm {
		return trust, nil
	}

	authData, err := version.ParseAuthData()
	if err != nil {
		return nil, err
	}
	if authData.PublicKey == "" {
		return trust, nil
	}

	message, err := signableAuthData(version.AuthData)
	if err != nil {
		return nil, err
	}

	userSignatures := authData.Signatures[devices.UserID()]
	for keyID, signature := range userSignatures {
		if !strings.HasPrefix(keyID, ed25519KeyPrefix) {
			continue
		}
		deviceID := strings.TrimPrefix(keyID, ed25519KeyPrefix)

		device, err := devices.GetDevice(deviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up device %s: %w", deviceID, err)
		}
		if device == nil {
			trust.Signatures = append(trust.Signatures, BackupVersionTrustSignature{
				DeviceID: deviceID,
			})
			continue
		}

		valid := security.VerifyEd25519(device.SigningKey, message, signature)
		trust.Signatures = append(trust.Signatures, BackupVersionTrustSignature{
			DeviceID: deviceID,
			Device:   device,
			Valid:    valid,
		})
		if valid && device.Verified {
			trust.Usable = true
		}
	}

	return trust, nil
}

// signableAuthData strips the signatures and unsigned fields from raw auth
// data and returns its canonical JSON, the byte string signatures cover.
func signableAuthData(raw json.RawMessage) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid auth data: %w", err)
	}
	delete(fields, "signatures")
	delete(fields, "unsigned")
	stripped, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return security.CanonicalJSON(stripped)
}
