// Package homeserver implements the key backup endpoints of a federated
// messaging homeserver, plus an in-memory double for tests and local
// development.
package homeserver

import (
	"encoding/json"
	"fmt"

	"github.com/bel-os/keysafe/internal/keybackup"
)

// Protocol error codes the engine cares about.
const (
	ErrCodeWrongRoomKeysVersion = "M_WRONG_ROOM_KEYS_VERSION"
	ErrCodeNotFound             = "M_NOT_FOUND"
)

// APIError is a structured protocol error from the homeserver.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("homeserver error %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Unwrap maps protocol codes onto the engine's sentinel errors so that
// errors.Is(err, keybackup.ErrWrongBackupVersion) works across the package
// boundary.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case ErrCodeWrongRoomKeysVersion:
		return keybackup.ErrWrongBackupVersion
	case ErrCodeNotFound:
		return keybackup.ErrNotFound
	default:
		return nil
	}
}

func parseAPIError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		return fmt.Errorf("homeserver returned status %d: %s", statusCode, string(body))
	}
	return apiErr
}
