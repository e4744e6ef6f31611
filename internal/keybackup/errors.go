package keybackup

import (
	"errors"

	"github.com/bel-os/keysafe/internal/security"
)

var (
	// ErrInvalidRecoveryKey is returned when a recovery key string fails to
	// decode (bad alphabet, prefix, length or checksum).
	ErrInvalidRecoveryKey = security.ErrInvalidRecoveryKey

	// ErrInvalidRecoveryKeyOrPassword is returned when a recovery key or
	// passphrase decodes fine but fails to decrypt every record fetched
	// from the server.
	ErrInvalidRecoveryKeyOrPassword = errors.New("recovery key or password does not match this backup")

	// ErrNoPasswordSupport is returned when a password restore is attempted
	// against a version whose auth data has no KDF parameters.
	ErrNoPasswordSupport = errors.New("backup version was not created from a password")

	// ErrWrongBackupVersion is the engine-level form of the server's
	// M_WRONG_ROOM_KEYS_VERSION: the active version has been superseded.
	ErrWrongBackupVersion = errors.New("backup version has been superseded")

	// ErrNotFound is the engine-level form of the server's M_NOT_FOUND.
	ErrNotFound = errors.New("not found on homeserver")

	// ErrBackupDisabled is returned by operations that need an enabled
	// backup when there is none.
	ErrBackupDisabled = errors.New("key backup is not enabled")

	// ErrUnsupportedAlgorithm is returned when a server-side version uses a
	// backup algorithm this engine does not implement.
	ErrUnsupportedAlgorithm = errors.New("unsupported backup algorithm")
)
