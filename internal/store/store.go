// Package store persists inbound group sessions and their backup markers.
package store

import "github.com/bel-os/keysafe/internal/megolm"

// Store is the local persistence contract the backup engine consumes. All
// implementations are safe for concurrent use; SessionsToBackup,
// MarkBackedUp and ResetBackupMarkers serialize against each other.
//
// A session counts as backed up iff its (session id, sender key) pair has a
// marker set. Markers are only meaningful relative to the active version id:
// creating or adopting a version resets them all.
type Store interface {
	// AddSession inserts or replaces an inbound group session. A replaced
	// session keeps its backup marker only if the stored key material is
	// unchanged.
	AddSession(session *megolm.GroupSession) error

	// GetSession returns the session with the given id and sender key, or
	// nil if absent.
	GetSession(sessionID, senderKey string) (*megolm.GroupSession, error)

	// AllSessions returns every stored session, in unspecified order.
	AllSessions() ([]*megolm.GroupSession, error)

	// SessionsToBackup returns up to limit sessions without a backup
	// marker, in a deterministic but otherwise unspecified order. A limit
	// below zero means no limit.
	SessionsToBackup(limit int) ([]*megolm.GroupSession, error)

	// CountSessions counts all sessions, or only backed-up ones.
	CountSessions(onlyBackedUp bool) (int, error)

	// MarkBackedUp sets the backup marker for one session.
	MarkBackedUp(sessionID, senderKey string) error

	// ResetBackupMarkers clears every backup marker.
	ResetBackupMarkers() error

	// ImportSessions stores restored sessions, overwriting existing entries
	// for the same (session id, sender key). When backedUp is false the
	// imported sessions are left unmarked so the engine re-uploads them to
	// the active version.
	ImportSessions(sessions []*megolm.GroupSession, backedUp bool) (int, error)

	// ActiveVersionID returns the persisted active backup version id, empty
	// when no backup is active.
	ActiveVersionID() (string, error)

	// SetActiveVersionID persists the active backup version id. An empty
	// string clears it.
	SetActiveVersionID(version string) error
}
