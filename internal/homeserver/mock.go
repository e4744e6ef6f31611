package homeserver

import (
	"context"
	"strconv"
	"sync"

	"github.com/bel-os/keysafe/internal/keybackup"
)

// Mock is an in-memory homeserver implementing keybackup.HomeserverClient.
// It enforces the same version semantics a real server does: uploads against
// anything but the current version fail with M_WRONG_ROOM_KEYS_VERSION.
type Mock struct {
	mu          sync.Mutex
	nextVersion int
	versions    map[string]*keybackup.BackupVersion
	keys        map[string]map[string]map[string]keybackup.KeyBackupData // version → room → session
	current     string
	failUploads error
}

// NewMock creates an empty mock homeserver.
func NewMock() *Mock {
	return &Mock{
		nextVersion: 1,
		versions:    make(map[string]*keybackup.BackupVersion),
		keys:        make(map[string]map[string]map[string]keybackup.KeyBackupData),
	}
}

func notFound() *APIError {
	return &APIError{StatusCode: 404, Code: ErrCodeNotFound, Message: "not found"}
}

func (m *Mock) CreateVersion(_ context.Context, version *keybackup.BackupVersion) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := strconv.Itoa(m.nextVersion)
	m.nextVersion++
	stored := *version
	stored.Version = id
	m.versions[id] = &stored
	m.keys[id] = make(map[string]map[string]keybackup.KeyBackupData)
	m.current = id
	return id, nil
}

func (m *Mock) GetVersion(_ context.Context, version string) (*keybackup.BackupVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.versions[version]
	if !ok {
		return nil, notFound()
	}
	copied := *stored
	copied.Count = m.countLocked(version)
	return &copied, nil
}

func (m *Mock) GetLatestVersion(_ context.Context) (*keybackup.BackupVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		return nil, nil
	}
	stored := m.versions[m.current]
	copied := *stored
	copied.Count = m.countLocked(m.current)
	return &copied, nil
}

func (m *Mock) UpdateVersion(_ context.Context, version string, body *keybackup.BackupVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.versions[version]
	if !ok {
		return notFound()
	}
	stored.AuthData = body.AuthData
	return nil
}

func (m *Mock) DeleteVersion(_ context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[version]; !ok {
		return notFound()
	}
	delete(m.versions, version)
	delete(m.keys, version)
	if m.current == version {
		m.current = ""
	}
	return nil
}

func (m *Mock) UploadKeys(_ context.Context, version string, keys *keybackup.KeysBackupData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUploads != nil {
		return m.failUploads
	}
	if version != m.current {
		return &APIError{StatusCode: 403, Code: ErrCodeWrongRoomKeysVersion, Message: "wrong room_keys version"}
	}
	store, ok := m.keys[version]
	if !ok {
		return notFound()
	}
	for roomID, room := range keys.Rooms {
		if store[roomID] == nil {
			store[roomID] = make(map[string]keybackup.KeyBackupData)
		}
		for sessionID, record := range room.Sessions {
			store[roomID][sessionID] = record
		}
	}
	return nil
}

func (m *Mock) GetKeys(_ context.Context, version, roomID, sessionID string) (*keybackup.KeysBackupData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.keys[version]
	if !ok {
		return nil, notFound()
	}

	out := &keybackup.KeysBackupData{Rooms: make(map[string]keybackup.RoomKeysBackupData)}
	for room, sessions := range store {
		if roomID != "" && room != roomID {
			continue
		}
		outSessions := make(map[string]keybackup.KeyBackupData)
		for session, record := range sessions {
			if sessionID != "" && session != sessionID {
				continue
			}
			outSessions[session] = record
		}
		if len(outSessions) > 0 {
			out.Rooms[room] = keybackup.RoomKeysBackupData{Sessions: outSessions}
		}
	}
	return out, nil
}

// SetFailUploads makes UploadKeys fail with err until cleared with nil,
// simulating a flaky network.
func (m *Mock) SetFailUploads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUploads = err
}

// SupersedeVersion creates a new current version directly on the server,
// simulating another device replacing the backup.
func (m *Mock) SupersedeVersion(version *keybackup.BackupVersion) string {
	id, _ := m.CreateVersion(context.Background(), version)
	return id
}

// StoredKeyCount returns how many records a version holds.
func (m *Mock) StoredKeyCount(version string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(version)
}

func (m *Mock) countLocked(version string) int {
	n := 0
	for _, sessions := range m.keys[version] {
		n += len(sessions)
	}
	return n
}
