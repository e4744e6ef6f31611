package store

import (
	"sort"
	"sync"

	"github.com/bel-os/keysafe/internal/megolm"
)

type sessionKey struct {
	sessionID string
	senderKey string
}

// MemoryStore is an in-memory Store used by tests and embedded clients that
// keep sessions elsewhere.
type MemoryStore struct {
	mu            sync.Mutex
	sessions      map[sessionKey]*megolm.GroupSession
	backedUp      map[sessionKey]bool
	activeVersion string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[sessionKey]*megolm.GroupSession),
		backedUp: make(map[sessionKey]bool),
	}
}

func (s *MemoryStore) AddSession(session *megolm.GroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{session.SessionID, session.SenderKey}
	if existing, ok := s.sessions[key]; ok && existing.SessionKey != session.SessionKey {
		delete(s.backedUp, key)
	}
	s.sessions[key] = cloneSession(session)
	return nil
}

func (s *MemoryStore) GetSession(sessionID, senderKey string) (*megolm.GroupSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionKey{sessionID, senderKey}]
	if !ok {
		return nil, nil
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) AllSessions() ([]*megolm.GroupSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*megolm.GroupSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, cloneSession(session))
	}
	return out, nil
}

func (s *MemoryStore) SessionsToBackup(limit int) ([]*megolm.GroupSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]sessionKey, 0, len(s.sessions))
	for key := range s.sessions {
		if !s.backedUp[key] {
			keys = append(keys, key)
		}
	}
	// Deterministic order for repeatable chunking; callers must not rely on
	// anything beyond determinism.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sessionID != keys[j].sessionID {
			return keys[i].sessionID < keys[j].sessionID
		}
		return keys[i].senderKey < keys[j].senderKey
	})

	if limit >= 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]*megolm.GroupSession, 0, len(keys))
	for _, key := range keys {
		out = append(out, cloneSession(s.sessions[key]))
	}
	return out, nil
}

func (s *MemoryStore) CountSessions(onlyBackedUp bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !onlyBackedUp {
		return len(s.sessions), nil
	}
	n := 0
	for key := range s.sessions {
		if s.backedUp[key] {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkBackedUp(sessionID, senderKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backedUp[sessionKey{sessionID, senderKey}] = true
	return nil
}

func (s *MemoryStore) ResetBackupMarkers() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backedUp = make(map[sessionKey]bool)
	return nil
}

func (s *MemoryStore) ImportSessions(sessions []*megolm.GroupSession, backedUp bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range sessions {
		key := sessionKey{session.SessionID, session.SenderKey}
		s.sessions[key] = cloneSession(session)
		if backedUp {
			s.backedUp[key] = true
		} else {
			delete(s.backedUp, key)
		}
	}
	return len(sessions), nil
}

func (s *MemoryStore) ActiveVersionID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeVersion, nil
}

func (s *MemoryStore) SetActiveVersionID(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeVersion = version
	return nil
}

func cloneSession(session *megolm.GroupSession) *megolm.GroupSession {
	copied := *session
	if session.SenderClaimedKeys != nil {
		copied.SenderClaimedKeys = make(map[string]string, len(session.SenderClaimedKeys))
		for k, v := range session.SenderClaimedKeys {
			copied.SenderClaimedKeys[k] = v
		}
	}
	if session.ForwardingChain != nil {
		copied.ForwardingChain = append([]string(nil), session.ForwardingChain...)
	}
	return &copied
}
