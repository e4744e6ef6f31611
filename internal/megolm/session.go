package megolm

// AlgorithmMegolmV1 identifies the group-encryption algorithm whose inbound
// sessions this package models.
const AlgorithmMegolmV1 = "m.megolm.v1.aes-sha2"

// GroupSession is an inbound group session held in the local store. The
// session key material is kept in its exported (shareable) form: the ratchet
// state at FirstKnownIndex plus the public signing key.
type GroupSession struct {
	RoomID    string
	SessionID string
	// SenderKey is the curve25519 identity key of the device that created
	// the session.
	SenderKey string
	// SessionKey is the exported session key material, opaque to everything
	// but the megolm decryption pipeline.
	SessionKey string
	// SenderClaimedKeys maps a key-type tag (e.g. "ed25519") to the key the
	// sender claimed when sharing the session.
	SenderClaimedKeys map[string]string
	// ForwardingChain lists the curve25519 keys of devices the session was
	// re-shared through, oldest first. Empty for directly received sessions.
	ForwardingChain []string
	// FirstKnownIndex is the lowest ratchet index this device can decrypt.
	FirstKnownIndex uint32
	// SenderVerified records whether the originating device was locally
	// verified at the time the session was received.
	SenderVerified bool
}

// ExportedSessionKey is the plaintext form a session takes inside an
// encrypted backup record or an export file.
type ExportedSessionKey struct {
	Algorithm         string            `json:"algorithm"`
	SenderKey         string            `json:"sender_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys"`
	ForwardingChain   []string          `json:"forwarding_curve25519_key_chain"`
	SessionKey        string            `json:"session_key"`
	// RoomID and SessionID ride along in export files; inside backup
	// records they are carried by the enclosing structure instead and
	// omitted here.
	RoomID    string `json:"room_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Export returns the shareable form of the session. The forwarding chain is
// always non-nil so it serializes as an empty array rather than null.
func (s *GroupSession) Export() *ExportedSessionKey {
	chain := s.ForwardingChain
	if chain == nil {
		chain = []string{}
	}
	claimed := s.SenderClaimedKeys
	if claimed == nil {
		claimed = map[string]string{}
	}
	return &ExportedSessionKey{
		Algorithm:         AlgorithmMegolmV1,
		SenderKey:         s.SenderKey,
		SenderClaimedKeys: claimed,
		ForwardingChain:   chain,
		SessionKey:        s.SessionKey,
	}
}

// FromExported builds a store-ready session from a decrypted backup record.
// The caller supplies the authoritative room and session ids from the outer
// structure; values inside the exported key are ignored.
func FromExported(roomID, sessionID string, key *ExportedSessionKey) *GroupSession {
	return &GroupSession{
		RoomID:            roomID,
		SessionID:         sessionID,
		SenderKey:         key.SenderKey,
		SessionKey:        key.SessionKey,
		SenderClaimedKeys: key.SenderClaimedKeys,
		ForwardingChain:   key.ForwardingChain,
	}
}
