package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bel-os/keysafe/internal/megolm"
)

// SQLiteStore persists sessions and backup markers in a local SQLite file,
// the default for single-device clients and the keysafed daemon.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS group_sessions (
	session_id          TEXT NOT NULL,
	sender_key          TEXT NOT NULL,
	room_id             TEXT NOT NULL,
	session_key         TEXT NOT NULL,
	sender_claimed_keys TEXT NOT NULL,
	forwarding_chain    TEXT NOT NULL,
	first_known_index   INTEGER NOT NULL DEFAULT 0,
	sender_verified     INTEGER NOT NULL DEFAULT 0,
	backed_up           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, sender_key)
);

CREATE INDEX IF NOT EXISTS idx_group_sessions_backed_up ON group_sessions (backed_up);

CREATE TABLE IF NOT EXISTS backup_meta (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	active_version TEXT NOT NULL DEFAULT ''
);

INSERT OR IGNORE INTO backup_meta (id, active_version) VALUES (1, '');
`

// NewSQLiteStore opens (and if needed initializes) the store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under the engine's concurrent marker updates.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AddSession(session *megolm.GroupSession) error {
	claimed, chain, err := marshalSessionFields(session)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO group_sessions (session_id, sender_key, room_id, session_key, sender_claimed_keys, forwarding_chain, first_known_index, sender_verified, backed_up)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (session_id, sender_key) DO UPDATE SET
			room_id = excluded.room_id,
			sender_claimed_keys = excluded.sender_claimed_keys,
			forwarding_chain = excluded.forwarding_chain,
			first_known_index = excluded.first_known_index,
			sender_verified = excluded.sender_verified,
			backed_up = CASE WHEN group_sessions.session_key = excluded.session_key THEN group_sessions.backed_up ELSE 0 END,
			session_key = excluded.session_key`

	_, err = s.db.Exec(query,
		session.SessionID,
		session.SenderKey,
		session.RoomID,
		session.SessionKey,
		claimed,
		chain,
		session.FirstKnownIndex,
		session.SenderVerified,
	)
	return err
}

func (s *SQLiteStore) GetSession(sessionID, senderKey string) (*megolm.GroupSession, error) {
	query := `
		SELECT session_id, sender_key, room_id, session_key, sender_claimed_keys, forwarding_chain, first_known_index, sender_verified
		FROM group_sessions WHERE session_id = ? AND sender_key = ?`
	session, err := scanSession(s.db.QueryRow(query, sessionID, senderKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

func (s *SQLiteStore) AllSessions() ([]*megolm.GroupSession, error) {
	query := `
		SELECT session_id, sender_key, room_id, session_key, sender_claimed_keys, forwarding_chain, first_known_index, sender_verified
		FROM group_sessions`
	return s.querySessions(query)
}

func (s *SQLiteStore) SessionsToBackup(limit int) ([]*megolm.GroupSession, error) {
	query := `
		SELECT session_id, sender_key, room_id, session_key, sender_claimed_keys, forwarding_chain, first_known_index, sender_verified
		FROM group_sessions WHERE backed_up = 0 ORDER BY session_id, sender_key`
	if limit >= 0 {
		return s.querySessions(query+" LIMIT ?", limit)
	}
	return s.querySessions(query)
}

func (s *SQLiteStore) querySessions(query string, args ...interface{}) ([]*megolm.GroupSession, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*megolm.GroupSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) CountSessions(onlyBackedUp bool) (int, error) {
	query := `SELECT COUNT(*) FROM group_sessions`
	if onlyBackedUp {
		query += ` WHERE backed_up = 1`
	}
	var n int
	err := s.db.QueryRow(query).Scan(&n)
	return n, err
}

func (s *SQLiteStore) MarkBackedUp(sessionID, senderKey string) error {
	_, err := s.db.Exec(
		`UPDATE group_sessions SET backed_up = 1 WHERE session_id = ? AND sender_key = ?`,
		sessionID, senderKey,
	)
	return err
}

func (s *SQLiteStore) ResetBackupMarkers() error {
	_, err := s.db.Exec(`UPDATE group_sessions SET backed_up = 0`)
	return err
}

func (s *SQLiteStore) ImportSessions(sessions []*megolm.GroupSession, backedUp bool) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO group_sessions (session_id, sender_key, room_id, session_key, sender_claimed_keys, forwarding_chain, first_known_index, sender_verified, backed_up)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, sender_key) DO UPDATE SET
			room_id = excluded.room_id,
			session_key = excluded.session_key,
			sender_claimed_keys = excluded.sender_claimed_keys,
			forwarding_chain = excluded.forwarding_chain,
			first_known_index = excluded.first_known_index,
			sender_verified = excluded.sender_verified,
			backed_up = excluded.backed_up`

	imported := 0
	for _, session := range sessions {
		claimed, chain, err := marshalSessionFields(session)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(query,
			session.SessionID,
			session.SenderKey,
			session.RoomID,
			session.SessionKey,
			claimed,
			chain,
			session.FirstKnownIndex,
			session.SenderVerified,
			backedUp,
		); err != nil {
			return 0, err
		}
		imported++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return imported, nil
}

func (s *SQLiteStore) ActiveVersionID() (string, error) {
	var version string
	err := s.db.QueryRow(`SELECT active_version FROM backup_meta WHERE id = 1`).Scan(&version)
	return version, err
}

func (s *SQLiteStore) SetActiveVersionID(version string) error {
	_, err := s.db.Exec(`UPDATE backup_meta SET active_version = ? WHERE id = 1`, version)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*megolm.GroupSession, error) {
	var session megolm.GroupSession
	var claimed, chain string
	err := row.Scan(
		&session.SessionID,
		&session.SenderKey,
		&session.RoomID,
		&session.SessionKey,
		&claimed,
		&chain,
		&session.FirstKnownIndex,
		&session.SenderVerified,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(claimed), &session.SenderClaimedKeys); err != nil {
		return nil, fmt.Errorf("corrupt sender_claimed_keys: %w", err)
	}
	if err := json.Unmarshal([]byte(chain), &session.ForwardingChain); err != nil {
		return nil, fmt.Errorf("corrupt forwarding_chain: %w", err)
	}
	return &session, nil
}

func marshalSessionFields(session *megolm.GroupSession) (claimed, chain string, err error) {
	claimedBytes, err := json.Marshal(session.SenderClaimedKeys)
	if err != nil {
		return "", "", err
	}
	chainSlice := session.ForwardingChain
	if chainSlice == nil {
		chainSlice = []string{}
	}
	chainBytes, err := json.Marshal(chainSlice)
	if err != nil {
		return "", "", err
	}
	return string(claimedBytes), string(chainBytes), nil
}
