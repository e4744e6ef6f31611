package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/bel-os/keysafe/internal/megolm"
)

// PostgresStore persists sessions and backup markers in PostgreSQL, used by
// bridge deployments that already run one.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS group_sessions (
	session_id          TEXT NOT NULL,
	sender_key          TEXT NOT NULL,
	room_id             TEXT NOT NULL,
	session_key         TEXT NOT NULL,
	sender_claimed_keys TEXT NOT NULL,
	forwarding_chain    TEXT NOT NULL,
	first_known_index   BIGINT NOT NULL DEFAULT 0,
	sender_verified     BOOLEAN NOT NULL DEFAULT FALSE,
	backed_up           BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (session_id, sender_key)
);

CREATE INDEX IF NOT EXISTS idx_group_sessions_backed_up ON group_sessions (backed_up);

CREATE TABLE IF NOT EXISTS backup_meta (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	active_version TEXT NOT NULL DEFAULT ''
);

INSERT INTO backup_meta (id, active_version) VALUES (1, '') ON CONFLICT (id) DO NOTHING;
`

// NewPostgresStore connects to Postgres with connStr and initializes the
// schema.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the database connection.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) AddSession(session *megolm.GroupSession) error {
	claimed, chain, err := marshalSessionFields(session)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO group_sessions (session_id, sender_key, room_id, session_key, sender_claimed_keys, forwarding_chain, first_known_index, sender_verified, backed_up)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (session_id, sender_key) DO UPDATE SET
			room_id = excluded.room_id,
			sender_claimed_keys = excluded.sender_claimed_keys,
			forwarding_chain = excluded.forwarding_chain,
			first_known_index = excluded.first_known_index,
			sender_verified = excluded.sender_verified,
			backed_up = CASE WHEN group_sessions.session_key = excluded.session_key THEN group_sessions.backed_up ELSE FALSE END,
			session_key = excluded.session_key`

	_, err = p.db.Exec(query,
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

func (p *PostgresStore) GetSession(sessionID, senderKey string) (*megolm.GroupSession, error) {
	query := `
		SELECT session_id, sender_key, room_id, session_key, sender_claimed_keys, forwarding_chain, first_known_index, sender_verified
		FROM group_sessions WHERE session_id = $1 AND sender_key = $2`
	session, err := scanSession(p.db.QueryRow(query, sessionID, senderKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

func (p *PostgresStore) AllSessions() ([]*megolm.GroupSession, error) {
	return p.querySessions(`
		SELECT session_id, sender_key, room_id, session_key, sender_claimed_keys, forwarding_chain, first_known_index, sender_verified
		FROM group_sessions`)
}

func (p *PostgresStore) SessionsToBackup(limit int) ([]*megolm.GroupSession, error) {
	query := `
		SELECT session_id, sender_key, room_id, session_key, sender_claimed_keys, forwarding_chain, first_known_index, sender_verified
		FROM group_sessions WHERE backed_up = FALSE ORDER BY session_id, sender_key`
	if limit >= 0 {
		return p.querySessions(query+" LIMIT $1", limit)
	}
	return p.querySessions(query)
}

func (p *PostgresStore) querySessions(query string, args ...interface{}) ([]*megolm.GroupSession, error) {
	rows, err := p.db.Query(query, args...)
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

func (p *PostgresStore) CountSessions(onlyBackedUp bool) (int, error) {
	query := `SELECT COUNT(*) FROM group_sessions`
	if onlyBackedUp {
		query += ` WHERE backed_up = TRUE`
	}
	var n int
	err := p.db.QueryRow(query).Scan(&n)
	return n, err
}

func (p *PostgresStore) MarkBackedUp(sessionID, senderKey string) error {
	_, err := p.db.Exec(
		`UPDATE group_sessions SET backed_up = TRUE WHERE session_id = $1 AND sender_key = $2`,
		sessionID, senderKey,
	)
	return err
}

func (p *PostgresStore) ResetBackupMarkers() error {
	_, err := p.db.Exec(`UPDATE group_sessions SET backed_up = FALSE`)
	return err
}

func (p *PostgresStore) ImportSessions(sessions []*megolm.GroupSession, backedUp bool) (int, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO group_sessions (session_id, sender_key, room_id, session_key, sender_claimed_keys, forwarding_chain, first_known_index, sender_verified, backed_up)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
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

func (p *PostgresStore) ActiveVersionID() (string, error) {
	var version string
	err := p.db.QueryRow(`SELECT active_version FROM backup_meta WHERE id = 1`).Scan(&version)
	return version, err
}

func (p *PostgresStore) SetActiveVersionID(version string) error {
	_, err := p.db.Exec(`UPDATE backup_meta SET active_version = $1 WHERE id = 1`, version)
	return err
}
