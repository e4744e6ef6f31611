package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bel-os/keysafe/internal/megolm"
)

const (
	redisSessionPrefix = "keysafe:session:"
	redisSessionsKey   = "keysafe:sessions"
	redisBackedUpKey   = "keysafe:backed_up"
	redisVersionKey    = "keysafe:active_version"

	redisOpTimeout = 5 * time.Second
)

// RedisStore keeps sessions and backup markers in Redis, for fleet
// deployments where several bridge workers share one backup engine state.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func sessionMember(sessionID, senderKey string) string {
	return sessionID + "|" + senderKey
}

func (r *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func (r *RedisStore) AddSession(session *megolm.GroupSession) error {
	ctx, cancel := r.ctx()
	defer cancel()

	member := sessionMember(session.SessionID, session.SenderKey)

	existing, err := r.loadSession(ctx, member)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(session)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisSessionPrefix+member, encoded, 0)
	pipe.SAdd(ctx, redisSessionsKey, member)
	if existing != nil && existing.SessionKey != session.SessionKey {
		pipe.SRem(ctx, redisBackedUpKey, member)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) loadSession(ctx context.Context, member string) (*megolm.GroupSession, error) {
	encoded, err := r.client.Get(ctx, redisSessionPrefix+member).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session megolm.GroupSession
	if err := json.Unmarshal(encoded, &session); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	return &session, nil
}

func (r *RedisStore) GetSession(sessionID, senderKey string) (*megolm.GroupSession, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.loadSession(ctx, sessionMember(sessionID, senderKey))
}

func (r *RedisStore) AllSessions() ([]*megolm.GroupSession, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	members, err := r.client.SMembers(ctx, redisSessionsKey).Result()
	if err != nil {
		return nil, err
	}
	sessions := make([]*megolm.GroupSession, 0, len(members))
	for _, member := range members {
		session, err := r.loadSession(ctx, member)
		if err != nil {
			return nil, err
		}
		if session != nil {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (r *RedisStore) SessionsToBackup(limit int) ([]*megolm.GroupSession, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	members, err := r.client.SDiff(ctx, redisSessionsKey, redisBackedUpKey).Result()
	if err != nil {
		return nil, err
	}
	if limit >= 0 && len(members) > limit {
		members = members[:limit]
	}
	sessions := make([]*megolm.GroupSession, 0, len(members))
	for _, member := range members {
		session, err := r.loadSession(ctx, member)
		if err != nil {
			return nil, err
		}
		if session != nil {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (r *RedisStore) CountSessions(onlyBackedUp bool) (int, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	key := redisSessionsKey
	if onlyBackedUp {
		key = redisBackedUpKey
	}
	n, err := r.client.SCard(ctx, key).Result()
	return int(n), err
}

func (r *RedisStore) MarkBackedUp(sessionID, senderKey string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.SAdd(ctx, redisBackedUpKey, sessionMember(sessionID, senderKey)).Err()
}

func (r *RedisStore) ResetBackupMarkers() error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Del(ctx, redisBackedUpKey).Err()
}

func (r *RedisStore) ImportSessions(sessions []*megolm.GroupSession, backedUp bool) (int, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	pipe := r.client.TxPipeline()
	for _, session := range sessions {
		encoded, err := json.Marshal(session)
		if err != nil {
			return 0, err
		}
		member := sessionMember(session.SessionID, session.SenderKey)
		pipe.Set(ctx, redisSessionPrefix+member, encoded, 0)
		pipe.SAdd(ctx, redisSessionsKey, member)
		if backedUp {
			pipe.SAdd(ctx, redisBackedUpKey, member)
		} else {
			pipe.SRem(ctx, redisBackedUpKey, member)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(sessions), nil
}

func (r *RedisStore) ActiveVersionID() (string, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	version, err := r.client.Get(ctx, redisVersionKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	return version, err
}

func (r *RedisStore) SetActiveVersionID(version string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	if version == "" {
		return r.client.Del(ctx, redisVersionKey).Err()
	}
	return r.client.Set(ctx, redisVersionKey, version, 0).Err()
}
