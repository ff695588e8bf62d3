package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dgellow/gatekeep/internal/log"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultRedisKeyPrefix namespaces every key the store writes
const DefaultRedisKeyPrefix = "gatekeep:"

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

var _ Store = (*RedisStore)(nil)

// RedisStore keeps each session under its own key with a native TTL and a
// set per user listing that user's session ids. Sets are pruned by
// CleanupExpiredSessions since Redis expires the session keys itself.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (s *RedisStore) sessionKey(id string) string {
	return s.keyPrefix + "session:" + id
}

func (s *RedisStore) userKey(userID string) string {
	return s.keyPrefix + "user:" + userID
}

func (s *RedisStore) CreateSession(ctx context.Context, session *Session) error {
	now := s.now()
	if err := session.validate(now); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.sessionKey(session.ID), data, session.ExpiresAt.Sub(now)).Result()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	if err := s.client.SAdd(ctx, s.userKey(session.UserID), session.ID).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}

	log.LogTraceWithFields("storage", "Session created", map[string]any{
		"session_id": session.ID,
		"backend":    "redis",
	})
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if sess.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(sessionID))
		pipe.SRem(ctx, s.userKey(sess.UserID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list user sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.Del(ctx, s.userKey(userID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return int(deleted.Val()), nil
}

// CleanupExpiredSessions removes index entries whose session key has expired
// and returns how many were removed.
func (s *RedisStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"user:*", 100).Iterator()
	for iter.Next(ctx) {
		userKey := iter.Val()
		ids, err := s.client.SMembers(ctx, userKey).Result()
		if err != nil {
			return count, fmt.Errorf("failed to list %s: %w", userKey, err)
		}
		for _, id := range ids {
			exists, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
			if err != nil {
				return count, fmt.Errorf("failed to check session: %w", err)
			}
			if exists == 0 {
				if err := s.client.SRem(ctx, userKey, id).Err(); err != nil {
					return count, fmt.Errorf("failed to prune index: %w", err)
				}
				count++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("failed to scan user indexes: %w", err)
	}
	return count, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
