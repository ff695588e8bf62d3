// Package storage keeps the server-side records behind opaque session tokens.
// The authentication core never touches it; the application wires a Store
// into the session provider's hooks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/gatekeep/internal/config"
)

// ErrSessionNotFound is returned when a session doesn't exist or has expired
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when creating a session whose id is taken
var ErrSessionExists = errors.New("session already exists")

// Session is a server-side session record
type Session struct {
	ID        string    `json:"id" firestore:"id"`
	UserID    string    `json:"user_id" firestore:"user_id"`
	Provider  string    `json:"provider" firestore:"provider"`
	CreatedAt time.Time `json:"created_at" firestore:"created_at"`
	ExpiresAt time.Time `json:"expires_at" firestore:"expires_at"`
}

// Expired reports whether the session has expired at now
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) validate(now time.Time) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.UserID == "" {
		return fmt.Errorf("session user id is required")
	}
	if s.Expired(now) {
		return fmt.Errorf("session %s is already expired", s.ID)
	}
	return nil
}

// Store persists sessions. Implementations are safe for concurrent use.
type Store interface {
	CreateSession(ctx context.Context, session *Session) error
	// GetSession returns ErrSessionNotFound for unknown and expired sessions
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// DeleteSession is idempotent
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteUserSessions(ctx context.Context, userID string) (int, error)
	CleanupExpiredSessions(ctx context.Context) (int, error)
	Close() error
}

// New creates the store selected by cfg
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Kind {
	case config.StorageMemory, "":
		return NewMemoryStore(), nil
	case config.StorageRedis:
		return NewRedisStore(ctx, RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  string(cfg.RedisPassword),
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
	case config.StorageFirestore:
		return NewFirestoreStore(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.FirestoreCollection)
	default:
		return nil, fmt.Errorf("unknown storage kind: %s", cfg.Kind)
	}
}
