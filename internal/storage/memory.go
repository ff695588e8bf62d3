package storage

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dgellow/gatekeep/internal/log"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps sessions in a go-cache TTL map with a per-user index.
// Expired entries are dropped by CleanupExpiredSessions.
type MemoryStore struct {
	cache *gocache.Cache
	now   func() time.Time

	mu     sync.Mutex
	byUser map[string]map[string]struct{}
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for expiry checks on read
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		// The janitor is off; Sweeper drives expiry.
		cache:  gocache.New(gocache.NoExpiration, 0),
		now:    time.Now,
		byUser: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache.OnEvicted(s.unindex)
	return s
}

func (s *MemoryStore) unindex(sessionID string, v any) {
	sess, ok := v.(*Session)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byUser[sess.UserID]
	delete(ids, sessionID)
	if len(ids) == 0 {
		delete(s.byUser, sess.UserID)
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	now := s.now()
	if err := session.validate(now); err != nil {
		return err
	}

	stored := *session
	if err := s.cache.Add(session.ID, &stored, session.ExpiresAt.Sub(now)); err != nil {
		return ErrSessionExists
	}

	s.mu.Lock()
	ids, ok := s.byUser[session.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[session.UserID] = ids
	}
	ids[session.ID] = struct{}{}
	s.mu.Unlock()

	log.LogTraceWithFields("storage", "Session created", map[string]any{
		"session_id": session.ID,
		"backend":    "memory",
	})
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	v, ok := s.cache.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess := *v.(*Session)
	if sess.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.cache.Delete(sessionID)
	return nil
}

func (s *MemoryStore) DeleteUserSessions(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	// Deleting fires OnEvicted, which takes s.mu, so it must run unlocked.
	for _, id := range ids {
		s.cache.Delete(id)
	}
	return len(ids), nil
}

func (s *MemoryStore) CleanupExpiredSessions(_ context.Context) (int, error) {
	before := s.cache.ItemCount()
	s.cache.DeleteExpired()
	return before - s.cache.ItemCount(), nil
}

func (s *MemoryStore) Close() error {
	s.cache.Flush()
	s.mu.Lock()
	s.byUser = make(map[string]map[string]struct{})
	s.mu.Unlock()
	return nil
}
