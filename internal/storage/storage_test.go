package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/gatekeep/internal/config"
)

func newSession(id, user string, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		UserID:    user,
		Provider:  "api",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

type storeFactory func(t *testing.T) Store

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"redis": func(t *testing.T) Store {
			store, _ := newTestRedisStore(t)
			return store
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("create and get", func(t *testing.T) {
				store := factory(t)
				sess := newSession("s1", "alice", time.Hour)
				require.NoError(t, store.CreateSession(ctx, sess))

				got, err := store.GetSession(ctx, "s1")
				require.NoError(t, err)
				assert.Equal(t, "alice", got.UserID)
				assert.Equal(t, "api", got.Provider)
				assert.WithinDuration(t, sess.ExpiresAt, got.ExpiresAt, time.Millisecond)
			})

			t.Run("duplicate id", func(t *testing.T) {
				store := factory(t)
				require.NoError(t, store.CreateSession(ctx, newSession("s1", "alice", time.Hour)))
				err := store.CreateSession(ctx, newSession("s1", "bob", time.Hour))
				assert.ErrorIs(t, err, ErrSessionExists)
			})

			t.Run("invalid sessions rejected", func(t *testing.T) {
				store := factory(t)
				assert.Error(t, store.CreateSession(ctx, newSession("", "alice", time.Hour)))
				assert.Error(t, store.CreateSession(ctx, newSession("s1", "", time.Hour)))
				assert.Error(t, store.CreateSession(ctx, newSession("s1", "alice", -time.Minute)))
			})

			t.Run("unknown session", func(t *testing.T) {
				store := factory(t)
				_, err := store.GetSession(ctx, "missing")
				assert.ErrorIs(t, err, ErrSessionNotFound)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				store := factory(t)
				require.NoError(t, store.CreateSession(ctx, newSession("s1", "alice", time.Hour)))
				require.NoError(t, store.DeleteSession(ctx, "s1"))
				require.NoError(t, store.DeleteSession(ctx, "s1"))

				_, err := store.GetSession(ctx, "s1")
				assert.ErrorIs(t, err, ErrSessionNotFound)
			})

			t.Run("delete user sessions", func(t *testing.T) {
				store := factory(t)
				for i := range 3 {
					require.NoError(t, store.CreateSession(ctx, newSession(fmt.Sprintf("a%d", i), "alice", time.Hour)))
				}
				require.NoError(t, store.CreateSession(ctx, newSession("b0", "bob", time.Hour)))

				n, err := store.DeleteUserSessions(ctx, "alice")
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				_, err = store.GetSession(ctx, "a1")
				assert.ErrorIs(t, err, ErrSessionNotFound)
				_, err = store.GetSession(ctx, "b0")
				assert.NoError(t, err)

				n, err = store.DeleteUserSessions(ctx, "alice")
				require.NoError(t, err)
				assert.Zero(t, n)
			})
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore(WithMemoryClock(func() time.Time { return now }))

	require.NoError(t, store.CreateSession(ctx, &Session{ID: "s1", UserID: "alice", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))

	_, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStoreCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.CreateSession(ctx, newSession("short", "alice", 20*time.Millisecond)))
	require.NoError(t, store.CreateSession(ctx, newSession("long", "alice", time.Hour)))

	time.Sleep(50 * time.Millisecond)

	n, err := store.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The user index no longer lists the expired session
	n, err = store.DeleteUserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisStoreExpiryAndCleanup(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	require.NoError(t, store.CreateSession(ctx, newSession("short", "alice", time.Minute)))
	require.NoError(t, store.CreateSession(ctx, newSession("long", "alice", time.Hour)))

	mr.FastForward(2 * time.Minute)

	_, err := store.GetSession(ctx, "short")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	n, err := store.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err := mr.SMembers("test:user:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, members)
}

func TestRedisStoreConnectFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisStore(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, config.StorageConfig{Kind: config.StorageMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	mr := miniredis.RunT(t)
	store, err = New(ctx, config.StorageConfig{Kind: config.StorageRedis, RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, store)
	require.NoError(t, store.Close())

	_, err = New(ctx, config.StorageConfig{Kind: "etcd"})
	assert.ErrorContains(t, err, "unknown storage kind")
}

type countingStore struct {
	Store
	sweeps chan struct{}
	err    error
}

func (c *countingStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	c.sweeps <- struct{}{}
	return 1, c.err
}

func waitSweep(t *testing.T, store *countingStore, when string) {
	t.Helper()
	select {
	case <-store.sweeps:
	case <-time.After(time.Second):
		t.Fatalf("no sweep %s", when)
	}
}

func TestSweeper(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		err      error
	}{
		{"sweeps on start and stop", time.Hour, nil},
		{"sweeps on every tick", 10 * time.Millisecond, nil},
		{"keeps sweeping after failures", 10 * time.Millisecond, fmt.Errorf("redis unavailable")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &countingStore{Store: NewMemoryStore(), sweeps: make(chan struct{}, 256), err: tt.err}
			s := NewSweeper(store, tt.interval)
			s.Start(context.Background())

			waitSweep(t, store, "on start")
			if tt.interval < time.Second {
				waitSweep(t, store, "on tick")
			}

			s.Stop()
			for len(store.sweeps) > 1 {
				<-store.sweeps
			}
			waitSweep(t, store, "on stop")
			s.Stop()
		})
	}
}

func TestSweeperStopBeforeStart(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore(), sweeps: make(chan struct{}, 1)}
	NewSweeper(store, time.Hour).Stop()
	assert.Empty(t, store.sweeps)
}

func TestSweeperStopsWithContext(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore(), sweeps: make(chan struct{}, 256)}
	s := NewSweeper(store, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitSweep(t, store, "on start")

	cancel()
	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("sweeper loop still running after context cancel")
	}
}
