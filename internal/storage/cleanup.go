package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/gatekeep/internal/log"
)

// sweepTimeout bounds the final sweep run by Stop
const sweepTimeout = 5 * time.Second

// Sweeper deletes expired opaque sessions on an interval. Expired sessions
// already fail lookups; sweeping only reclaims their storage.
type Sweeper struct {
	store    Store
	interval time.Duration

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewSweeper(store Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval}
}

// Start sweeps once, then every interval until Stop is called or ctx ends
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	log.LogInfoWithFields("sweeper", "Session sweeper started", map[string]any{
		"interval": s.interval.String(),
	})
	go s.loop(ctx)
}

// Stop halts the loop, runs one last sweep and waits for it. Calling Stop
// more than once, or before Start, is a no-op.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done

		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		s.sweep(ctx)
		log.LogInfo("Session sweeper stopped")
	})
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.store.CleanupExpiredSessions(ctx)
	switch {
	case err != nil:
		log.LogErrorWithFields("sweeper", "Expired session sweep failed", map[string]any{
			"error": err.Error(),
		})
	case removed > 0:
		log.LogDebugWithFields("sweeper", "Removed expired sessions", map[string]any{
			"removed": removed,
		})
	}
}
