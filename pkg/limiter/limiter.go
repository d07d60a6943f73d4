// Package limiter provides per-client token-bucket rate limiting with an
// in-process store and a Redis store shared across replicas.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned by Check when a client is over its limit.
var ErrLimited = errors.New("limiter: rate limit exceeded")

// Policy is a token bucket: RPS tokens per second, up to Burst.
type Policy struct {
	RPS   float64
	Burst int
}

// normalized fills zero values with usable defaults.
func (p Policy) normalized() Policy {
	if p.RPS <= 0 {
		p.RPS = 1
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	return p
}

// Store decides whether key may spend cost tokens now.
type Store interface {
	Allow(ctx context.Context, key string, cost int) (bool, error)
}

// Check consults store for key. A nil store denies (fail closed).
func Check(ctx context.Context, store Store, key string) error {
	if store == nil {
		return fmt.Errorf("limiter: no store configured")
	}
	allowed, err := store.Allow(ctx, key, 1)
	if err != nil {
		return fmt.Errorf("limiter: check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w for %s", ErrLimited, key)
	}
	return nil
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps one rate.Limiter per key, for single-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	policy   Policy
	visitors map[string]*visitor
	now      func() time.Time
}

func NewMemoryStore(p Policy) *MemoryStore {
	return &MemoryStore{
		policy:   p.normalized(),
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow implements Store.
func (s *MemoryStore) Allow(_ context.Context, key string, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(s.policy.RPS), s.policy.Burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// Sweep drops keys idle for longer than idle and returns how many were removed.
func (s *MemoryStore) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idle)
	removed := 0
	for key, v := range s.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(s.visitors, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle keys every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(idle)
		}
	}
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}
