// Package ratelimit bounds cart operations per identity and minute.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/istanbulplusir-blip/plusistanbul-sub002/internal/domain"
)

// Limiter decides whether one more operation is allowed for identity.
// A non-positive perMinute disables the limit.
type Limiter interface {
	Allow(ctx context.Context, identity domain.Identity, perMinute int) (bool, error)
}

// bucket tracks a token bucket per identity.
type bucket struct {
	limiter   *rate.Limiter
	perMinute int
	lastSeen  time.Time
}

// Memory is a per-process token bucket limiter. A bucket refills perMinute
// tokens per minute and holds at most perMinute tokens. Buckets idle for
// longer than the eviction TTL are dropped.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewMemory creates an in-memory limiter that evicts buckets idle for ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		buckets: make(map[string]*bucket),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

func perMinuteLimit(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

// Allow takes one token from the identity's bucket.
func (m *Memory) Allow(_ context.Context, identity domain.Identity, perMinute int) (bool, error) {
	if perMinute <= 0 {
		return true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	key := identity.Key()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(perMinuteLimit(perMinute), perMinute), perMinute: perMinute}
		// a fresh bucket starts full at now, not at the zero time
		b.limiter.SetBurstAt(now, perMinute)
		m.buckets[key] = b
	} else if b.perMinute != perMinute {
		b.limiter.SetLimitAt(now, perMinuteLimit(perMinute))
		b.limiter.SetBurstAt(now, perMinute)
		b.perMinute = perMinute
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// Run evicts idle buckets every ttl until ctx is canceled.
func (m *Memory) Run(ctx context.Context) {
	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Memory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) > m.ttl {
			delete(m.buckets, key)
		}
	}
}

func (m *Memory) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
