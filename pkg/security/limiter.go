package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/null-create/mdt-mcp/pkg/cache"
)

// Limiter decides whether one more request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NoopLimiter allows everything.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// MemoryLimiter keeps one token bucket per key in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	sweepAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const bucketTTL = 10 * time.Minute

func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.After(m.sweepAt) {
		for k, b := range m.buckets {
			if now.Sub(b.lastSeen) > bucketTTL {
				delete(m.buckets, k)
			}
		}
		m.sweepAt = now.Add(bucketTTL)
	}

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// RedisLimiter shares a fixed one second window across processes. Burst is
// added on top of the per-second rate.
type RedisLimiter struct {
	counter *cache.RedisCache
	max     int64
	now     func() time.Time
}

func NewRedisLimiter(counter *cache.RedisCache, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		counter: counter,
		max:     int64(rps) + int64(burst),
		now:     time.Now,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := r.counter.Incr(ctx, key, time.Second, r.now())
	if err != nil {
		return false, err
	}
	return n <= r.max, nil
}
