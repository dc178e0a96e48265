package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"keypaird/internal/domain"

	"golang.org/x/time/rate"
)

// memoryLimiter keeps a token bucket per key: limit tokens refilled evenly
// over window.
type memoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	data    map[string]*memoryBucket
	maxKeys int
	idleTTL time.Duration
	hits    uint64
}

type memoryBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type MemoryLimiterConfig struct {
	Now     func() time.Time
	MaxKeys int
	IdleTTL time.Duration
}

func NewMemoryLimiter(cfg MemoryLimiterConfig) domain.RateLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &memoryLimiter{
		now:     cfg.Now,
		data:    make(map[string]*memoryBucket),
		maxKeys: cfg.MaxKeys,
		idleTTL: cfg.IdleTTL,
	}
}

func (m *memoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	if window <= 0 {
		window = time.Second
	}
	now := m.now()
	every := rate.Every(window / time.Duration(limit))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits++
	if m.hits%512 == 0 {
		m.gc(now)
	}
	bucket, ok := m.data[key]
	if !ok {
		if len(m.data) >= m.maxKeys {
			m.gc(now)
		}
		if len(m.data) >= m.maxKeys {
			return domain.RateLimitDecision{}, errors.New("rate limiter capacity exceeded")
		}
		bucket = &memoryBucket{limiter: rate.NewLimiter(every, limit)}
		m.data[key] = bucket
	}
	bucket.lastSeen = now

	allowed := bucket.limiter.AllowN(now, 1)
	tokens := bucket.limiter.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now
	if missing := float64(limit) - tokens; missing > 0 {
		resetAt = now.Add(time.Duration(missing / float64(every) * float64(time.Second)))
	}
	return domain.RateLimitDecision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (m *memoryLimiter) gc(now time.Time) {
	cutoff := now.Add(-m.idleTTL)
	for key, bucket := range m.data {
		if bucket.lastSeen.Before(cutoff) {
			delete(m.data, key)
		}
	}
}
