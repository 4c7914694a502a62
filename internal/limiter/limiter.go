// Package limiter defines per-caller request rate limiting.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Limiter controls how often a caller may hit the API.
type Limiter interface {
	// Allow reports whether a request for key may proceed and, if not, a retry-after hint.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// Memory keeps one token bucket per key. The key set is bounded; the least
// recently seen caller's bucket is dropped first.
type Memory struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

var _ Limiter = (*Memory)(nil)

// NewMemory allows perMinute requests per key with the given burst.
func NewMemory(perMinute, burst, maxKeys int) (*Memory, error) {
	if perMinute <= 0 || burst <= 0 {
		return nil, fmt.Errorf("limiter: perMinute and burst must be positive")
	}
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	c, err := lru.New[string, *rate.Limiter](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("limiter: %w", err)
	}
	return &Memory{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		buckets: c,
	}, nil
}

func (m *Memory) bucket(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(m.limit, m.burst)
	m.buckets.Add(key, b)
	return b
}

// Allow consumes one token for key when available.
func (m *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	r := m.bucket(key).Reserve()
	if !r.OK() {
		return false, 0, nil
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d, nil
	}
	return true, 0, nil
}
