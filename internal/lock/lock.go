// Package lock provides per-key mutual exclusion for wallet provisioning.
package lock

import (
	"context"
	"sync"
)

// Locker serializes work per key.
type Locker interface {
	// WithLock runs fn while holding the exclusive lock for key.
	// Acquisition honors ctx; fn's error is returned as is.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Memory is an in-process keyed mutex. Idle keys are released.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

var _ Locker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

func (m *Memory) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s := m.acquireSlot(key)
	defer m.releaseSlot(key, s)

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ch }()
	return fn(ctx)
}

func (m *Memory) acquireSlot(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *Memory) releaseSlot(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// held reports the number of keys with waiters or holders.
func (m *Memory) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
