package ratelimit

import (
	"context"
	"sync"
	"time"
)

var _ Limiter = (*MemoryLimiter)(nil)

// MemoryLimiter is a process-local Limiter for single-instance deployments
// and tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryLimiter) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, ok := m.entries[key]; ok && now.Before(expiry) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)

	if len(m.entries) > 1024 {
		m.evictExpired(now)
	}
	return true, nil
}

func (m *MemoryLimiter) evictExpired(now time.Time) {
	for k, expiry := range m.entries {
		if !now.Before(expiry) {
			delete(m.entries, k)
		}
	}
}
