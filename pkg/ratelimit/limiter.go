// Package ratelimit provides a token-bucket limiter store shared across
// replicas. The Redis implementation runs the bucket atomically in a Lua
// script; the in-memory one serves single-node deployments and tests.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store answers whether a keyed operation may proceed.
type Store interface {
	// Allow consumes cost tokens from key's bucket. rate is tokens per
	// second, capacity the bucket size.
	Allow(ctx context.Context, key string, rate float64, capacity, cost int) (bool, error)
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*bucket), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Allow(_ context.Context, key string, rate float64, capacity, cost int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(capacity), lastRefill: now}
		m.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > float64(capacity) {
			b.tokens = float64(capacity)
		}
		b.lastRefill = now
	}

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true, nil
	}
	return false, nil
}
