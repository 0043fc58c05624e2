package ratelimit

import (
	"context"
	"sync"
	"time"
)

type tracker struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// Memory is a process-local Limiter. Counters are not shared between
// instances, so the bound is per process.
type Memory struct {
	mu       sync.Mutex
	trackers map[string]*tracker
	now      func() time.Time
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now as the limiter's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		trackers: make(map[string]*tracker),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Check(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	return m.Allow(key, limit, window), nil
}

// Allow resets the tracker when it is missing or older than window, and
// otherwise counts the request if it is still under limit.
func (m *Memory) Allow(key string, limit int, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	t, ok := m.trackers[key]
	if !ok || now.Sub(t.windowStart) > window {
		m.trackers[key] = &tracker{count: 1, windowStart: now, window: window}
		m.sweepLocked(now)
		return true
	}
	if t.count >= limit {
		return false
	}
	t.count++
	return true
}

// Sweep removes trackers whose window has elapsed.
func (m *Memory) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now())
}

func (m *Memory) sweepLocked(now time.Time) {
	for key, t := range m.trackers {
		if now.Sub(t.windowStart) > t.window {
			delete(m.trackers, key)
		}
	}
}

// Len returns the number of tracked identifiers.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trackers)
}
