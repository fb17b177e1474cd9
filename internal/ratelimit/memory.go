package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a fixed-window counter per key. It serves single-process
// deployments; the Redis limiter covers anything shared.
type MemoryLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*keyWindow

	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

type keyWindow struct {
	start time.Time
	count int
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	m := &MemoryLimiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*keyWindow),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *MemoryLimiter) Check(_ context.Context, key string) (Decision, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if w == nil || now.Sub(w.start) >= m.window {
		m.windows[key] = &keyWindow{start: now, count: 1}
		return Decision{Allowed: true}, nil
	}
	if w.count < m.limit {
		w.count++
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: w.start.Add(m.window).Sub(now)}, nil
}

func (m *MemoryLimiter) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}

func (m *MemoryLimiter) cleanupLoop() {
	every := m.window
	if every < time.Minute {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictStale(m.now())
		}
	}
}

// evictStale drops windows whose keys have been quiet long enough that they
// can only produce a fresh window on the next check.
func (m *MemoryLimiter) evictStale(now time.Time) {
	cutoff := now.Add(-2 * m.window)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.windows {
		if w.start.Before(cutoff) {
			delete(m.windows, key)
		}
	}
}
