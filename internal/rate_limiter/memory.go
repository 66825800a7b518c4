package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// Memory is a sliding window limiter held in process memory. State is
// lost on restart and not shared between gateway instances; use the
// redis backend for multi-instance deployments.
type Memory struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	max    int
	window time.Duration
	clock  func() time.Time
	Cancel context.CancelFunc
}

func NewMemory(max int, window time.Duration) *Memory {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		hits:   make(map[string][]time.Time),
		max:    max,
		window: window,
		clock:  time.Now,
		Cancel: cancel,
	}

	go m.cleanup(ctx)

	return m
}

// SetClock injects a clock for tests.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Allow purges timestamps older than the window, rejects if the
// remainder has reached the cap, and records the event otherwise.
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	cutoff := now.Add(-m.window)

	kept := m.hits[key][:0]
	for _, ts := range m.hits[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= m.max {
		m.hits[key] = kept
		return false, nil
	}

	m.hits[key] = append(kept, now)
	return true, nil
}

// cleanup drops keys whose newest entry fell out of the window, so idle
// senders don't accumulate in the map.
func (m *Memory) cleanup(ctx context.Context) {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()

			cutoff := m.clock().Add(-m.window)
			for key, hits := range m.hits {
				if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
					delete(m.hits, key)
				}
			}

			m.mu.Unlock()
		}
	}
}
