package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps per-key hit timestamps in process memory. Suitable
// for tests and single-instance deployments; multi-instance setups want
// the redis backend.
type MemoryLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewMemory(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:    max,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[key][:0]
	for _, ts := range l.hits[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.hits[key] = kept

	if len(kept) >= l.max {
		oldest := kept[0]
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: oldest.Add(l.window).Sub(now),
		}, nil
	}

	l.hits[key] = append(kept, now)

	return Decision{
		Allowed:   true,
		Remaining: l.max - len(l.hits[key]),
	}, nil
}

func (l *MemoryLimiter) Sweep(ctx context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0

	for key, hits := range l.hits {
		kept := hits[:0]
		for _, ts := range hits {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(l.hits, key)
			removed++
			continue
		}
		l.hits[key] = kept
	}

	return removed
}
