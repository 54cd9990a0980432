package coop

import (
	"sync"
	"time"
)

// rateLimiter allows at most limit events per key within a sliding window.
type rateLimiter struct {
	now     func() time.Time
	clients map[string][]time.Time
	window  time.Duration
	limit   int
	mu      sync.Mutex
}

func newRateLimiter(limit int, window time.Duration, clock func() time.Time) *rateLimiter {
	return &rateLimiter{
		now:     clock,
		clients: make(map[string][]time.Time),
		window:  window,
		limit:   limit,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	// Clean old entries, dropping keys that have gone quiet
	for k, stamps := range rl.clients {
		recent := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				recent = append(recent, ts)
			}
		}
		if len(recent) == 0 {
			delete(rl.clients, k)
			continue
		}
		rl.clients[k] = recent
	}

	recent := rl.clients[key]
	if len(recent) >= rl.limit {
		return false
	}

	rl.clients[key] = append(recent, now)
	return true
}
