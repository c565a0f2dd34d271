package http

import (
	"sync"
	"time"
)

// rateLimiter counts requests per key and resets all counters every window.
type rateLimiter struct {
	limit    int
	mu       sync.Mutex
	counters map[string]int
	reset    *time.Ticker
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		return &rateLimiter{limit: 0}
	}
	return &rateLimiter{
		limit:    limit,
		counters: make(map[string]int),
		reset:    time.NewTicker(window),
	}
}

func (r *rateLimiter) allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters[key]++
	return r.counters[key] <= r.limit
}

func (r *rateLimiter) clear() {
	r.mu.Lock()
	clear(r.counters)
	r.mu.Unlock()
}

func (r *rateLimiter) startReset(stop <-chan struct{}) {
	if r == nil || r.reset == nil {
		return
	}
	go func() {
		for {
			select {
			case <-r.reset.C:
				r.clear()
			case <-stop:
				r.reset.Stop()
				return
			}
		}
	}()
}
