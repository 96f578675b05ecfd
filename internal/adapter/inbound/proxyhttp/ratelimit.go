package proxyhttp

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a per-client GCRA limiter over the proxy listener.
// Thread-safe; idle keys are removed by the background cleanup loop.
type RateLimiter struct {
	mu    sync.Mutex
	cells map[string]time.Time // theoretical arrival time per key

	emission time.Duration
	burst    time.Duration

	cleanupInterval time.Duration
	maxTTL          time.Duration
	stop            chan struct{}
	once            sync.Once
	wg              sync.WaitGroup
}

// NewRateLimiter creates a limiter allowing max requests per window for
// each client key.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	emission := window / time.Duration(max)
	return &RateLimiter{
		cells:           make(map[string]time.Time),
		emission:        emission,
		burst:           time.Duration(max) * emission,
		cleanupInterval: 5 * time.Minute,
		maxTTL:          time.Hour,
		stop:            make(chan struct{}),
	}
}

// Allow reports whether a request from key may proceed.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	tat, ok := r.cells[key]
	if !ok || tat.Before(now) {
		tat = now
	}
	if now.Before(tat.Add(-r.burst)) {
		return false
	}
	newTAT := tat.Add(r.emission)
	if newTAT.Before(now) {
		newTAT = now.Add(r.emission)
	}
	r.cells[key] = newTAT
	return true
}

// StartCleanup launches the background reaper for stale keys. It stops
// when ctx is done or Stop is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.maxTTL)
	for key, tat := range r.cells {
		if tat.Before(cutoff) {
			delete(r.cells, key)
		}
	}
}

// Stop halts the cleanup goroutine. Safe to call more than once.
func (r *RateLimiter) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Size returns the number of tracked keys.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}
