package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gitops-gate/gitopsgate/internal/domain/ratelimit"
)

// RateLimiter implements ratelimit.Limiter using GCRA in memory.
// Thread-safe; includes background cleanup so abandoned keys
// (departed API clients, rotated gateway IPs) do not accumulate.
type RateLimiter struct {
	cells           map[string]time.Time // theoretical arrival time per key
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
}

// NewRateLimiter creates an in-memory rate limiter with default cleanup
// settings (5 minute interval, 1 hour key TTL).
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, 1*time.Hour)
}

// NewRateLimiterWithConfig creates a rate limiter with custom cleanup settings.
func NewRateLimiterWithConfig(cleanupInterval, maxTTL time.Duration) *RateLimiter {
	return &RateLimiter{
		cells:           make(map[string]time.Time),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
	}
}

// Allow checks whether a request for the key fits within the limit,
// using GCRA for smooth rate limiting across bursts.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit ratelimit.Limit) (ratelimit.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if limit.Rate <= 0 {
		limit.Rate = 1
	}
	emission := limit.Period / time.Duration(limit.Rate)

	if limit.Burst <= 0 {
		limit.Burst = limit.Rate
	}
	// Burst of N admits exactly N back-to-back requests before the
	// emission interval starts gating.
	burstOffset := time.Duration(limit.Burst-1) * emission

	tat, exists := r.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(-burstOffset)
	if now.Before(allowAt) {
		return ratelimit.Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: allowAt.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}

	newTAT := tat.Add(emission)
	if newTAT.Before(now) {
		newTAT = now.Add(emission)
	}
	r.cells[key] = newTAT

	remaining := int((burstOffset-newTAT.Sub(now))/emission) + 1
	if remaining < 0 {
		remaining = 0
	}
	if remaining > limit.Burst {
		remaining = limit.Burst
	}

	return ratelimit.Result{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: newTAT.Sub(now),
	}, nil
}

// StartCleanup starts the background goroutine that removes keys older
// than maxTTL. It stops when ctx is cancelled or Stop is called.
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
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes keys whose state is older than maxTTL.
func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.maxTTL)
	cleaned := 0
	for key, tat := range r.cells {
		if tat.Before(cutoff) {
			delete(r.cells, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.cells))
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the number of tracked keys.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*RateLimiter)(nil)
