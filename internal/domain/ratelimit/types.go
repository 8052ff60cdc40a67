// Package ratelimit contains domain types for request rate limiting.
package ratelimit

import (
	"context"
	"time"
)

// Limit configures a rate limit for a key class.
type Limit struct {
	// Rate is the number of requests allowed per Period.
	Rate int
	// Period is the window the Rate applies to.
	Period time.Duration
	// Burst is the number of requests allowed to arrive at once.
	// Defaults to Rate when zero.
	Burst int
}

// Result is the outcome of a rate limit check.
type Result struct {
	// Allowed is true when the request may proceed.
	Allowed bool
	// Remaining is the number of requests left in the current burst window.
	Remaining int
	// RetryAfter is how long to wait before the next request is allowed.
	RetryAfter time.Duration
	// ResetAfter is how long until the limiter state fully resets.
	ResetAfter time.Duration
}

// Limiter checks requests against per-key rate limits.
type Limiter interface {
	// Allow reports whether a request for the key is within the limit.
	Allow(ctx context.Context, key string, limit Limit) (Result, error)
}
