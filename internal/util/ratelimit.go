package util

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound API calls with a token bucket that
// replenishes at a fixed rate.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute with a burst of burst. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60.0)
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// WaitN blocks until n tokens are available. Used for weighted endpoints.
func (rl *RateLimiter) WaitN(ctx context.Context, n int) error {
	return rl.limiter.WaitN(ctx, n)
}
