package archive

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps an Archive with a submission rate limit.
type RateLimited struct {
	inner   Archive
	limiter *rate.Limiter
}

// NewRateLimited creates a rate limited archive.
// rps is the maximum jobs per second allowed (can be fractional for less than
// one job per second); burst is the maximum burst size allowed. rps <= 0
// disables the limit.
func NewRateLimited(inner Archive, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Retrieve waits for rate limiter permission, then forwards.
func (r *RateLimited) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait canceled: %w", err)
	}
	return r.inner.Retrieve(ctx, req)
}

var _ Archive = (*RateLimited)(nil)
