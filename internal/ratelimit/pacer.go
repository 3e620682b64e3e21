// Package ratelimit paces calls to outbound providers.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Pacer blocks until the caller may make its next provider call.
type Pacer interface {
	Wait(ctx context.Context) error
}

// TokenBucket is an in-process Pacer.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket allows one call per interval with the given burst.
// A zero interval disables pacing.
func NewTokenBucket(interval time.Duration, burst int) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &TokenBucket{limiter: rate.NewLimiter(limit, burst)}
}

func (t *TokenBucket) Wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacer wait: %w", err)
	}
	return nil
}
