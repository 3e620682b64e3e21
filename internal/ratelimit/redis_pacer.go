package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/officina/internal/redis"
)

// WindowLimiter is the sliding-window check RedisPacer polls.
type WindowLimiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// RedisPacer shares one provider budget between processes through Redis.
type RedisPacer struct {
	limiter WindowLimiter
	key     string
	poll    time.Duration
	logger  *zap.Logger
}

// NewRedisPacer polls limiter under key, sleeping poll between rejected checks.
func NewRedisPacer(limiter WindowLimiter, key string, poll time.Duration, logger *zap.Logger) *RedisPacer {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &RedisPacer{limiter: limiter, key: key, poll: poll, logger: logger}
}

func (p *RedisPacer) Wait(ctx context.Context) error {
	for {
		res, err := p.limiter.Allow(ctx, p.key)
		if err != nil {
			return fmt.Errorf("pacer check: %w", err)
		}
		if res.Allowed {
			return nil
		}

		p.logger.Debug("provider budget exhausted, waiting",
			zap.String("key", p.key),
			zap.Time("reset_at", res.ResetAt),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("pacer wait: %w", ctx.Err())
		case <-time.After(p.poll):
		}
	}
}
