package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter shared by every instance through Redis
type RedisLimiter struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

var _ ports.RateLimiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a Redis backed limiter. A nil clock uses time.Now.
func NewRedisLimiter(client *redis.Client, clock func() time.Time) *RedisLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RedisLimiter{
		client: client,
		prefix: "obgate:ratelimit:",
		clock:  clock,
	}
}

// Allow increments both window counters in one MULTI/EXEC block
func (l *RedisLimiter) Allow(ctx context.Context, key string, quota core.Quota) (core.RateDecision, error) {
	now := l.clock()
	minuteStart, minuteReset := core.MinuteWindow(now)
	dayStart, dayReset := core.DayWindow(now)

	minuteKey := fmt.Sprintf("%s%s:m:%d", l.prefix, key, minuteStart.Unix())
	dayKey := fmt.Sprintf("%s%s:d:%s", l.prefix, key, dayStart.Format("20060102"))

	var minuteCount, dayCount *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		minuteCount = pipe.Incr(ctx, minuteKey)
		pipe.Expire(ctx, minuteKey, 2*time.Minute)
		dayCount = pipe.Incr(ctx, dayKey)
		pipe.Expire(ctx, dayKey, 25*time.Hour)
		return nil
	})
	if err != nil {
		return core.RateDecision{}, fmt.Errorf("failed to count request: %w", err)
	}

	return core.NewRateDecision(quota, minuteCount.Val(), dayCount.Val(), minuteReset, dayReset), nil
}
