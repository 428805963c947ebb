package middleware

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCounter is the subset of *redis.Client the limiter needs.
type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisLimiter is a fixed-window limiter shared by every replica that points
// at the same Redis. Each key may make BurstSize plus RequestsPerSecond*window
// requests per window.
type RedisLimiter struct {
	client redisCounter
	prefix string
	window time.Duration
	limit  int64
}

func NewRedisLimiter(client *redis.Client, cfg RateLimitConfig) *RedisLimiter {
	return newRedisLimiter(client, cfg)
}

func newRedisLimiter(client redisCounter, cfg RateLimitConfig) *RedisLimiter {
	window := time.Second
	limit := int64(math.Ceil(cfg.RequestsPerSecond*window.Seconds())) + int64(cfg.BurstSize)
	if limit < 1 {
		limit = 1
	}
	return &RedisLimiter{
		client: client,
		prefix: "medchain:ratelimit:",
		window: window,
		limit:  limit,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	k := l.prefix + key
	n, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit incr: %w", err)
	}
	if n == 1 {
		if err := l.client.PExpire(ctx, k, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("ratelimit expire: %w", err)
		}
	}
	if n <= l.limit {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, k).Result()
	if err != nil || ttl <= 0 {
		ttl = l.window
	}
	return false, ttl, nil
}
