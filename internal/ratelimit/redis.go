package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLimiter implements sliding-window rate limiting over Redis sorted
// sets, so the per-user limit holds across replicas of the scheduler.
type RedisLimiter struct {
	rdb    *redis.Client
	logger *zap.Logger
	config Config
}

// NewRedisLimiter creates a Redis-backed limiter with the given configuration.
func NewRedisLimiter(rdb *redis.Client, logger *zap.Logger, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		logger: logger,
		config: cfg,
	}
}

// Allow checks the sliding window for key and consumes a slot when the
// delivery fits. Window membership is tracked with a sorted set scored by
// delivery time.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	redisKey := fmt.Sprintf("deliverylimit:%s", key)

	pipe := r.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis pipeline failed: %w", err)
	}

	current := int(countCmd.Val())
	if current >= r.config.Limit {
		r.logger.Debug("delivery rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
		return false, nil
	}

	pipe2 := r.rdb.Pipeline()
	pipe2.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe2.Expire(ctx, redisKey, r.config.Window+time.Second)
	if _, err := pipe2.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis zadd failed: %w", err)
	}

	return true, nil
}
