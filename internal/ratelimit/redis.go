package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Limiter = (*RedisLimiter)(nil)

// RedisLimiter uses SET NX PX so the check and the write are one command.
type RedisLimiter struct {
	cmd       redis.Cmdable
	keyPrefix string
}

func NewRedisLimiter(cmd redis.Cmdable, keyPrefix string) *RedisLimiter {
	return &RedisLimiter{cmd: cmd, keyPrefix: keyPrefix}
}

func (r *RedisLimiter) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	ok, err := r.cmd.SetNX(ctx, r.keyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}
