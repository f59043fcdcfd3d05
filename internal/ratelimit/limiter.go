package ratelimit

import (
	"context"
	"time"
)

// Limiter grants at most one acquisition per key inside ttl. The
// check-and-set must be atomic so concurrent callers cannot both win.
type Limiter interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
