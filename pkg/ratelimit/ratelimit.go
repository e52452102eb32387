package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps how many readings a single meter may submit per minute. It is
// a thin wrapper around github.com/vnmchuo/ratelimiter; a nil *Limiter allows
// everything.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, perMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(perMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func (l *Limiter) Allow(ctx context.Context, meterID int64) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.store.Allow(ctx, meterKey(meterID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func meterKey(meterID int64) string {
	return fmt.Sprintf("ratelimit:meter:%d", meterID)
}
