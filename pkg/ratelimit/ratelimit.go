package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter enforces a shared per-provider request budget across gateway
// instances. It wraps github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, requestsPerMinute int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(requestsPerMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(providerName string) string {
	return fmt.Sprintf("ratelimit:provider:%s", providerName)
}

// Allow spends one request from the provider's budget.
func (l *Limiter) Allow(ctx context.Context, providerName string) (bool, error) {
	res, err := l.store.Allow(ctx, key(providerName))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
