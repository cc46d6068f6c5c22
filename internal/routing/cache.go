package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type localEntry struct {
	route   Route
	found   bool
	expires time.Time
}

// localCache also remembers misses so that tiers relying on the service
// default do not hit the store on every request.
type localCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]localEntry
	now     func() time.Time
}

func newLocalCache(ttl time.Duration) *localCache {
	return &localCache{
		ttl:     ttl,
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

func (c *localCache) get(key string) (route Route, found bool, ok bool) {
	if c.ttl <= 0 {
		return Route{}, false, false
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return Route{}, false, false
	}
	return e.route, e.found, true
}

func (c *localCache) set(key string, route Route, found bool) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = localEntry{route: route, found: found, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *localCache) delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// RedisCache stores routes as JSON.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Get returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*Route, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Route
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("corrupt cached route %s: %w", key, err)
	}
	return &r, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, route Route, ttl time.Duration) error {
	data, err := json.Marshal(route)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}
