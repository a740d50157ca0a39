package generator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// catalogCache is the small indirection the model catalog TTL sits
// behind. memoryCatalog is used by default; redisCatalog replaces it
// when cache.redisAddr is configured, grounded on Danor93-Articles-Chat's
// CacheService dual-strategy split.
type catalogCache interface {
	get() ([]string, bool)
	set(models []string)
	invalidate()
}

// memoryCatalog is a single-entry TTL cache guarded by a mutex.
type memoryCatalog struct {
	mu        sync.Mutex
	models    []string
	fetchedAt time.Time
	ttl       time.Duration
}

func newMemoryCatalog(ttl time.Duration) *memoryCatalog {
	return &memoryCatalog{ttl: ttl}
}

func (c *memoryCatalog) get() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models == nil || time.Since(c.fetchedAt) > c.ttl {
		return nil, false
	}
	return c.models, true
}

func (c *memoryCatalog) set(models []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = models
	c.fetchedAt = time.Now()
}

func (c *memoryCatalog) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = nil
}

// redisCatalog stores the catalog under a single key with a TTL, so
// expiry is enforced server-side instead of by a local clock check.
type redisCatalog struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func newRedisCatalog(rdb *redis.Client, ttl time.Duration) *redisCatalog {
	return &redisCatalog{rdb: rdb, key: "clank:generator:catalog", ttl: ttl}
}

func (c *redisCatalog) get() ([]string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := c.rdb.Get(ctx, c.key).Result()
	if err != nil {
		return nil, false
	}
	var models []string
	if err := json.Unmarshal([]byte(raw), &models); err != nil {
		return nil, false
	}
	return models, true
}

func (c *redisCatalog) set(models []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := json.Marshal(models)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, c.key, raw, c.ttl)
}

func (c *redisCatalog) invalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.rdb.Del(ctx, c.key)
}
