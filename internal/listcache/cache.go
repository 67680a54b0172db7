package listcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"

	defaultMaxEntries = 64
	defaultKeyPrefix  = "arena:listings:"
)

var ErrInvalidConfig = errors.New("listcache: invalid config")

// Cache stores rendered listings for a bounded time.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, body []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Config struct {
	Driver string

	// Memory fields.
	MaxEntries int
	Now        func() time.Time

	// Redis fields.
	Client    redis.Cmdable
	KeyPrefix string
}

// New creates a cache for the configured driver. An empty driver selects memory.
func New(cfg Config) (Cache, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case "", DriverMemory:
		return newMemoryCache(cfg), nil
	case DriverRedis:
		if cfg.Client == nil {
			return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
		}
		prefix := cfg.KeyPrefix
		if prefix == "" {
			prefix = defaultKeyPrefix
		}
		return &redisCache{client: cfg.Client, prefix: prefix}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

type memoryEntry struct {
	body      []byte
	expiresAt time.Time
	lastSeen  time.Time
}

type memoryCache struct {
	mu sync.Mutex

	now        func() time.Time
	maxEntries int
	entries    map[string]memoryEntry
}

func newMemoryCache(cfg Config) *memoryCache {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &memoryCache{
		now:        now,
		maxEntries: maxEntries,
		entries:    make(map[string]memoryEntry),
	}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	e.lastSeen = now
	c.entries[key] = e
	return append([]byte(nil), e.body...), true, nil
}

func (c *memoryCache) Set(_ context.Context, key string, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpired(now)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOne()
	}
	c.entries[key] = memoryEntry{
		body:      append([]byte(nil), body...),
		expiresAt: now.Add(ttl),
		lastSeen:  now,
	}
	return nil
}

func (c *memoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *memoryCache) pruneExpired(now time.Time) {
	for k, v := range c.entries {
		if !now.Before(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// evictOne drops the least recently read entry.
func (c *memoryCache) evictOne() {
	var evictKey string
	var oldest time.Time
	first := true
	for k, v := range c.entries {
		if first || v.lastSeen.Before(oldest) {
			first = false
			oldest = v.lastSeen
			evictKey = k
		}
	}
	if evictKey != "" {
		delete(c.entries, evictKey)
	}
}

type redisCache struct {
	client redis.Cmdable
	prefix string
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("listcache/redis: get %q: %w", key, err)
	}
	return data, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, c.prefix+key, body, ttl).Err(); err != nil {
		return fmt.Errorf("listcache/redis: set %q: %w", key, err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("listcache/redis: del: %w", err)
	}
	return nil
}
