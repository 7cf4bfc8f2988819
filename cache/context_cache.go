package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultContextTTL = 60 * time.Second

// ContextCache memoizes assembled retrieval context in Redis for a short TTL.
// Retrieval is read-mostly and the chat layer repeats identical queries in
// quick succession; staleness within the TTL is acceptable.
type ContextCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewContextCacheFromEnv connects to Redis using REDIS_* variables. It
// returns nil (cache disabled) when Redis is unreachable or unconfigured, so
// callers can pass the result straight through as an optional dependency.
func NewContextCacheFromEnv() *ContextCache {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil
	}

	db := 0
	if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
		if parsed, err := strconv.Atoi(rawDB); err == nil {
			db = parsed
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("cache: ping redis %s failed, context cache disabled: %v", addr, err)
		_ = client.Close()
		return nil
	}

	ttl := defaultContextTTL
	if raw := strings.TrimSpace(os.Getenv("CONTEXT_CACHE_TTL_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			ttl = time.Duration(parsed) * time.Second
		}
	}

	return &ContextCache{client: client, ttl: ttl}
}

// NewContextCache wraps an existing client, mainly for tests.
func NewContextCache(client *redis.Client, ttl time.Duration) *ContextCache {
	if ttl <= 0 {
		ttl = defaultContextTTL
	}
	return &ContextCache{client: client, ttl: ttl}
}

// Get returns the cached value for key, reporting whether it was present.
// Redis errors are treated as misses.
func (c *ContextCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Set stores value under key for the configured TTL. Failures are logged and
// otherwise ignored; the cache is best effort.
func (c *ContextCache) Set(ctx context.Context, key string, value []byte) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		log.Printf("cache: set %s failed: %v", key, err)
	}
}

// Close releases the Redis connection at process shutdown.
func (c *ContextCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// String describes the cache configuration, handy in startup logs.
func (c *ContextCache) String() string {
	if c == nil || c.client == nil {
		return "context cache disabled"
	}
	return fmt.Sprintf("context cache ttl=%s", c.ttl)
}
