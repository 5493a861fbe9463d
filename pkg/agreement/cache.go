package agreement

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is an advisory projection cache. Implementations must tolerate being
// stale or unavailable: the fold over the event stream is always the source
// of truth, and every cache failure degrades to a refold, never to an error.
type Cache interface {
	Get(ctx context.Context, agreementID string) (*Agreement, bool)
	Put(ctx context.Context, agreementID string, a *Agreement)
	Invalidate(ctx context.Context, agreementID string)
}

// NopCache caches nothing.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (*Agreement, bool) { return nil, false }
func (NopCache) Put(context.Context, string, *Agreement)        {}
func (NopCache) Invalidate(context.Context, string)             {}

const cacheKeyPrefix = "varledger:agreement:"

// RedisCache stores JSON-encoded projections in Redis with a TTL. Redis
// errors are logged and swallowed.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache creates a projection cache over client. A non-positive ttl
// defaults to five minutes.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl, logger: slog.Default()}
}

// WithLogger overrides the structured logger.
func (c *RedisCache) WithLogger(logger *slog.Logger) *RedisCache {
	c.logger = logger
	return c
}

func (c *RedisCache) Get(ctx context.Context, agreementID string) (*Agreement, bool) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+agreementID).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("agreement cache read failed", "agreement_id", agreementID, "error", err)
		}
		return nil, false
	}
	var a Agreement
	if err := json.Unmarshal(raw, &a); err != nil {
		c.logger.Warn("agreement cache entry corrupt, dropping", "agreement_id", agreementID, "error", err)
		c.Invalidate(ctx, agreementID)
		return nil, false
	}
	return &a, true
}

func (c *RedisCache) Put(ctx context.Context, agreementID string, a *Agreement) {
	raw, err := json.Marshal(a)
	if err != nil {
		c.logger.Warn("agreement cache encode failed", "agreement_id", agreementID, "error", err)
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+agreementID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("agreement cache write failed", "agreement_id", agreementID, "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, agreementID string) {
	if err := c.client.Del(ctx, cacheKeyPrefix+agreementID).Err(); err != nil {
		c.logger.Warn("agreement cache invalidate failed", "agreement_id", agreementID, "error", err)
	}
}
