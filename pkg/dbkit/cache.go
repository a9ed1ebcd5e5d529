package dbkit

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/go-redis/redis/v8"

	"github.com/cratery/registry/pkg/observability"
)

// cacheLayer is an optional L1 (in-process LRU) + L2 (Redis) read cache sitting
// in front of the repositories. Every write path invalidates both tiers for
// the affected key synchronously, before the write is acknowledged to the
// caller, so readers never observe a write without its cache entry cleared.
type cacheLayer struct {
	l1     *lru.Cache[string, string]
	l2     *redis.Client
	l2TTL  time.Duration
	enable bool
	otel   *observability.OTelMetrics
}

func newCacheLayer(cfg Config) *cacheLayer {
	if !cfg.CacheEnabled {
		return &cacheLayer{}
	}
	c := &cacheLayer{l2TTL: 30 * time.Second, enable: true}
	// Cache telemetry goes to the OTel meter; a failed init just leaves the
	// cache un-instrumented.
	c.otel, _ = observability.NewOTelMetrics()
	c.l1, _ = lru.NewWithEvict[string, string](cfg.L1Size, func(key, value string) {
		if c.otel != nil {
			c.otel.RecordCacheEviction(context.Background(), "l1")
			c.otel.UpdateCacheSize(context.Background(), "l1", -int64(len(key)+len(value)))
		}
	})
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err == nil {
			c.l2 = redis.NewClient(opt)
		}
	}
	return c
}

func (c *cacheLayer) get(ctx context.Context, key string) (string, bool) {
	if !c.enable {
		return "", false
	}
	if c.l1 != nil {
		if v, ok := c.l1.Get(key); ok {
			c.recordHit(ctx, "l1")
			return v, true
		}
	}
	if c.l2 != nil {
		v, err := c.l2.Get(ctx, key).Result()
		if err == nil {
			c.recordHit(ctx, "l2")
			if c.l1 != nil {
				c.l1.Add(key, v)
			}
			return v, true
		}
	}
	if c.otel != nil {
		c.otel.RecordCacheMiss(ctx, "l1")
	}
	return "", false
}

func (c *cacheLayer) recordHit(ctx context.Context, tier string) {
	if c.otel != nil {
		c.otel.RecordCacheHit(ctx, tier)
	}
}

func (c *cacheLayer) set(ctx context.Context, key, value string) {
	if !c.enable {
		return
	}
	if c.l1 != nil {
		c.l1.Add(key, value)
		if c.otel != nil {
			c.otel.UpdateCacheSize(ctx, "l1", int64(len(key)+len(value)))
		}
	}
	if c.l2 != nil {
		c.l2.Set(ctx, key, value, c.l2TTL)
	}
}

// invalidate removes key from both tiers. Called synchronously on every
// mutation so reads never serve a stale entry past the write that changed it.
func (c *cacheLayer) invalidate(ctx context.Context, key string) {
	if !c.enable {
		return
	}
	if c.l1 != nil {
		c.l1.Remove(key)
	}
	if c.l2 != nil {
		c.l2.Del(ctx, key)
	}
}
