// Package compilecache implements the bundler's Compile Cache: a
// content/metadata-keyed store of ProcessedAsset values, backed by an
// in-process map with an optional Redis mirror for cross-process reuse.
package compilecache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/infrastructure/logging"
	"github.com/forgepack/forge/infrastructure/metrics"
	"github.com/forgepack/forge/internal/asset"
)

// Cache is the Compile Cache contract: read/write/invalidate keyed by the
// asset's canonical path. The cache never decides freshness itself — callers
// double-check via Asset.ShouldInvalidate before trusting a read.
type Cache interface {
	Read(ctx context.Context, path string) (*asset.ProcessedAsset, bool)
	Write(ctx context.Context, path string, processed *asset.ProcessedAsset)
	Invalidate(ctx context.Context, path string)
}

// MemoryCache is an in-process Compile Cache. It is the default backend and
// the only one guaranteed to be available without external configuration.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*asset.ProcessedAsset
	metrics *metrics.Metrics
	service string
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache(service string, m *metrics.Metrics) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*asset.ProcessedAsset),
		metrics: m,
		service: service,
	}
}

func (c *MemoryCache) Read(_ context.Context, path string) (*asset.ProcessedAsset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[path]
	if c.metrics != nil {
		if ok {
			c.metrics.RecordCacheHit(c.service)
		} else {
			c.metrics.RecordCacheMiss(c.service)
		}
	}
	return p, ok
}

func (c *MemoryCache) Write(_ context.Context, path string, processed *asset.ProcessedAsset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = processed
}

func (c *MemoryCache) Invalidate(_ context.Context, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// RedisCache mirrors ProcessedAsset values in Redis so that multiple bundler
// processes (or process restarts) can reuse compiled output. Failures are
// logged and treated as a cache miss/fire-and-forget write — the compile
// cache's durability is explicitly best-effort per the bundler design.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	log     *logging.Logger
	metrics *metrics.Metrics
	service string
}

// NewRedisCache wraps an existing Redis client as a Compile Cache backend.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration, log *logging.Logger, m *metrics.Metrics, service string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, log: log, metrics: m, service: service}
}

func (c *RedisCache) key(path string) string {
	return c.prefix + ":" + path
}

func (c *RedisCache) Read(ctx context.Context, path string) (*asset.ProcessedAsset, bool) {
	raw, err := c.client.Get(ctx, c.key(path)).Bytes()
	if err != nil {
		if err != redis.Nil && c.log != nil {
			c.log.WithError(forgeerrors.CacheError("read", err)).Warn("compile cache read failed")
		}
		if c.metrics != nil {
			c.metrics.RecordCacheMiss(c.service)
		}
		return nil, false
	}
	var p asset.ProcessedAsset
	if err := json.Unmarshal(raw, &p); err != nil {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss(c.service)
		}
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit(c.service)
	}
	return &p, true
}

func (c *RedisCache) Write(ctx context.Context, path string, processed *asset.ProcessedAsset) {
	raw, err := json.Marshal(processed)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(path), raw, c.ttl).Err(); err != nil && c.log != nil {
		c.log.WithError(forgeerrors.CacheError("write", err)).Warn("compile cache write failed")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, path string) {
	if err := c.client.Del(ctx, c.key(path)).Err(); err != nil && c.log != nil {
		c.log.WithError(forgeerrors.CacheError("invalidate", err)).Warn("compile cache invalidate failed")
	}
}
