// Package cache provides caching layers in front of the central database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"worktally/internal/core/tenant"
	"worktally/pkg/logger"
)

// RedisClient is the subset of go-redis used by the caches.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RegistryCacheConfig configures RegistryCache.
type RegistryCacheConfig struct {
	Prefix string
	TTL    time.Duration
	// NegativeTTL caches unknown slugs; zero disables it.
	NegativeTTL time.Duration
}

// DefaultRegistryCacheConfig returns default configuration.
func DefaultRegistryCacheConfig() RegistryCacheConfig {
	return RegistryCacheConfig{
		Prefix:      "worktally:tenant:",
		TTL:         5 * time.Minute,
		NegativeTTL: 30 * time.Second,
	}
}

const missingMarker = "-"

// RegistryCache decorates a tenant.Registry with a Redis read-through cache
// for single-tenant lookups. Lists always go to the registry. Writes
// invalidate both the id and the slug keys.
//
// Redis failures degrade to registry reads; they are logged, never returned.
type RegistryCache struct {
	next   tenant.Registry
	client RedisClient
	cfg    RegistryCacheConfig
	log    *logger.Logger
}

// NewRegistryCache wraps next.
func NewRegistryCache(next tenant.Registry, client RedisClient, cfg RegistryCacheConfig, log *logger.Logger) *RegistryCache {
	if log == nil {
		log = logger.Default()
	}
	return &RegistryCache{next: next, client: client, cfg: cfg, log: log.WithComponent("tenant-cache")}
}

func (c *RegistryCache) slugKey(slug string) string { return c.cfg.Prefix + "slug:" + slug }
func (c *RegistryCache) idKey(id string) string     { return c.cfg.Prefix + "id:" + id }

func (c *RegistryCache) GetBySlug(ctx context.Context, slug string) (*tenant.Tenant, error) {
	return c.get(ctx, c.slugKey(slug), func() (*tenant.Tenant, error) {
		return c.next.GetBySlug(ctx, slug)
	})
}

func (c *RegistryCache) GetByID(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	return c.get(ctx, c.idKey(tenantID), func() (*tenant.Tenant, error) {
		return c.next.GetByID(ctx, tenantID)
	})
}

func (c *RegistryCache) get(ctx context.Context, key string, load func() (*tenant.Tenant, error)) (*tenant.Tenant, error) {
	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil && raw == missingMarker:
		return nil, tenant.ErrTenantNotFound
	case err == nil:
		var t tenant.Tenant
		if jerr := json.Unmarshal([]byte(raw), &t); jerr == nil {
			return &t, nil
		}
		c.log.WithContext(ctx).Warnw("corrupt tenant cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		c.log.WithContext(ctx).Warnw("tenant cache read failed", "key", key, "error", err)
	}

	t, err := load()
	if errors.Is(err, tenant.ErrTenantNotFound) {
		if c.cfg.NegativeTTL > 0 {
			c.set(ctx, key, missingMarker, c.cfg.NegativeTTL)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.store(ctx, t)
	return t, nil
}

func (c *RegistryCache) store(ctx context.Context, t *tenant.Tenant) {
	data, err := json.Marshal(t)
	if err != nil {
		c.log.WithContext(ctx).Warnw("encode tenant for cache", "tenant", t.Slug, "error", err)
		return
	}
	c.set(ctx, c.slugKey(t.Slug), string(data), c.cfg.TTL)
	c.set(ctx, c.idKey(t.ID), string(data), c.cfg.TTL)
}

func (c *RegistryCache) set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.WithContext(ctx).Warnw("tenant cache write failed", "key", key, "error", err)
	}
}

func (c *RegistryCache) ListActive(ctx context.Context) ([]*tenant.Tenant, error) {
	return c.next.ListActive(ctx)
}

func (c *RegistryCache) ListAll(ctx context.Context) ([]*tenant.Tenant, error) {
	return c.next.ListAll(ctx)
}

func (c *RegistryCache) UpdateStatus(ctx context.Context, tenantID string, status tenant.Status, scheduledDeletion *time.Time) error {
	if err := c.next.UpdateStatus(ctx, tenantID, status, scheduledDeletion); err != nil {
		return err
	}
	return c.Invalidate(ctx, tenantID)
}

func (c *RegistryCache) UpdateDatabase(ctx context.Context, tenantID string, d tenant.Descriptor, passwordEnc string) error {
	if err := c.next.UpdateDatabase(ctx, tenantID, d, passwordEnc); err != nil {
		return err
	}
	return c.Invalidate(ctx, tenantID)
}

// Invalidate drops the cached entries of one tenant. The slug key is found
// through the id entry or, failing that, the registry.
func (c *RegistryCache) Invalidate(ctx context.Context, tenantID string) error {
	keys := []string{c.idKey(tenantID)}
	if raw, err := c.client.Get(ctx, c.idKey(tenantID)).Result(); err == nil && raw != missingMarker {
		var t tenant.Tenant
		if json.Unmarshal([]byte(raw), &t) == nil && t.Slug != "" {
			keys = append(keys, c.slugKey(t.Slug))
		}
	} else if t, err := c.next.GetByID(ctx, tenantID); err == nil {
		keys = append(keys, c.slugKey(t.Slug))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate tenant %s: %w", tenantID, err)
	}
	return nil
}

// InvalidateSlug drops a slug entry, including a cached miss.
func (c *RegistryCache) InvalidateSlug(ctx context.Context, slug string) error {
	if err := c.client.Del(ctx, c.slugKey(slug)).Err(); err != nil {
		return fmt.Errorf("invalidate slug %s: %w", slug, err)
	}
	return nil
}

var _ tenant.Registry = (*RegistryCache)(nil)
