package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/farmgate/eligibility/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Del(ctx, fullKey).Err()
}

// GetScheme retrieves a cached scheme definition.
func (c *RedisCache) GetScheme(ctx context.Context, tenantID string, schemeID string) (*domain.Scheme, error) {
	data, err := c.Get(ctx, tenantID, schemeKey(schemeID))
	if err != nil || data == nil {
		return nil, err
	}

	var s domain.Scheme
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetScheme caches a scheme definition.
func (c *RedisCache) SetScheme(ctx context.Context, tenantID string, scheme *domain.Scheme, ttl time.Duration) error {
	bytes, err := json.Marshal(scheme)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, schemeKey(scheme.ID), bytes, ttl)
}

// GetSnapshot retrieves a cached feature snapshot.
func (c *RedisCache) GetSnapshot(ctx context.Context, tenantID string, farmerID string) (*domain.FeatureSnapshot, error) {
	data, err := c.Get(ctx, tenantID, snapshotKey(farmerID))
	if err != nil || data == nil {
		return nil, err
	}

	var snap domain.FeatureSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetSnapshot caches an assembled feature snapshot.
func (c *RedisCache) SetSnapshot(ctx context.Context, tenantID string, snapshot *domain.FeatureSnapshot, ttl time.Duration) error {
	bytes, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, snapshotKey(snapshot.FarmerID), bytes, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return "eligibility:" + tenantID + ":" + key
}
