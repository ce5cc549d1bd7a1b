package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetScheme retrieves a cached scheme definition.
	GetScheme(ctx context.Context, tenantID string, schemeID string) (*Scheme, error)

	// SetScheme caches a scheme definition for the rule evaluator.
	SetScheme(ctx context.Context, tenantID string, scheme *Scheme, ttl time.Duration) error

	// GetSnapshot retrieves a cached feature snapshot.
	GetSnapshot(ctx context.Context, tenantID string, farmerID string) (*FeatureSnapshot, error)

	// SetSnapshot caches an assembled feature snapshot so batch runs do not
	// re-query collaborators per scheme.
	SetSnapshot(ctx context.Context, tenantID string, snapshot *FeatureSnapshot, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
