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

	// GetFeatureVector retrieves a cached per-entity feature vector.
	GetFeatureVector(ctx context.Context, tenantID string, entityID string) (*FeatureVector, error)

	// SetFeatureVector caches a per-entity feature vector so repeat scoring
	// of the same entity skips history replay.
	SetFeatureVector(ctx context.Context, tenantID string, entityID string, vec *FeatureVector, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for ingest rate accounting per tenant.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// FeatureVector holds one entity's named feature values plus the fitted
// state version they were computed with. A vector is only reusable while
// the pipeline state version matches.
type FeatureVector struct {
	EntityID     string             `json:"entityId"`
	Model        ScoringModel       `json:"model"`
	StateVersion string             `json:"stateVersion"`
	Features     map[string]float64 `json:"features"`
	ComputedAt   int64              `json:"computedAt"` // unix seconds
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
