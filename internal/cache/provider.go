package cache

// Package cache stores short-lived shared state: webhook replay markers and
// gateway auth tokens. Running it on Redis keeps multiple instances correct.

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("key not found")

// Provider defines the interface for the shared key/value cache.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryProvider()
	case "redis":
		return NewRedisProvider(cfg.RedisConnectionString)
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", cfg.Provider)
	}
}

// WebhookKey builds the dedup key for a gateway webhook event.
func WebhookKey(gateway, eventID string) string {
	return fmt.Sprintf("webhook:%s:%s", gateway, eventID)
}

// GatewayTokenKey builds the key under which a gateway's auth token is cached.
func GatewayTokenKey(gateway string) string {
	return fmt.Sprintf("gateway:token:%s", gateway)
}
