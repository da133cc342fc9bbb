package store

import (
	"context"
	"time"
)

// Record is the persisted token pair. It is replaced wholesale on every
// refresh, never mutated in place.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store is a passive persistence backend for the token record. Get returns
// (nil, nil) when no record exists.
type Store interface {
	Get(ctx context.Context) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config describes the store selection parameters.
type Config struct {
	Driver string
	TTL    time.Duration // cache entry lifetime; zero means DefaultTTL
	Redis  *RedisConfig
}

// RedisConfig captures connection options for the redis driver.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Key      string
}

// DefaultTTL bounds how long a token record may sit in the cache. Refresh
// tokens outlive access tokens by a wide margin, so this is deliberately long.
const DefaultTTL = 30 * 24 * time.Hour

func (c Config) ttl() time.Duration {
	if c.TTL <= 0 {
		return DefaultTTL
	}
	return c.TTL
}
