// Package redis builds verified go-redis clients.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/curator/infrastructure/retry"
)

// Config holds Redis connection settings.
type Config struct {
	Address  string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// ConnectAttempts is how many pings NewClient tries; 0 means one.
	ConnectAttempts int `yaml:"connect_attempts"`
}

// ErrEmptyAddress is returned when no address is configured.
var ErrEmptyAddress = errors.New("redis address is required")

const pingTimeout = 5 * time.Second

var connectBackoff = retry.Policy{InitialDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

// NewClient returns a client that answered a ping. It is closed again when
// every attempt fails.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	err := retry.Do(ctx, connectBackoff, cfg.ConnectAttempts, nil, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}
	return client, nil
}
