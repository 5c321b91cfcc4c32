// Package database implements curator's Postgres stores: the content
// registry, user saves, processing jobs, and cluster partitions.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/jonesrussell/curator/infrastructure/config"
	"github.com/jonesrussell/curator/infrastructure/retry"
)

const pingTimeout = 5 * time.Second

var connectBackoff = retry.Policy{InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// Connect opens the pool and pings it up to cfg.ConnectAttempts times.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	cfg.SetDefaults()

	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	err = retry.Do(ctx, connectBackoff, cfg.ConnectAttempts, nil, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return db, nil
}
