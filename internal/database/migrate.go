package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/migrations"
)

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

// MigrateUp applies all pending migrations.
func MigrateUp(db *sql.DB, log logger.Logger) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	if upErr := m.Up(); upErr != nil {
		if errors.Is(upErr, migrate.ErrNoChange) {
			log.Info("no pending migrations")
			return nil
		}
		return fmt.Errorf("run migrations: %w", upErr)
	}

	version, _, _ := m.Version()
	log.Info("migrations applied", logger.Int("version", int(version)))
	return nil
}

// MigrateDown rolls back steps migrations (default: 1).
func MigrateDown(db *sql.DB, steps int, log logger.Logger) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	if steps <= 0 {
		steps = 1
	}

	if downErr := m.Steps(-steps); downErr != nil {
		if errors.Is(downErr, migrate.ErrNoChange) {
			log.Info("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("rollback migrations: %w", downErr)
	}

	log.Info("migrations rolled back", logger.Int("steps", steps))
	return nil
}

// MigrationVersion returns the current schema version and dirty flag.
// A database with no applied migrations reports version 0.
func MigrationVersion(db *sql.DB) (uint, bool, error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get migration version: %w", err)
	}
	return version, dirty, nil
}
