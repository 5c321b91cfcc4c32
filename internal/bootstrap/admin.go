package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/curator/infrastructure/jwt"
	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/config"
	"github.com/jonesrussell/curator/internal/database"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/processing"
)

// Migrate applies all pending migrations, or rolls back steps migrations
// when down is set.
func Migrate(ctx context.Context, cfg *config.Config, log logger.Logger, down bool, steps int) error {
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if down {
		return database.MigrateDown(db.DB, steps, log)
	}
	return database.MigrateUp(db.DB, log)
}

// MigrationStatus reports the applied schema version.
func MigrationStatus(ctx context.Context, cfg *config.Config) (version uint, dirty bool, err error) {
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return 0, false, fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	return database.MigrationVersion(db.DB)
}

// Recluster schedules a recompute of the user's partitions. With no
// categories it covers every category the user has saves in.
func Recluster(
	ctx context.Context, cfg *config.Config, log logger.Logger, userID string, categories []domain.Category,
) ([]*domain.ProcessingJob, error) {
	infra, err := OpenInfra(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := infra.Close(); closeErr != nil {
			log.Warn("close connections", logger.Error(closeErr))
		}
	}()

	scheduler, err := processing.NewScheduler(infra.Content, infra.Jobs, infra.Producer, cfg.Processing, infra.Telemetry, log)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return schedulePartitions(ctx, scheduler, infra.Saves, userID, categories)
}

type clusterScheduler interface {
	EnqueueCluster(ctx context.Context, userID string, category domain.Category) (*domain.ProcessingJob, error)
}

type categoryCounter interface {
	CategoryCounts(ctx context.Context, userID string) ([]database.CategoryCount, error)
}

func schedulePartitions(
	ctx context.Context,
	scheduler clusterScheduler,
	saves categoryCounter,
	userID string,
	categories []domain.Category,
) ([]*domain.ProcessingJob, error) {
	if len(categories) == 0 {
		counts, err := saves.CategoryCounts(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("list categories: %w", err)
		}
		for _, c := range counts {
			categories = append(categories, c.Category)
		}
	}

	jobs := make([]*domain.ProcessingJob, 0, len(categories))
	for _, category := range categories {
		job, err := scheduler.EnqueueCluster(ctx, userID, category)
		if err != nil {
			return jobs, fmt.Errorf("schedule %s: %w", category, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// IssueToken signs a bearer token for subject, for local use against the API.
func IssueToken(cfg *config.Config, subject string, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", fmt.Errorf("auth.jwt_secret is not configured")
	}
	return jwt.Sign(cfg.Auth.JWTSecret, subject, ttl)
}
