// Package api exposes curator over HTTP. Every route except health and
// metrics acts on behalf of the user named by the bearer token's subject.
package api

import (
	"context"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/database"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/ingest"
)

// Ingestor records and removes saves.
type Ingestor interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) (*ingest.SaveResult, error)
	Unsave(ctx context.Context, userID, saveID string) error
}

// Scheduler starts background work on request.
type Scheduler interface {
	Resubmit(ctx context.Context, contentID string) (*domain.ProcessingJob, error)
	EnqueueCluster(ctx context.Context, userID string, category domain.Category) (*domain.ProcessingJob, error)
}

// SaveStore is the read and patch side of a user's saves.
type SaveStore interface {
	ListForUser(ctx context.Context, userID string, filter database.SaveFilter) ([]domain.SaveWithContent, int, error)
	Get(ctx context.Context, userID, saveID string) (*domain.SaveWithContent, error)
	Update(ctx context.Context, userID, saveID string, upd database.SaveUpdate) (*domain.UserSave, error)
	ToggleFavorite(ctx context.Context, userID, saveID string) (*domain.UserSave, error)
	ToggleArchive(ctx context.Context, userID, saveID string) (*domain.UserSave, error)
	MarkViewed(ctx context.Context, userID, saveID string) error
	CategoryCounts(ctx context.Context, userID string) ([]database.CategoryCount, error)
}

// ClusterStore reads and deletes a user's clusters.
type ClusterStore interface {
	ListForUser(ctx context.Context, userID string, category *domain.Category) ([]domain.Cluster, error)
	Get(ctx context.Context, userID, clusterID string) (*domain.ClusterDetail, error)
	Delete(ctx context.Context, userID, clusterID string) error
}

// JobReader reports processing progress.
type JobReader interface {
	LatestForContent(ctx context.Context, contentID string) (*domain.ProcessingJob, error)
}

// Handler serves the /api/v1 routes.
type Handler struct {
	ingest    Ingestor
	scheduler Scheduler
	saves     SaveStore
	clusters  ClusterStore
	jobs      JobReader
	log       logger.Logger
}

// NewHandler creates a handler.
func NewHandler(
	ingestor Ingestor,
	scheduler Scheduler,
	saves SaveStore,
	clusters ClusterStore,
	jobs JobReader,
	log logger.Logger,
) *Handler {
	return &Handler{
		ingest:    ingestor,
		scheduler: scheduler,
		saves:     saves,
		clusters:  clusters,
		jobs:      jobs,
		log:       log.With(logger.Component("api")),
	}
}
