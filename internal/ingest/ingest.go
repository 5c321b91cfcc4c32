// Package ingest is the entry point for user saves. It resolves a URL to
// its single shared record, starts processing the first time a record is
// seen, and records the user's save together with the record's counter.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/database"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/fingerprint"
	"github.com/jonesrussell/curator/internal/telemetry"
)

const maxNoteLength = 4000

// ErrNoteTooLong is returned for notes above the stored limit.
var ErrNoteTooLong = errors.New("note exceeds 4000 characters")

// Registry resolves fingerprints to shared records.
type Registry interface {
	ResolveOrCreate(ctx context.Context, nc database.NewContent) (*domain.ContentRecord, bool, error)
	Get(ctx context.Context, id string) (*domain.ContentRecord, error)
}

// SaveStore persists per-user saves.
type SaveStore interface {
	Exists(ctx context.Context, userID, contentID string) (bool, error)
	Create(ctx context.Context, ns database.NewSave) (*domain.UserSave, error)
	Delete(ctx context.Context, userID, saveID string) (*domain.UserSave, error)
}

// JobScheduler starts background work.
type JobScheduler interface {
	Enqueue(ctx context.Context, contentID string) (*domain.ProcessingJob, error)
	EnqueueCluster(ctx context.Context, userID string, category domain.Category) (*domain.ProcessingJob, error)
}

// SubmitRequest is one user saving one URL.
type SubmitRequest struct {
	UserID string
	URL    string
	Note   string
}

// SaveResult describes the outcome of a submission.
type SaveResult struct {
	Content *domain.ContentRecord
	Save    *domain.UserSave
	// Created is true when this submission created the shared record.
	Created bool
}

// Coordinator handles submissions and removals.
type Coordinator struct {
	registry  Registry
	saves     SaveStore
	jobs      JobScheduler
	telemetry *telemetry.Provider
	log       logger.Logger
}

// NewCoordinator creates an ingestion coordinator. tp may be nil.
func NewCoordinator(registry Registry, saves SaveStore, jobs JobScheduler, tp *telemetry.Provider, log logger.Logger) *Coordinator {
	return &Coordinator{
		registry:  registry,
		saves:     saves,
		jobs:      jobs,
		telemetry: tp,
		log:       log.With(logger.Component("ingest")),
	}
}

// Submit records that the user saved the URL. Exactly one shared record
// exists per fingerprint no matter how many users submit it concurrently,
// and processing is started only by the submission that created it. A
// second save of the same content by the same user returns
// domain.ErrDuplicateSave and changes nothing.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*SaveResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, errors.New("user id is required")
	}
	if len([]rune(req.Note)) > maxNoteLength {
		return nil, ErrNoteTooLong
	}

	normalized, err := fingerprint.Normalize(req.URL)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint.Fingerprint(req.URL)
	if err != nil {
		return nil, err
	}
	platform := fingerprint.DetectPlatform(normalized)

	record, created, err := c.registry.ResolveOrCreate(ctx, database.NewContent{
		Fingerprint: fp,
		URL:         normalized,
		Platform:    platform,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve content: %w", err)
	}
	c.telemetry.RecordResolve(string(platform), created)

	log := c.log.With(logger.String("user_id", req.UserID), logger.String("content_id", record.ID))
	if created {
		if _, err = c.jobs.Enqueue(ctx, record.ID); err != nil {
			return nil, fmt.Errorf("enqueue processing: %w", err)
		}
		log.Info("new content registered", logger.String("platform", string(platform)))
	}

	exists, err := c.saves.Exists(ctx, req.UserID, record.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		c.telemetry.RecordDuplicateSave()
		return nil, domain.ErrDuplicateSave
	}

	save, err := c.saves.Create(ctx, database.NewSave{UserID: req.UserID, ContentID: record.ID, Note: req.Note})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateSave) {
			c.telemetry.RecordDuplicateSave()
		}
		return nil, err
	}
	c.telemetry.RecordSave(created)

	current, err := c.registry.Get(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.StatusReady && current.Category != nil {
		c.scheduleCluster(ctx, log, req.UserID, *current.Category)
	}

	log.Info("content saved", logger.String("save_id", save.ID), logger.Bool("new_content", created))
	return &SaveResult{Content: current, Save: save, Created: created}, nil
}

// Unsave removes the user's save. If the content was already classified, the
// user's partition for that category is reclustered without it.
func (c *Coordinator) Unsave(ctx context.Context, userID, saveID string) error {
	save, err := c.saves.Delete(ctx, userID, saveID)
	if err != nil {
		return err
	}
	log := c.log.With(logger.String("user_id", userID), logger.String("save_id", saveID))

	record, err := c.registry.Get(ctx, save.ContentID)
	if err != nil {
		// The save is gone; a missing record only means nothing to recluster.
		log.Warn("load content after unsave failed", logger.Error(err))
		return nil
	}
	if record.Status == domain.StatusReady && record.Category != nil {
		c.scheduleCluster(ctx, log, userID, *record.Category)
	}
	log.Info("save removed", logger.String("content_id", save.ContentID))
	return nil
}

func (c *Coordinator) scheduleCluster(ctx context.Context, log logger.Logger, userID string, category domain.Category) {
	if _, err := c.jobs.EnqueueCluster(ctx, userID, category); err != nil {
		log.Error("schedule clustering failed", logger.String("category", string(category)), logger.Error(err))
	}
}
