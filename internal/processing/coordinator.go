// Package processing coordinates content processing jobs: it turns a new
// shared record into a durable job row and a queue message, then drives the
// fetch, enrich, classify and vectorize stages exactly once per attempt no
// matter how many times the message is delivered.
package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/infrastructure/retry"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/queue"
	"github.com/jonesrussell/curator/internal/telemetry"
)

// bookkeepingTimeout bounds the job and status writes that follow a stage,
// which run even after the attempt's own context is done.
const bookkeepingTimeout = 10 * time.Second

// Collaborators are the external services the stages call.
type Collaborators struct {
	Fetcher    Fetcher
	Classifier Classifier
	Embedder   Embedder
	Vectors    VectorStore
}

// Coordinator owns the processing job lifecycle.
type Coordinator struct {
	content   ContentStore
	jobs      JobStore
	savers    SaverLister
	publisher Publisher
	collab    Collaborators
	cfg       Config
	policy    retry.Policy
	telemetry *telemetry.Provider
	log       logger.Logger
	now       func() time.Time
}

// NewCoordinator creates a processing coordinator. tp may be nil.
func NewCoordinator(
	content ContentStore,
	jobs JobStore,
	savers SaverLister,
	publisher Publisher,
	collab Collaborators,
	cfg Config,
	tp *telemetry.Provider,
	log logger.Logger,
) (*Coordinator, error) {
	if collab.Fetcher == nil || collab.Classifier == nil || collab.Embedder == nil || collab.Vectors == nil {
		return nil, errors.New("processing: all stage collaborators are required")
	}
	return newCoordinator(content, jobs, savers, publisher, collab, cfg, tp, log)
}

// NewScheduler creates a coordinator that only creates, resubmits and
// publishes jobs, as the API server does. Its Handle rejects every message.
func NewScheduler(
	content ContentStore,
	jobs JobStore,
	publisher Publisher,
	cfg Config,
	tp *telemetry.Provider,
	log logger.Logger,
) (*Coordinator, error) {
	return newCoordinator(content, jobs, nil, publisher, Collaborators{}, cfg, tp, log)
}

func newCoordinator(
	content ContentStore,
	jobs JobStore,
	savers SaverLister,
	publisher Publisher,
	collab Collaborators,
	cfg Config,
	tp *telemetry.Provider,
	log logger.Logger,
) (*Coordinator, error) {
	if content == nil || jobs == nil || publisher == nil {
		return nil, errors.New("processing: content store, job store and publisher are required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		content:   content,
		jobs:      jobs,
		savers:    savers,
		publisher: publisher,
		collab:    collab,
		cfg:       cfg,
		policy:    cfg.Policy(),
		telemetry: tp,
		log:       log.With(logger.Component("processing")),
		now:       time.Now,
	}, nil
}

// Enqueue creates a PENDING process job for the content and publishes it on
// the high-priority stream. If the content already has a live job, that job
// is returned and nothing is published. A failed publish is logged and left
// to the orphan sweep in ReclaimStale; the job row is the source of truth.
func (c *Coordinator) Enqueue(ctx context.Context, contentID string) (*domain.ProcessingJob, error) {
	job, created, err := c.jobs.CreateProcess(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("create process job: %w", err)
	}
	if !created {
		c.log.Debug("content already has a live job",
			logger.String("content_id", contentID), logger.String("job_id", job.ID))
		return job, nil
	}
	c.publish(ctx, job)
	return job, nil
}

// EnqueueCluster schedules a recompute of the (user, category) partition.
// Triggers arriving while a recompute is already pending coalesce into it.
func (c *Coordinator) EnqueueCluster(
	ctx context.Context, userID string, category domain.Category,
) (*domain.ProcessingJob, error) {
	job, created, err := c.jobs.CreateCluster(ctx, userID, category)
	if err != nil {
		return nil, fmt.Errorf("create cluster job: %w", err)
	}
	if created {
		c.publish(ctx, job)
	} else {
		c.log.Debug("cluster job coalesced",
			logger.String("job_id", job.ID),
			logger.String("user_id", userID),
			logger.String("category", string(category)),
		)
	}
	return job, nil
}

// Resubmit moves FAILED content back to PENDING and starts a fresh job.
func (c *Coordinator) Resubmit(ctx context.Context, contentID string) (*domain.ProcessingJob, error) {
	record, err := c.content.Get(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.StatusFailed {
		return nil, domain.ErrNotResubmittable
	}

	ok, err := c.content.TransitionStatus(ctx, contentID, domain.StatusFailed, domain.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("reset failed content: %w", err)
	}
	if !ok {
		// Someone else resubmitted between the read and the CAS.
		return nil, domain.ErrNotResubmittable
	}

	c.log.Info("content resubmitted", logger.String("content_id", contentID))
	return c.Enqueue(ctx, contentID)
}

// ReclaimStale takes back RUNNING jobs whose lease expired, republishes
// PENDING or RETRYING jobs whose message was lost, schedules PENDING content
// that never got a job and fails PROCESSING content whose job is gone. It
// returns how many jobs were put on a stream.
func (c *Coordinator) ReclaimStale(ctx context.Context) (int, error) {
	stale, err := c.jobs.ReclaimStale(ctx, c.cfg.LeaseTimeout)
	if err != nil {
		return 0, err
	}
	for i := range stale {
		c.log.Warn("reclaimed stale job",
			logger.String("job_id", stale[i].ID),
			logger.String("kind", string(stale[i].Kind)),
			logger.Int("attempt", stale[i].Attempts),
		)
		c.publish(ctx, &stale[i])
	}

	orphans, err := c.jobs.ListOrphaned(ctx, c.cfg.OrphanGrace, c.cfg.OrphanBatch)
	if err != nil {
		return len(stale), err
	}
	for i := range orphans {
		c.log.Info("republishing undelivered job",
			logger.String("job_id", orphans[i].ID),
			logger.String("status", string(orphans[i].Status)),
		)
		c.publish(ctx, &orphans[i])
	}

	unscheduled, err := c.jobs.ListUnscheduled(ctx, c.cfg.OrphanGrace, c.cfg.OrphanBatch)
	if err != nil {
		return len(stale) + len(orphans), err
	}
	for _, contentID := range unscheduled {
		c.log.Warn("scheduling content without a job", logger.String("content_id", contentID))
		if _, err = c.Enqueue(ctx, contentID); err != nil {
			return len(stale) + len(orphans), err
		}
	}

	total := len(stale) + len(orphans) + len(unscheduled)
	c.telemetry.RecordReclaimed(total)

	stranded, err := c.jobs.SweepStranded(ctx, c.cfg.OrphanGrace, c.cfg.OrphanBatch)
	if err != nil {
		return total, err
	}
	for _, contentID := range stranded {
		c.log.Warn("failed stranded content", logger.String("content_id", contentID))
	}
	return total, nil
}

func (c *Coordinator) publish(ctx context.Context, job *domain.ProcessingJob) {
	stream, payload := queue.JobFor(job)
	if _, err := c.publisher.Enqueue(ctx, stream, payload); err != nil {
		c.log.Warn("publish job failed, orphan sweep will retry",
			logger.String("job_id", job.ID),
			logger.String("stream", stream.String()),
			logger.Error(err),
		)
	}
}

func (c *Coordinator) publishAfter(ctx context.Context, job *domain.ProcessingJob, delay time.Duration) {
	stream, payload := queue.JobFor(job)
	if err := c.publisher.EnqueueAfter(ctx, stream, payload, delay); err != nil {
		c.log.Warn("schedule retry message failed, orphan sweep will retry",
			logger.String("job_id", job.ID),
			logger.Error(err),
		)
	}
}
