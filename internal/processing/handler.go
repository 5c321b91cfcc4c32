package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	infraerrors "github.com/jonesrussell/curator/infrastructure/errors"
	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/collaborators"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/queue"
	"github.com/jonesrussell/curator/internal/telemetry"
)

// earlyDeliverySlack tolerates small clock drift before a retry message that
// arrives ahead of next_attempt_at is pushed back.
const earlyDeliverySlack = time.Second

var errSchedulerOnly = errors.New("processing: coordinator has no stage collaborators")

// attempt is the in-memory state of one claimed attempt. Nothing in it is
// persisted until the final CompleteProcessing.
type attempt struct {
	job     *domain.ProcessingJob
	number  int
	content *domain.ContentRecord
	log     logger.Logger

	metadata       domain.FetchedMetadata
	text           string
	classification *domain.Classification
	category       domain.Category
	embeddingID    string
}

// Handle processes one delivery of a process job. It is safe to call any
// number of times for the same message. Stage failures are recorded on the
// job and never returned; a returned error means infrastructure trouble and
// asks the transport to redeliver.
func (c *Coordinator) Handle(ctx context.Context, msg *queue.Message) error {
	if c.collab.Fetcher == nil {
		return errSchedulerOnly
	}
	log := c.log.With(logger.String("job_id", msg.Job.JobID), logger.String("message_id", msg.ID))

	job, err := c.jobs.Get(ctx, msg.Job.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("dropping message for unknown job")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Kind != domain.JobKindProcess || job.ContentID == nil {
		log.Warn("dropping non-process job from process stream", logger.String("kind", string(job.Kind)))
		return nil
	}
	log = log.With(logger.String("content_id", *job.ContentID))

	if job.Status == domain.JobFailed {
		return c.failStranded(ctx, job, log)
	}
	if job.Status.Terminal() || job.Status == domain.JobRunning {
		log.Debug("duplicate delivery", logger.String("status", string(job.Status)))
		c.telemetry.RecordOutcome(telemetry.OutcomeDuplicate)
		return nil
	}
	if c.deferEarly(ctx, job, log) {
		return nil
	}

	at, err := c.claim(ctx, job, log)
	if err != nil || at == nil {
		return err
	}
	return c.run(ctx, at)
}

// deferEarly pushes a retry that was delivered before its due time back onto
// the delayed set.
func (c *Coordinator) deferEarly(ctx context.Context, job *domain.ProcessingJob, log logger.Logger) bool {
	if job.Status != domain.JobRetrying || job.NextAttemptAt == nil {
		return false
	}
	wait := job.NextAttemptAt.Sub(c.now())
	if wait <= earlyDeliverySlack {
		return false
	}
	log.Debug("retry delivered early, deferring", logger.Duration("wait", wait))
	c.publishAfter(ctx, job, wait)
	return true
}

// claim moves the job to RUNNING for a new attempt. It returns nil without
// error when this delivery is a duplicate or the job was closed instead.
func (c *Coordinator) claim(ctx context.Context, job *domain.ProcessingJob, log logger.Logger) (*attempt, error) {
	contentID := *job.ContentID

	switch job.Status {
	case domain.JobPending:
		moved, err := c.content.TransitionStatus(ctx, contentID, domain.StatusPending, domain.StatusProcessing)
		if err != nil {
			return nil, err
		}
		if !moved {
			// Either a concurrent delivery won, or a previous claimer moved the
			// content and died before claiming the job. The job CAS below
			// decides; only content still in PROCESSING is eligible.
			log.Debug("content already left pending")
		}
	case domain.JobRetrying:
		if job.Attempts >= c.cfg.MaxAttempts {
			return nil, c.exhaust(ctx, job, log)
		}
	default:
		return nil, nil
	}

	record, err := c.content.Get(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.StatusProcessing {
		return nil, c.closeDetached(ctx, job, record, log)
	}

	claimed, err := c.jobs.Claim(ctx, job.ID, job.Status, job.Attempts)
	if err != nil {
		return nil, err
	}
	if !claimed {
		c.duplicate(log, "job already claimed")
		return nil, nil
	}

	number := job.Attempts + 1
	log.Info("attempt started", logger.Int("attempt", number))
	return &attempt{
		job:     job,
		number:  number,
		content: record,
		log:     log.With(logger.Int("attempt", number)),
	}, nil
}

// closeDetached settles a RETRYING job whose content left PROCESSING without
// it, for example after a reclaimed attempt finished late.
func (c *Coordinator) closeDetached(
	ctx context.Context, job *domain.ProcessingJob, record *domain.ContentRecord, log logger.Logger,
) error {
	if job.Status != domain.JobRetrying {
		c.duplicate(log, "content not processing")
		return nil
	}
	if record.Status == domain.StatusReady {
		claimed, err := c.jobs.Claim(ctx, job.ID, job.Status, job.Attempts)
		if err != nil || !claimed {
			return err
		}
		if _, err = c.jobs.Complete(ctx, job.ID, job.Attempts+1); err != nil {
			return err
		}
		log.Info("closed job for content that is already ready")
		return nil
	}
	_, err := c.jobs.Fail(ctx, job.ID, job.Status, job.Attempts, "content left processing state: "+string(record.Status))
	return err
}

// exhaust fails a job that reached the attempt ceiling before it could be
// claimed again.
func (c *Coordinator) exhaust(ctx context.Context, job *domain.ProcessingJob, log logger.Logger) error {
	lastErr := "retry ceiling reached"
	if job.LastError != nil {
		lastErr = *job.LastError
	}
	failed, err := c.jobs.Fail(ctx, job.ID, domain.JobRetrying, job.Attempts, lastErr)
	if err != nil || !failed {
		return err
	}
	if _, err = c.content.TransitionStatus(ctx, *job.ContentID, domain.StatusProcessing, domain.StatusFailed); err != nil {
		return err
	}
	log.Warn("job failed after exhausting attempts", logger.Int("attempts", job.Attempts))
	c.telemetry.RecordOutcome(telemetry.OutcomeFailed)
	return nil
}

// failStranded handles a redelivered FAILED job. If the content write that
// follows Fail was lost, the content is still PROCESSING with nothing left to
// move it, so it is failed here.
func (c *Coordinator) failStranded(ctx context.Context, job *domain.ProcessingJob, log logger.Logger) error {
	moved, err := c.jobs.FailStranded(ctx, *job.ContentID)
	if err != nil {
		return err
	}
	if !moved {
		c.duplicate(log, "job already failed")
		return nil
	}
	log.Warn("failed content left processing by a failed job")
	c.telemetry.RecordOutcome(telemetry.OutcomeFailed)
	return nil
}

func (c *Coordinator) duplicate(log logger.Logger, reason string) {
	log.Debug("duplicate delivery", logger.String("reason", reason))
	c.telemetry.RecordOutcome(telemetry.OutcomeDuplicate)
}

// run executes the stages of a claimed attempt and settles it.
func (c *Coordinator) run(ctx context.Context, at *attempt) error {
	ctx, span := c.telemetry.StartSpan(ctx, "processing.attempt",
		attribute.String("job_id", at.job.ID),
		attribute.String("content_id", at.content.ID),
		attribute.Int("attempt", at.number),
	)
	defer span.End()

	for _, stage := range domain.Stages {
		advanced, err := c.jobs.AdvanceStage(ctx, at.job.ID, at.number, stage)
		if err != nil {
			return err
		}
		if !advanced {
			at.log.Warn("lease lost, abandoning attempt", logger.String("stage", string(stage)))
			c.telemetry.RecordOutcome(telemetry.OutcomeLeaseLost)
			return nil
		}

		if stageErr := c.runStage(ctx, at, stage); stageErr != nil {
			span.RecordError(stageErr)
			span.SetStatus(codes.Error, string(stage))
			return c.settleFailure(ctx, at, stage, stageErr)
		}
	}
	return c.settleSuccess(ctx, at)
}

func (c *Coordinator) runStage(ctx context.Context, at *attempt, stage domain.Stage) error {
	stageCtx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	defer cancel()
	stageCtx, span := c.telemetry.StartSpan(stageCtx, "processing.stage."+string(stage))
	defer span.End()

	start := c.now()
	var err error
	switch stage {
	case domain.StageFetch:
		err = c.fetch(stageCtx, at)
	case domain.StageEnrich:
		c.enrich(at)
	case domain.StageClassify:
		err = c.classify(stageCtx, at)
	case domain.StageVectorize:
		err = c.vectorize(stageCtx, at)
	}

	kind := ""
	if err != nil {
		kind = "transient"
		if collaborators.IsPermanent(err) {
			kind = "permanent"
		}
		err = fmt.Errorf("%s: %w", stage, err)
	}
	c.telemetry.RecordStage(string(stage), c.now().Sub(start), kind)
	return err
}

// settleSuccess writes the analysis with the READY transition, schedules
// reclustering for every saver and completes the job.
func (c *Coordinator) settleSuccess(ctx context.Context, at *attempt) error {
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	completed, err := c.content.CompleteProcessing(ctx, at.content.ID, at.analysis())
	if err != nil {
		return err
	}
	if !completed {
		at.log.Warn("content was no longer processing at completion")
	} else {
		c.scheduleClustering(ctx, at)
	}

	done, err := c.jobs.Complete(ctx, at.job.ID, at.number)
	if err != nil {
		return err
	}
	if !done {
		at.log.Warn("lease lost before job completion")
		c.telemetry.RecordOutcome(telemetry.OutcomeLeaseLost)
		return nil
	}

	at.log.Info("content ready", logger.String("category", string(at.category)))
	c.telemetry.RecordOutcome(telemetry.OutcomeReady)
	return nil
}

func (c *Coordinator) scheduleClustering(ctx context.Context, at *attempt) {
	userIDs, err := c.savers.UserIDsForContent(ctx, at.content.ID)
	if err != nil {
		at.log.Error("list savers failed, clustering not scheduled", logger.Error(err))
		return
	}
	for _, userID := range userIDs {
		if _, err = c.EnqueueCluster(ctx, userID, at.category); err != nil {
			at.log.Error("schedule clustering failed",
				logger.String("user_id", userID), logger.Error(err))
		}
	}
}

// settleFailure records a stage failure. Permanent errors and the final
// attempt fail the job and the content; anything else is retried later.
func (c *Coordinator) settleFailure(ctx context.Context, at *attempt, stage domain.Stage, stageErr error) error {
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	msg := stageErr.Error()
	log := at.log.With(logger.String("stage", string(stage)), logger.Error(stageErr))
	if status, ok := infraerrors.StatusCode(stageErr); ok {
		log = log.With(logger.Int("upstream_status", status))
	}

	if collaborators.IsPermanent(stageErr) || at.number >= c.cfg.MaxAttempts {
		failed, err := c.jobs.Fail(ctx, at.job.ID, domain.JobRunning, at.number, msg)
		if err != nil {
			return err
		}
		if !failed {
			log.Warn("lease lost before failing job")
			c.telemetry.RecordOutcome(telemetry.OutcomeLeaseLost)
			return nil
		}
		if _, err = c.content.TransitionStatus(ctx, at.content.ID, domain.StatusProcessing, domain.StatusFailed); err != nil {
			return err
		}
		log.Warn("processing failed", logger.Bool("permanent", collaborators.IsPermanent(stageErr)))
		c.telemetry.RecordOutcome(telemetry.OutcomeFailed)
		return nil
	}

	delay := c.policy.Backoff(at.number)
	scheduled, err := c.jobs.ScheduleRetry(ctx, at.job.ID, at.number, msg, c.now().Add(delay))
	if err != nil {
		return err
	}
	if !scheduled {
		log.Warn("lease lost before scheduling retry")
		c.telemetry.RecordOutcome(telemetry.OutcomeLeaseLost)
		return nil
	}
	c.publishAfter(ctx, at.job, delay)

	log.Info("processing retry scheduled", logger.Duration("backoff", delay))
	c.telemetry.RecordOutcome(telemetry.OutcomeRetrying)
	c.telemetry.RecordRetry()
	return nil
}

// bookkeepingContext detaches from the attempt's cancellation so that the
// outcome of finished work is still recorded.
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}
