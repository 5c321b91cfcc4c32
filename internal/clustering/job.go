package clustering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/coordination"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/queue"
	"github.com/jonesrussell/curator/internal/telemetry"
)

const (
	settleTimeout      = 10 * time.Second
	earlyDeliverySlack = time.Second
)

var errNotClaimed = errors.New("cluster job already claimed")

// HandleJob runs one delivery of a cluster job. Duplicate and early
// deliveries are absorbed; a failed recompute is retried with backoff until
// the attempt ceiling. A returned error asks the transport to redeliver.
func (e *Engine) HandleJob(ctx context.Context, msg *queue.Message) error {
	if e.jobs == nil || e.publisher == nil {
		return errors.New("clustering: job store and publisher are required to handle jobs")
	}
	log := e.log.With(logger.String("job_id", msg.Job.JobID), logger.String("message_id", msg.ID))

	job, err := e.jobs.Get(ctx, msg.Job.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("dropping message for unknown job")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Kind != domain.JobKindCluster || job.UserID == nil || job.Category == nil {
		log.Warn("dropping non-cluster job from cluster stream", logger.String("kind", string(job.Kind)))
		return nil
	}
	key := domain.PartitionKey{UserID: *job.UserID, Category: *job.Category}
	log = log.With(logger.String("partition", key.String()))

	if job.Status.Terminal() || job.Status == domain.JobRunning {
		log.Debug("duplicate delivery", logger.String("status", string(job.Status)))
		return nil
	}
	if job.Status == domain.JobRetrying {
		if job.Attempts >= e.cfg.MaxAttempts {
			return e.exhaust(ctx, job, log)
		}
		if job.NextAttemptAt != nil {
			if wait := job.NextAttemptAt.Sub(e.now()); wait > earlyDeliverySlack {
				e.redeliver(ctx, job, wait, log)
				return nil
			}
		}
	}

	claimed := false
	number := job.Attempts + 1
	err = e.lock.Run(ctx, key, job.ID, func(ctx context.Context) error {
		ok, claimErr := e.jobs.Claim(ctx, job.ID, job.Status, job.Attempts)
		if claimErr != nil {
			return claimErr
		}
		if !ok {
			return errNotClaimed
		}
		claimed = true
		done := make(chan struct{})
		defer close(done)
		go e.heartbeat(ctx, job.ID, number, done, log)
		_, runErr := e.recompute(ctx, key)
		return runErr
	})

	if !claimed {
		switch {
		case err == nil, errors.Is(err, errNotClaimed):
			log.Debug("duplicate delivery")
			return nil
		case errors.Is(err, coordination.ErrLockNotAcquired):
			// Another run holds the partition. The job stays as it is and
			// comes back after a pause.
			e.telemetry.RecordLockContention()
			e.telemetry.RecordClustering(telemetry.ClusterOutcomeContended, 0, 0)
			log.Info("partition busy, deferring cluster job")
			e.redeliver(ctx, job, e.policy.Backoff(number), log)
			return nil
		default:
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err != nil {
		return e.settleFailure(sctx, job, number, err, log)
	}
	done, err := e.jobs.Complete(sctx, job.ID, number)
	if err != nil {
		return err
	}
	if !done {
		log.Warn("cluster job lease lost before completion")
	}
	return nil
}

// heartbeat renews the job lease measured by the stale-job sweep until done
// closes.
func (e *Engine) heartbeat(ctx context.Context, id string, attempt int, done <-chan struct{}, log logger.Logger) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.jobs.Heartbeat(ctx, id, attempt)
			if err != nil {
				log.Warn("renew cluster job lease failed", logger.Error(err))
				continue
			}
			if !ok {
				log.Warn("cluster job lease lost during recompute")
				return
			}
		}
	}
}

func (e *Engine) settleFailure(
	ctx context.Context, job *domain.ProcessingJob, number int, runErr error, log logger.Logger,
) error {
	msg := runErr.Error()
	log = log.With(logger.Int("attempt", number), logger.Error(runErr))

	if number >= e.cfg.MaxAttempts {
		failed, err := e.jobs.Fail(ctx, job.ID, domain.JobRunning, number, msg)
		if err != nil {
			return err
		}
		if failed {
			log.Error("cluster job failed permanently")
		}
		return nil
	}

	delay := e.policy.Backoff(number)
	scheduled, err := e.jobs.ScheduleRetry(ctx, job.ID, number, msg, e.now().Add(delay))
	if err != nil {
		return err
	}
	if !scheduled {
		log.Warn("cluster job lease lost before retry")
		return nil
	}
	log.Warn("cluster recompute failed, retry scheduled", logger.Duration("delay", delay))
	retried := *job
	retried.Status = domain.JobRetrying
	retried.Attempts = number
	e.redeliver(ctx, &retried, delay, log)
	return nil
}

func (e *Engine) exhaust(ctx context.Context, job *domain.ProcessingJob, log logger.Logger) error {
	msg := "attempts exhausted"
	if job.LastError != nil {
		msg = *job.LastError
	}
	failed, err := e.jobs.Fail(ctx, job.ID, domain.JobRetrying, job.Attempts, msg)
	if err != nil {
		return fmt.Errorf("fail exhausted cluster job: %w", err)
	}
	if failed {
		log.Error("cluster job attempts exhausted", logger.Int("attempts", job.Attempts))
	}
	return nil
}

// redeliver publishes the job to the delayed set. A failure is left to the
// orphan sweep.
func (e *Engine) redeliver(ctx context.Context, job *domain.ProcessingJob, delay time.Duration, log logger.Logger) {
	stream, payload := queue.JobFor(job)
	if err := e.publisher.EnqueueAfter(ctx, stream, payload, delay); err != nil {
		log.Warn("schedule cluster redelivery failed", logger.Error(err))
	}
}
