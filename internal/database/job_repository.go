package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/curator/internal/domain"
)

var jobFields = []string{
	"id", "job_type", "status", "shared_content_id", "user_id", "content_category",
	"attempts", "stage", "last_error", "next_attempt_at", "created_at", "updated_at",
}

var jobColumns = strings.Join(jobFields, ", ")

// leaseExpiredError is recorded on jobs reclaimed from dead workers.
const leaseExpiredError = "lease expired"

// JobRepository persists processing and clustering jobs. Every status change
// is a conditional update on (status, attempts) so that only the worker
// holding the current attempt can move a job forward.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateProcess records a PENDING processing job for the content. If the
// content already has a live job, that job is returned with created=false.
func (r *JobRepository) CreateProcess(ctx context.Context, contentID string) (*domain.ProcessingJob, bool, error) {
	var job domain.ProcessingJob
	err := r.db.GetContext(ctx, &job, `
		INSERT INTO processing_jobs (job_type, shared_content_id)
		VALUES ('process', $1)
		ON CONFLICT (shared_content_id)
			WHERE job_type = 'process' AND status IN ('PENDING', 'RUNNING', 'RETRYING')
		DO NOTHING
		RETURNING `+jobColumns, contentID)
	if err == nil {
		return &job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create process job: %w", err)
	}

	getErr := r.db.GetContext(ctx, &job, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE job_type = 'process' AND shared_content_id = $1
		  AND status IN ('PENDING', 'RUNNING', 'RETRYING')
	`, contentID)
	if getErr != nil {
		if errors.Is(getErr, sql.ErrNoRows) {
			return r.CreateProcess(ctx, contentID)
		}
		return nil, false, fmt.Errorf("failed to get live process job: %w", getErr)
	}
	return &job, false, nil
}

// CreateCluster records a PENDING recompute job for the partition. If one is
// already pending it is returned with created=false.
func (r *JobRepository) CreateCluster(
	ctx context.Context, userID string, category domain.Category,
) (*domain.ProcessingJob, bool, error) {
	var job domain.ProcessingJob
	err := r.db.GetContext(ctx, &job, `
		INSERT INTO processing_jobs (job_type, user_id, content_category)
		VALUES ('cluster', $1, $2)
		ON CONFLICT (user_id, content_category) WHERE job_type = 'cluster' AND status = 'PENDING'
		DO NOTHING
		RETURNING `+jobColumns, userID, category)
	if err == nil {
		return &job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create cluster job: %w", err)
	}

	getErr := r.db.GetContext(ctx, &job, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE job_type = 'cluster' AND user_id = $1 AND content_category = $2 AND status = 'PENDING'
	`, userID, category)
	if getErr != nil {
		if errors.Is(getErr, sql.ErrNoRows) {
			// The pending job was claimed between the two statements; a new
			// one can now be inserted.
			return r.CreateCluster(ctx, userID, category)
		}
		return nil, false, fmt.Errorf("failed to get pending cluster job: %w", getErr)
	}
	return &job, false, nil
}

// Get returns a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (*domain.ProcessingJob, error) {
	var job domain.ProcessingJob
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// LatestForContent returns the most recent processing job for the content.
func (r *JobRepository) LatestForContent(ctx context.Context, contentID string) (*domain.ProcessingJob, error) {
	var job domain.ProcessingJob
	err := r.db.GetContext(ctx, &job, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE shared_content_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, contentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	return &job, nil
}

// Claim starts the next attempt: from→RUNNING with attempts+1, only if the
// job is still in from with the given attempt count.
func (r *JobRepository) Claim(ctx context.Context, id string, from domain.JobStatus, attempts int) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs SET
			status = 'RUNNING',
			attempts = attempts + 1,
			stage = NULL,
			next_attempt_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND attempts = $3
	`, id, from, attempts)
	ok, casErr := casApplied(result, err)
	if casErr != nil {
		return false, fmt.Errorf("failed to claim job: %w", casErr)
	}
	return ok, nil
}

// AdvanceStage records the stage the running attempt is entering. It also
// renews the lease that ReclaimStale measures.
func (r *JobRepository) AdvanceStage(ctx context.Context, id string, attempt int, stage domain.Stage) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs SET stage = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND attempts = $2
	`, id, attempt, stage)
	ok, casErr := casApplied(result, err)
	if casErr != nil {
		return false, fmt.Errorf("failed to advance job stage: %w", casErr)
	}
	return ok, nil
}

// Heartbeat renews the lease of a running attempt.
func (r *JobRepository) Heartbeat(ctx context.Context, id string, attempt int) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs SET updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND attempts = $2
	`, id, attempt)
	ok, casErr := casApplied(result, err)
	if casErr != nil {
		return false, fmt.Errorf("failed to renew job lease: %w", casErr)
	}
	return ok, nil
}

// ScheduleRetry parks the running attempt as RETRYING until at.
func (r *JobRepository) ScheduleRetry(
	ctx context.Context, id string, attempt int, lastErr string, at time.Time,
) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs SET
			status = 'RETRYING',
			last_error = $3,
			next_attempt_at = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND attempts = $2
	`, id, attempt, lastErr, at)
	ok, casErr := casApplied(result, err)
	if casErr != nil {
		return false, fmt.Errorf("failed to schedule job retry: %w", casErr)
	}
	return ok, nil
}

// Complete marks the running attempt COMPLETED.
func (r *JobRepository) Complete(ctx context.Context, id string, attempt int) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs SET status = 'COMPLETED', last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND attempts = $2
	`, id, attempt)
	ok, casErr := casApplied(result, err)
	if casErr != nil {
		return false, fmt.Errorf("failed to complete job: %w", casErr)
	}
	return ok, nil
}

// Fail marks the job FAILED with lastErr, only if it is still in from with
// the given attempt count.
func (r *JobRepository) Fail(
	ctx context.Context, id string, from domain.JobStatus, attempt int, lastErr string,
) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs SET
			status = 'FAILED',
			last_error = $4,
			next_attempt_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND attempts = $3
	`, id, from, attempt, lastErr)
	ok, casErr := casApplied(result, err)
	if casErr != nil {
		return false, fmt.Errorf("failed to fail job: %w", casErr)
	}
	return ok, nil
}

// ReclaimStale moves RUNNING jobs whose lease is older than the timeout to
// RETRYING and returns them. Rows locked by a concurrent reclaim are skipped.
func (r *JobRepository) ReclaimStale(ctx context.Context, lease time.Duration) ([]domain.ProcessingJob, error) {
	jobs := make([]domain.ProcessingJob, 0)
	err := r.db.SelectContext(ctx, &jobs, `
		UPDATE processing_jobs SET
			status = 'RETRYING',
			last_error = $2,
			next_attempt_at = NOW(),
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM processing_jobs
			WHERE status = 'RUNNING' AND updated_at < NOW() - make_interval(secs => $1)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, lease.Seconds(), leaseExpiredError)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	return jobs, nil
}

// ListOrphaned returns PENDING and RETRYING jobs that should have been
// delivered more than grace ago, for example because an enqueue was lost
// after the job row committed.
func (r *JobRepository) ListOrphaned(ctx context.Context, grace time.Duration, limit int) ([]domain.ProcessingJob, error) {
	jobs := make([]domain.ProcessingJob, 0)
	err := r.db.SelectContext(ctx, &jobs, `
		SELECT `+jobColumns+` FROM processing_jobs
		WHERE status IN ('PENDING', 'RETRYING')
		  AND COALESCE(next_attempt_at, updated_at) < NOW() - make_interval(secs => $1)
		ORDER BY updated_at
		LIMIT $2
	`, grace.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned jobs: %w", err)
	}
	return jobs, nil
}

// ListUnscheduled returns ids of PENDING content that has had no live
// processing job for longer than grace, for example because the job insert
// failed after the record was created.
func (r *JobRepository) ListUnscheduled(ctx context.Context, grace time.Duration, limit int) ([]string, error) {
	ids := make([]string, 0)
	err := r.db.SelectContext(ctx, &ids, `
		SELECT c.id FROM shared_content c
		WHERE c.status = 'PENDING'
		  AND c.updated_at < NOW() - make_interval(secs => $1)
		  AND NOT EXISTS (`+liveProcessJob+`)
		ORDER BY c.updated_at
		LIMIT $2
	`, grace.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unscheduled content: %w", err)
	}
	return ids, nil
}

// liveProcessJob matches a non-terminal process job for the content row c.
const liveProcessJob = `
	SELECT 1 FROM processing_jobs j
	WHERE j.shared_content_id = c.id
	  AND j.job_type = 'process'
	  AND j.status IN ('PENDING', 'RUNNING', 'RETRYING')`

// FailStranded moves content that is PROCESSING without a live process job
// to FAILED. This happens when a job was failed but the content write after
// it was lost.
func (r *JobRepository) FailStranded(ctx context.Context, contentID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE shared_content c SET status = 'FAILED', updated_at = NOW()
		WHERE c.id = $1 AND c.status = 'PROCESSING'
		  AND NOT EXISTS (`+liveProcessJob+`)
	`, contentID)
	ok, casErr := casApplied(result, err)
	if casErr != nil {
		return false, fmt.Errorf("failed to fail stranded content: %w", casErr)
	}
	return ok, nil
}

// SweepStranded applies FailStranded to up to limit records that have been
// idle for longer than grace and returns their ids.
func (r *JobRepository) SweepStranded(ctx context.Context, grace time.Duration, limit int) ([]string, error) {
	ids := make([]string, 0)
	err := r.db.SelectContext(ctx, &ids, `
		UPDATE shared_content SET status = 'FAILED', updated_at = NOW()
		WHERE id IN (
			SELECT c.id FROM shared_content c
			WHERE c.status = 'PROCESSING'
			  AND c.updated_at < NOW() - make_interval(secs => $1)
			  AND NOT EXISTS (`+liveProcessJob+`)
			ORDER BY c.updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'PROCESSING'
		RETURNING id
	`, grace.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stranded content: %w", err)
	}
	return ids, nil
}
