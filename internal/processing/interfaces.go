package processing

import (
	"context"
	"time"

	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/queue"
)

// Fetcher retrieves source metadata for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string, platform domain.Platform) (*domain.FetchedMetadata, error)
}

// Classifier assigns a category and descriptive fields to content text.
type Classifier interface {
	Classify(ctx context.Context, text string) (*domain.Classification, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// VectorStore persists a content vector and returns its embedding id.
type VectorStore interface {
	Put(ctx context.Context, contentID string, vec []float64) (string, error)
}

// ContentStore is the subset of the content registry the coordinator needs.
type ContentStore interface {
	Get(ctx context.Context, id string) (*domain.ContentRecord, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.Status) (bool, error)
	CompleteProcessing(ctx context.Context, id string, analysis domain.Analysis) (bool, error)
}

// JobStore persists job records. All mutations are compare-and-set on
// (status, attempts) and report whether they applied.
type JobStore interface {
	CreateProcess(ctx context.Context, contentID string) (*domain.ProcessingJob, bool, error)
	CreateCluster(ctx context.Context, userID string, category domain.Category) (*domain.ProcessingJob, bool, error)
	Get(ctx context.Context, id string) (*domain.ProcessingJob, error)
	Claim(ctx context.Context, id string, from domain.JobStatus, attempts int) (bool, error)
	AdvanceStage(ctx context.Context, id string, attempt int, stage domain.Stage) (bool, error)
	ScheduleRetry(ctx context.Context, id string, attempt int, lastErr string, at time.Time) (bool, error)
	Complete(ctx context.Context, id string, attempt int) (bool, error)
	Fail(ctx context.Context, id string, from domain.JobStatus, attempt int, lastErr string) (bool, error)
	ReclaimStale(ctx context.Context, lease time.Duration) ([]domain.ProcessingJob, error)
	ListOrphaned(ctx context.Context, grace time.Duration, limit int) ([]domain.ProcessingJob, error)
	ListUnscheduled(ctx context.Context, grace time.Duration, limit int) ([]string, error)
	FailStranded(ctx context.Context, contentID string) (bool, error)
	SweepStranded(ctx context.Context, grace time.Duration, limit int) ([]string, error)
}

// SaverLister finds the users who saved a piece of content.
type SaverLister interface {
	UserIDsForContent(ctx context.Context, contentID string) ([]string, error)
}

// Publisher delivers job messages to workers.
type Publisher interface {
	Enqueue(ctx context.Context, stream queue.Stream, job queue.Job) (string, error)
	EnqueueAfter(ctx context.Context, stream queue.Stream, job queue.Job, delay time.Duration) error
}
