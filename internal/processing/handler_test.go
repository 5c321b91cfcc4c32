package processing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/processing"
	"github.com/jonesrussell/curator/internal/queue"
	"github.com/jonesrussell/curator/internal/telemetry"
)

func fastRetries(maxAttempts int) processing.Config {
	return processing.Config{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
}

func enqueued(t *testing.T, h *harness, contentID string) *domain.ProcessingJob {
	t.Helper()
	h.store.addContent(contentID, domain.StatusPending)
	job, err := h.coord.Enqueue(context.Background(), contentID)
	require.NoError(t, err)
	return job
}

func TestHandle_Success(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	job := enqueued(t, h, "c1")
	h.store.savers["c1"] = []string{"u1", "u2"}

	require.NoError(t, h.deliver(t, job.ID))

	rec, err := h.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, rec.Status)
	require.NotNil(t, rec.Category)
	assert.Equal(t, domain.CategoryFood, *rec.Category)
	assert.Equal(t, "Title: Pastel de nata\nCaption: Best in Lisbon", *rec.ContentText)
	assert.Equal(t, "shared:c1", *rec.EmbeddingID)

	got := h.store.job(job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, domain.Stages, h.store.stages)

	clusterMsgs := h.pub.on(queue.StreamCluster)
	require.Len(t, clusterMsgs, 2)
	assert.Equal(t, "u1", clusterMsgs[0].Job.UserID)
	assert.Equal(t, "Food", clusterMsgs[0].Job.Category)
	assert.InDelta(t, 1, testutil.ToFloat64(h.tp.Metrics.ProcessingOutcomes.WithLabelValues(telemetry.OutcomeReady)), 0)
}

func TestHandle_DuplicateDeliveryAfterCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	job := enqueued(t, h, "c1")

	require.NoError(t, h.deliver(t, job.ID))
	require.NoError(t, h.deliver(t, job.ID))
	require.NoError(t, h.deliver(t, job.ID))

	assert.Equal(t, int32(1), h.stages.calls.Load())
	assert.Equal(t, 1, h.store.completions)
}

func TestHandle_ConcurrentDuplicatesRunOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	job := enqueued(t, h, "c1")
	h.stages.block = make(chan struct{})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.deliver(t, job.ID))
		}()
	}
	require.Eventually(t, func() bool { return h.stages.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(h.stages.block)
	wg.Wait()

	assert.Equal(t, int32(1), h.stages.calls.Load())
	assert.Equal(t, 1, h.store.completions)
	assert.Equal(t, 1, h.store.job(job.ID).Attempts)
}

func TestHandle_TransientFailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{InitialBackoff: 3 * time.Second, MaxBackoff: time.Minute})
	job := enqueued(t, h, "c1")
	h.stages.fetchErr = errTransient

	require.NoError(t, h.deliver(t, job.ID))

	got := h.store.job(job.ID)
	assert.Equal(t, domain.JobRetrying, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "fetch")
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, domain.StatusProcessing, h.store.contentStatus("c1"))

	msgs := h.pub.on(queue.StreamProcess)
	require.Len(t, msgs, 2)
	assert.Equal(t, 3*time.Second, msgs[1].Delay)
}

func TestHandle_RetryThenSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetries(5))
	job := enqueued(t, h, "c1")
	h.stages.classifyErr = errTransient

	require.NoError(t, h.deliver(t, job.ID))
	require.Equal(t, domain.JobRetrying, h.store.job(job.ID).Status)

	h.stages.classifyErr = nil
	require.NoError(t, h.deliver(t, job.ID))

	got := h.store.job(job.ID)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.LastError)
	assert.Equal(t, domain.StatusReady, h.store.contentStatus("c1"))
}

func TestHandle_PermanentFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	job := enqueued(t, h, "c1")
	h.stages.fetchErr = errPermanent

	require.NoError(t, h.deliver(t, job.ID))

	got := h.store.job(job.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "upstream 404")
	assert.Equal(t, domain.StatusFailed, h.store.contentStatus("c1"))
	assert.Len(t, h.pub.all(), 1, "no retry message")
}

func TestHandle_LostContentFailWriteIsRepaired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	job := enqueued(t, h, "c1")
	h.stages.fetchErr = errPermanent
	h.store.failNextSwap(domain.StatusFailed, errors.New("connection reset"))

	require.Error(t, h.deliver(t, job.ID))
	require.Equal(t, domain.JobFailed, h.store.job(job.ID).Status)
	require.Equal(t, domain.StatusProcessing, h.store.contentStatus("c1"))

	require.NoError(t, h.deliver(t, job.ID))
	assert.Equal(t, domain.StatusFailed, h.store.contentStatus("c1"))
	assert.InDelta(t, 1, testutil.ToFloat64(h.tp.Metrics.ProcessingOutcomes.WithLabelValues(telemetry.OutcomeFailed)), 0)

	_, err := h.coord.Resubmit(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, h.store.contentStatus("c1"))
}

func TestHandle_ResubmitAfterPermanentFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	job := enqueued(t, h, "c1")
	h.store.savers["c1"] = []string{"u1"}
	h.stages.embedErr = errPermanent

	require.NoError(t, h.deliver(t, job.ID))
	require.Equal(t, domain.StatusFailed, h.store.contentStatus("c1"))
	require.Empty(t, h.pub.on(queue.StreamCluster))

	h.stages.embedErr = nil
	h.stages.category = "Travel"
	next, err := h.coord.Resubmit(context.Background(), "c1")
	require.NoError(t, err)
	require.NotEqual(t, job.ID, next.ID)
	require.NoError(t, h.deliver(t, next.ID))

	rec, err := h.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, rec.Status)
	require.NotNil(t, rec.Category)
	assert.Equal(t, domain.CategoryTravel, *rec.Category)
	assert.Equal(t, domain.JobFailed, h.store.job(job.ID).Status)
	assert.Equal(t, domain.JobCompleted, h.store.job(next.ID).Status)

	clusterMsgs := h.pub.on(queue.StreamCluster)
	require.Len(t, clusterMsgs, 1)
	assert.Equal(t, "Travel", clusterMsgs[0].Job.Category)
}

func TestHandle_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fastRetries(2))
	job := enqueued(t, h, "c1")
	h.stages.embedErr = errTransient

	require.NoError(t, h.deliver(t, job.ID))
	require.Equal(t, domain.JobRetrying, h.store.job(job.ID).Status)
	require.NoError(t, h.deliver(t, job.ID))

	got := h.store.job(job.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, domain.StatusFailed, h.store.contentStatus("c1"))
}

func TestHandle_ContextTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{StageTimeout: 10 * time.Millisecond, LeaseTimeout: time.Minute})
	job := enqueued(t, h, "c1")
	h.stages.block = make(chan struct{})
	defer close(h.stages.block)

	require.NoError(t, h.deliver(t, job.ID))

	assert.Equal(t, domain.JobRetrying, h.store.job(job.ID).Status)
	assert.Equal(t, domain.StatusProcessing, h.store.contentStatus("c1"))
}

func TestHandle_InvalidCategoryFallsBackToMisc(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	job := enqueued(t, h, "c1")
	h.stages.category = "Gardening"

	require.NoError(t, h.deliver(t, job.ID))

	rec, err := h.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, rec.Category)
	assert.Equal(t, domain.CategoryMisc, *rec.Category)
	assert.InDelta(t, 1, testutil.ToFloat64(h.tp.Metrics.CategoryFallbacks), 0)
}

func TestHandle_LeaseLostStopsWithoutWrites(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	job := enqueued(t, h, "c1")
	h.store.loseLeaseAt = domain.StageClassify

	require.NoError(t, h.deliver(t, job.ID))

	assert.Equal(t, domain.JobRunning, h.store.job(job.ID).Status)
	assert.Equal(t, domain.StatusProcessing, h.store.contentStatus("c1"))
	assert.Equal(t, 0, h.store.completions)
	assert.Equal(t, []domain.Stage{domain.StageFetch, domain.StageEnrich}, h.store.stages)
}

func TestHandle_UnknownJobIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	require.NoError(t, h.deliver(t, "missing"))
}

func TestHandle_EarlyRetryIsDeferred(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{InitialBackoff: time.Hour, MaxBackoff: time.Hour, LeaseTimeout: 2 * time.Hour})
	job := enqueued(t, h, "c1")
	h.stages.fetchErr = errTransient

	require.NoError(t, h.deliver(t, job.ID))
	require.NoError(t, h.deliver(t, job.ID))

	got := h.store.job(job.ID)
	assert.Equal(t, domain.JobRetrying, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, int32(1), h.stages.calls.Load())

	msgs := h.pub.on(queue.StreamProcess)
	require.Len(t, msgs, 3)
	assert.Greater(t, msgs[2].Delay, 50*time.Minute)
}

func TestHandle_RecoversClaimInterruptedAfterContentCAS(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	job := enqueued(t, h, "c1")
	ok, err := h.store.TransitionStatus(context.Background(), "c1", domain.StatusPending, domain.StatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.deliver(t, job.ID))

	assert.Equal(t, domain.JobCompleted, h.store.job(job.ID).Status)
	assert.Equal(t, domain.StatusReady, h.store.contentStatus("c1"))
}

func TestHandle_RetryingJobForReadyContentIsClosed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, processing.Config{})
	ctx := context.Background()
	job := enqueued(t, h, "c1")
	js := jobStore{h.store}

	ok, err := js.Claim(ctx, job.ID, domain.JobPending, 0)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = js.ScheduleRetry(ctx, job.ID, 1, "lease expired", time.Now())
	require.NoError(t, err)
	_, err = h.store.TransitionStatus(ctx, "c1", domain.StatusPending, domain.StatusProcessing)
	require.NoError(t, err)
	_, err = h.store.CompleteProcessing(ctx, "c1", domain.Analysis{Category: domain.CategoryFood})
	require.NoError(t, err)

	require.NoError(t, h.deliver(t, job.ID))

	assert.Equal(t, domain.JobCompleted, h.store.job(job.ID).Status)
	assert.Equal(t, int32(0), h.stages.calls.Load())
}

func TestContentText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Title: A\nDescription: C",
		processing.ContentText(domain.FetchedMetadata{Title: " A ", Description: "C"}, "https://x"))
	assert.Equal(t, "URL: https://x", processing.ContentText(domain.FetchedMetadata{}, "https://x"))
}
