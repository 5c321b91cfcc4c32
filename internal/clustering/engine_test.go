package clustering

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/coordination"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/queue"
	"github.com/jonesrussell/curator/internal/telemetry"
)

var errStore = errors.New("store unavailable")

type fakeSource struct {
	items map[domain.PartitionKey][]domain.PartitionItem
	calls []domain.PartitionKey
}

func (s *fakeSource) ListPartition(_ context.Context, userID string, category domain.Category) ([]domain.PartitionItem, error) {
	key := domain.PartitionKey{UserID: userID, Category: category}
	s.calls = append(s.calls, key)
	return s.items[key], nil
}

type fakeVectors map[string][]float64

func (v fakeVectors) Lookup(_ context.Context, ids []string) (map[string][]float64, error) {
	out := make(map[string][]float64)
	for _, id := range ids {
		if vec, ok := v[id]; ok {
			out[id] = vec
		}
	}
	return out, nil
}

type labelFunc func(domain.Category, []domain.ItemSummary) (domain.ClusterLabel, error)

func (f labelFunc) Label(_ context.Context, c domain.Category, items []domain.ItemSummary) (domain.ClusterLabel, error) {
	return f(c, items)
}

type fakeStore struct {
	err        error
	partitions map[domain.PartitionKey][]domain.NewCluster
	replaced   []domain.PartitionKey
}

func (s *fakeStore) ReplacePartition(_ context.Context, userID string, category domain.Category, clusters []domain.NewCluster) error {
	if s.err != nil {
		return s.err
	}
	key := domain.PartitionKey{UserID: userID, Category: category}
	s.replaced = append(s.replaced, key)
	s.partitions[key] = clusters
	return nil
}

type fakeLock struct {
	busy bool
	runs int
}

func (l *fakeLock) Run(ctx context.Context, _ domain.PartitionKey, _ string, fn func(context.Context) error) error {
	if l.busy {
		return coordination.ErrLockNotAcquired
	}
	l.runs++
	return fn(ctx)
}

type fakeJobs struct {
	mu    sync.Mutex
	jobs  map[string]*domain.ProcessingJob
	beats atomic.Int32
}

func (f *fakeJobs) Get(_ context.Context, id string) (*domain.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) Claim(_ context.Context, id string, from domain.JobStatus, attempts int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j.Status != from || j.Attempts != attempts {
		return false, nil
	}
	j.Status = domain.JobRunning
	j.Attempts++
	return true, nil
}

func (f *fakeJobs) Complete(_ context.Context, id string, attempt int) (bool, error) {
	return f.move(id, domain.JobRunning, attempt, domain.JobCompleted, nil, nil), nil
}

func (f *fakeJobs) ScheduleRetry(_ context.Context, id string, attempt int, lastErr string, at time.Time) (bool, error) {
	return f.move(id, domain.JobRunning, attempt, domain.JobRetrying, &lastErr, &at), nil
}

func (f *fakeJobs) Fail(_ context.Context, id string, from domain.JobStatus, attempt int, lastErr string) (bool, error) {
	return f.move(id, from, attempt, domain.JobFailed, &lastErr, nil), nil
}

func (f *fakeJobs) Heartbeat(_ context.Context, id string, attempt int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j == nil || j.Status != domain.JobRunning || j.Attempts != attempt {
		return false, nil
	}
	f.beats.Add(1)
	return true, nil
}

func (f *fakeJobs) move(id string, from domain.JobStatus, attempt int, to domain.JobStatus, lastErr *string, at *time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	if j == nil || j.Status != from || j.Attempts != attempt {
		return false
	}
	j.Status, j.LastError, j.NextAttemptAt = to, lastErr, at
	return true
}

type delayed struct {
	stream queue.Stream
	job    queue.Job
	delay  time.Duration
}

type fakePublisher struct {
	sent []delayed
}

func (p *fakePublisher) EnqueueAfter(_ context.Context, stream queue.Stream, job queue.Job, delay time.Duration) error {
	p.sent = append(p.sent, delayed{stream: stream, job: job, delay: delay})
	return nil
}

type harness struct {
	engine    *Engine
	source    *fakeSource
	vectors   fakeVectors
	store     *fakeStore
	lock      *fakeLock
	jobs      *fakeJobs
	publisher *fakePublisher
}

func newHarness(t *testing.T, cfg Config, labeler Labeler) *harness {
	t.Helper()

	h := &harness{
		source:    &fakeSource{items: make(map[domain.PartitionKey][]domain.PartitionItem)},
		vectors:   fakeVectors{},
		store:     &fakeStore{partitions: make(map[domain.PartitionKey][]domain.NewCluster)},
		lock:      &fakeLock{},
		jobs:      &fakeJobs{jobs: make(map[string]*domain.ProcessingJob)},
		publisher: &fakePublisher{},
	}
	engine, err := NewEngine(Deps{
		Saves:     h.source,
		Vectors:   h.vectors,
		Labeler:   labeler,
		Store:     h.store,
		Lock:      h.lock,
		Jobs:      h.jobs,
		Publisher: h.publisher,
	}, cfg, telemetry.NewNoopProvider(), logger.NewNop())
	require.NoError(t, err)
	h.engine = engine
	return h
}

func strPtr(s string) *string { return &s }

// add places a READY save in the partition with its embedding.
func (h *harness) add(key domain.PartitionKey, saveID, title string, vec []float64, locations ...string) {
	contentID := "c-" + saveID
	h.source.items[key] = append(h.source.items[key], domain.PartitionItem{
		SaveID:    saveID,
		ContentID: contentID,
		Title:     strPtr(title),
		Locations: locations,
	})
	if vec != nil {
		h.vectors[contentID] = vec
	}
}

func (h *harness) clusterJob(id string, key domain.PartitionKey, status domain.JobStatus, attempts int) {
	category := key.Category
	h.jobs.jobs[id] = &domain.ProcessingJob{
		ID:       id,
		Kind:     domain.JobKindCluster,
		Status:   status,
		UserID:   strPtr(key.UserID),
		Category: &category,
		Attempts: attempts,
	}
}

func titleLabeler() Labeler {
	return labelFunc(func(_ domain.Category, items []domain.ItemSummary) (domain.ClusterLabel, error) {
		return domain.ClusterLabel{Label: "About " + items[0].Title, Description: "d"}, nil
	})
}

var travel = domain.PartitionKey{UserID: "u1", Category: domain.CategoryTravel}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(Deps{}, Config{}, nil, logger.NewNop())
	require.Error(t, err)
}

func TestRecomputePartition_GroupsThemes(t *testing.T) {
	h := newHarness(t, Config{}, titleLabeler())
	h.add(travel, "s1", "beach", []float64{1, 0, 0})
	h.add(travel, "s2", "alps", []float64{0, 1, 0})
	h.add(travel, "s3", "coast", []float64{0.95, 0.05, 0})
	h.add(travel, "s4", "peaks", []float64{0, 0.95, 0.05})

	res, err := h.engine.RecomputePartition(t.Context(), travel.UserID, travel.Category)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Items)
	assert.Zero(t, res.Unclustered)
	require.Len(t, res.Clusters, 2)
	assert.ElementsMatch(t, []string{"s1", "s3"}, res.Clusters[0].SaveIDs)
	assert.ElementsMatch(t, []string{"s2", "s4"}, res.Clusters[1].SaveIDs)
	assert.Equal(t, res.Clusters, h.store.partitions[travel])
	assert.Equal(t, 1, h.lock.runs)
}

func TestRecomputePartition_TooFewItemsClearsPartition(t *testing.T) {
	h := newHarness(t, Config{}, titleLabeler())
	h.store.partitions[travel] = []domain.NewCluster{{Label: "stale", SaveIDs: []string{"old"}}}
	h.add(travel, "s1", "beach", []float64{1, 0})

	res, err := h.engine.RecomputePartition(t.Context(), travel.UserID, travel.Category)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, 1, res.Unclustered)
	assert.Contains(t, h.store.partitions, travel)
	assert.Empty(t, h.store.partitions[travel])
}

func TestRecomputePartition_SkipsItemsWithoutEmbedding(t *testing.T) {
	h := newHarness(t, Config{}, titleLabeler())
	h.add(travel, "s1", "beach", []float64{1, 0})
	h.add(travel, "s2", "pending", nil)
	h.add(travel, "s3", "coast", []float64{0.9, 0.1})

	res, err := h.engine.RecomputePartition(t.Context(), travel.UserID, travel.Category)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Items)
	assert.Equal(t, 1, res.Missing)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, []string{"s1", "s3"}, res.Clusters[0].SaveIDs)
}

func TestRecomputePartition_DropsSmallClusters(t *testing.T) {
	h := newHarness(t, Config{}, titleLabeler())
	h.add(travel, "s1", "a", []float64{1, 0})
	h.add(travel, "s2", "b", []float64{0.99, 0.01})
	h.add(travel, "s3", "c", []float64{0.98, 0.02})
	h.add(travel, "s4", "d", []float64{0.97, 0.03})
	h.add(travel, "s5", "outlier", []float64{0, 1})

	res, err := h.engine.RecomputePartition(t.Context(), travel.UserID, travel.Category)
	require.NoError(t, err)

	require.Len(t, res.Clusters, 1)
	assert.Len(t, res.Clusters[0].SaveIDs, 4)
	assert.Equal(t, 1, res.Unclustered)
}

func TestRecomputePartition_LabelerFailureFallsBack(t *testing.T) {
	failing := labelFunc(func(domain.Category, []domain.ItemSummary) (domain.ClusterLabel, error) {
		return domain.ClusterLabel{}, errors.New("model unavailable")
	})
	h := newHarness(t, Config{}, failing)
	h.add(travel, "s1", "a", []float64{1, 0}, "Paris")
	h.add(travel, "s2", "b", []float64{0.9, 0.1}, "Paris", "Lyon")

	res, err := h.engine.RecomputePartition(t.Context(), travel.UserID, travel.Category)
	require.NoError(t, err)

	require.Len(t, res.Clusters, 1)
	assert.Equal(t, "Travel in Paris", res.Clusters[0].Label)
	assert.Equal(t, "Saved travel content related to Paris.", res.Clusters[0].Description)
}

func TestRecomputePartition_EmptyLabelFallsBack(t *testing.T) {
	blank := labelFunc(func(domain.Category, []domain.ItemSummary) (domain.ClusterLabel, error) {
		return domain.ClusterLabel{Label: "  "}, nil
	})
	h := newHarness(t, Config{}, blank)
	h.add(travel, "s1", "a", []float64{1, 0})
	h.add(travel, "s2", "b", []float64{0.9, 0.1})

	res, err := h.engine.RecomputePartition(t.Context(), travel.UserID, travel.Category)
	require.NoError(t, err)
	assert.Equal(t, "Travel Saves", res.Clusters[0].Label)
}

func TestRecomputePartition_OnlyTouchesItsPartition(t *testing.T) {
	h := newHarness(t, Config{}, titleLabeler())
	food := domain.PartitionKey{UserID: "u1", Category: domain.CategoryFood}
	other := domain.PartitionKey{UserID: "u2", Category: domain.CategoryTravel}
	h.store.partitions[food] = []domain.NewCluster{{Label: "keep"}}
	h.store.partitions[other] = []domain.NewCluster{{Label: "keep too"}}
	h.add(travel, "s1", "a", []float64{1, 0})
	h.add(travel, "s2", "b", []float64{0.9, 0.1})
	h.add(food, "f1", "pasta", []float64{1, 0})
	h.add(food, "f2", "pizza", []float64{0.9, 0.1})

	_, err := h.engine.RecomputePartition(t.Context(), travel.UserID, travel.Category)
	require.NoError(t, err)

	assert.Equal(t, []domain.PartitionKey{travel}, h.source.calls)
	assert.Equal(t, []domain.PartitionKey{travel}, h.store.replaced)
	assert.Equal(t, "keep", h.store.partitions[food][0].Label)
	assert.Equal(t, "keep too", h.store.partitions[other][0].Label)
}

func TestRecomputePartition_InvalidCategory(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	_, err := h.engine.RecomputePartition(t.Context(), "u1", domain.Category("Nope"))
	require.ErrorIs(t, err, domain.ErrInvalidCategory)
	assert.Zero(t, h.lock.runs)
}

func TestRecomputePartition_LockBusy(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.lock.busy = true

	_, err := h.engine.RecomputePartition(t.Context(), travel.UserID, travel.Category)
	require.ErrorIs(t, err, coordination.ErrLockNotAcquired)
	assert.Empty(t, h.store.replaced)
}

func message(jobID string) *queue.Message {
	return &queue.Message{ID: "1-0", Stream: queue.StreamCluster, Job: queue.Job{JobID: jobID}}
}

func TestHandleJob_CompletesJob(t *testing.T) {
	h := newHarness(t, Config{}, titleLabeler())
	h.add(travel, "s1", "a", []float64{1, 0})
	h.add(travel, "s2", "b", []float64{0.9, 0.1})
	h.clusterJob("j1", travel, domain.JobPending, 0)

	require.NoError(t, h.engine.HandleJob(t.Context(), message("j1")))

	job := h.jobs.jobs["j1"]
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Len(t, h.store.partitions[travel], 1)
	assert.Empty(t, h.publisher.sent)
}

func TestHandleJob_RenewsLeaseWhileRecomputing(t *testing.T) {
	h := newHarness(t, Config{HeartbeatInterval: 5 * time.Millisecond}, nil)
	h.engine.labeler = labelFunc(func(_ domain.Category, items []domain.ItemSummary) (domain.ClusterLabel, error) {
		assert.Eventually(t, func() bool { return h.jobs.beats.Load() >= 2 }, time.Second, time.Millisecond)
		return domain.ClusterLabel{Label: "About " + items[0].Title, Description: "d"}, nil
	})
	h.add(travel, "s1", "a", []float64{1, 0})
	h.add(travel, "s2", "b", []float64{0.9, 0.1})
	h.clusterJob("j1", travel, domain.JobPending, 0)

	require.NoError(t, h.engine.HandleJob(t.Context(), message("j1")))

	assert.Equal(t, domain.JobCompleted, h.jobs.jobs["j1"].Status)
	assert.GreaterOrEqual(t, h.jobs.beats.Load(), int32(2))
}

func TestHandleJob_DuplicateDeliveryIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, titleLabeler())
	h.clusterJob("j1", travel, domain.JobCompleted, 1)

	require.NoError(t, h.engine.HandleJob(t.Context(), message("j1")))
	assert.Zero(t, h.lock.runs)
	assert.Empty(t, h.store.replaced)
}

func TestHandleJob_UnknownJobDropped(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.engine.HandleJob(t.Context(), message("missing")))
}

func TestHandleJob_FailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, Config{InitialBackoff: 3 * time.Second}, titleLabeler())
	h.store.err = errStore
	h.add(travel, "s1", "a", []float64{1, 0})
	h.add(travel, "s2", "b", []float64{0.9, 0.1})
	h.clusterJob("j1", travel, domain.JobPending, 0)

	require.NoError(t, h.engine.HandleJob(t.Context(), message("j1")))

	job := h.jobs.jobs["j1"]
	assert.Equal(t, domain.JobRetrying, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "store unavailable")
	require.Len(t, h.publisher.sent, 1)
	assert.Equal(t, queue.StreamCluster, h.publisher.sent[0].stream)
	assert.Equal(t, "j1", h.publisher.sent[0].job.JobID)
	assert.Equal(t, 3*time.Second, h.publisher.sent[0].delay)
}

func TestHandleJob_FailsAtAttemptCeiling(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2}, titleLabeler())
	h.store.err = errStore
	h.add(travel, "s1", "a", []float64{1, 0})
	h.add(travel, "s2", "b", []float64{0.9, 0.1})
	h.clusterJob("j1", travel, domain.JobRetrying, 1)

	require.NoError(t, h.engine.HandleJob(t.Context(), message("j1")))

	job := h.jobs.jobs["j1"]
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Empty(t, h.publisher.sent)
}

func TestHandleJob_ExhaustedRetryFailsWithoutRunning(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2}, titleLabeler())
	h.clusterJob("j1", travel, domain.JobRetrying, 2)

	require.NoError(t, h.engine.HandleJob(t.Context(), message("j1")))

	assert.Equal(t, domain.JobFailed, h.jobs.jobs["j1"].Status)
	assert.Zero(t, h.lock.runs)
}

func TestHandleJob_ContentionDefersWithoutAttempt(t *testing.T) {
	h := newHarness(t, Config{}, titleLabeler())
	h.lock.busy = true
	h.clusterJob("j1", travel, domain.JobPending, 0)

	require.NoError(t, h.engine.HandleJob(t.Context(), message("j1")))

	job := h.jobs.jobs["j1"]
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Zero(t, job.Attempts)
	require.Len(t, h.publisher.sent, 1)
	assert.Positive(t, h.publisher.sent[0].delay)
}

func TestHandleJob_EarlyRetryDeferred(t *testing.T) {
	h := newHarness(t, Config{}, titleLabeler())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return now }
	h.clusterJob("j1", travel, domain.JobRetrying, 1)
	due := now.Add(time.Minute)
	h.jobs.jobs["j1"].NextAttemptAt = &due

	require.NoError(t, h.engine.HandleJob(t.Context(), message("j1")))

	assert.Zero(t, h.lock.runs)
	require.Len(t, h.publisher.sent, 1)
	assert.Equal(t, time.Minute, h.publisher.sent[0].delay)
}

func TestHandleJob_IgnoresProcessJobs(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.jobs.jobs["p1"] = &domain.ProcessingJob{ID: "p1", Kind: domain.JobKindProcess, Status: domain.JobPending, ContentID: strPtr("c1")}

	require.NoError(t, h.engine.HandleJob(t.Context(), message("p1")))
	assert.Zero(t, h.lock.runs)
}
