package processing_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/curator/internal/collaborators"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/queue"
)

// memStore is an in-memory content registry and job store with the same
// compare-and-set semantics as the Postgres repositories.
type memStore struct {
	mu      sync.Mutex
	content map[string]*domain.ContentRecord
	jobs    map[string]*domain.ProcessingJob
	savers  map[string][]string
	nextID  int
	// unscheduled marks content old enough for the unscheduled sweep.
	unscheduled map[string]bool

	completions int
	stages      []domain.Stage
	// loseLeaseAt makes AdvanceStage refuse the given stage once.
	loseLeaseAt domain.Stage
	// swapErr fails the next content transition into swapErrTo.
	swapErr   error
	swapErrTo domain.Status
}

func newMemStore() *memStore {
	return &memStore{
		content: make(map[string]*domain.ContentRecord),
		jobs:    make(map[string]*domain.ProcessingJob),
		savers:  make(map[string][]string),

		unscheduled: make(map[string]bool),
	}
}

func (m *memStore) addContent(id string, status domain.Status) *domain.ContentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &domain.ContentRecord{ID: id, URL: "https://example.com/" + id, Platform: domain.PlatformUnknown, Status: status}
	m.content[id] = rec
	return rec
}

func (m *memStore) contentStatus(id string) domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content[id].Status
}

func (m *memStore) job(id string) domain.ProcessingJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) countJobs(kind domain.JobKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Kind == kind {
			n++
		}
	}
	return n
}

func (m *memStore) Get(_ context.Context, id string) (*domain.ContentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.content[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) TransitionStatus(_ context.Context, id string, from, to domain.Status) (bool, error) {
	if err := domain.ValidateStatusTransition(from, to); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.swapErr != nil && m.swapErrTo == to {
		err := m.swapErr
		m.swapErr = nil
		return false, err
	}
	rec, ok := m.content[id]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	return true, nil
}

// failNextSwap makes the next transition into to return err.
func (m *memStore) failNextSwap(to domain.Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swapErr, m.swapErrTo = err, to
}

func (m *memStore) CompleteProcessing(_ context.Context, id string, a domain.Analysis) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.content[id]
	if !ok || rec.Status != domain.StatusProcessing || rec.Category != nil {
		return false, nil
	}
	cat := a.Category
	rec.Status = domain.StatusReady
	rec.Category = &cat
	rec.ContentText = &a.ContentText
	rec.EmbeddingID = &a.EmbeddingID
	m.completions++
	return true, nil
}

func (m *memStore) newJob(kind domain.JobKind) *domain.ProcessingJob {
	m.nextID++
	job := &domain.ProcessingJob{
		ID:        "job-" + strconv.Itoa(m.nextID),
		Kind:      kind,
		Status:    domain.JobPending,
		UpdatedAt: time.Now(),
	}
	m.jobs[job.ID] = job
	return job
}

func (m *memStore) CreateProcess(_ context.Context, contentID string) (*domain.ProcessingJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Kind == domain.JobKindProcess && *j.ContentID == contentID && !j.Status.Terminal() {
			cp := *j
			return &cp, false, nil
		}
	}
	job := m.newJob(domain.JobKindProcess)
	job.ContentID = &contentID
	cp := *job
	return &cp, true, nil
}

func (m *memStore) CreateCluster(
	_ context.Context, userID string, category domain.Category,
) (*domain.ProcessingJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Kind == domain.JobKindCluster && j.Status == domain.JobPending &&
			*j.UserID == userID && *j.Category == category {
			cp := *j
			return &cp, false, nil
		}
	}
	job := m.newJob(domain.JobKindCluster)
	job.UserID = &userID
	job.Category = &category
	cp := *job
	return &cp, true, nil
}

func (m *memStore) GetJob(id string) (*domain.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) cas(id string, from domain.JobStatus, attempts int, apply func(*domain.ProcessingJob)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != from || j.Attempts != attempts {
		return false
	}
	apply(j)
	j.UpdatedAt = time.Now()
	return true
}

func (m *memStore) Claim(_ context.Context, id string, from domain.JobStatus, attempts int) (bool, error) {
	return m.cas(id, from, attempts, func(j *domain.ProcessingJob) {
		j.Status = domain.JobRunning
		j.Attempts++
		j.Stage = nil
		j.NextAttemptAt = nil
	}), nil
}

func (m *memStore) AdvanceStage(_ context.Context, id string, attempt int, stage domain.Stage) (bool, error) {
	m.mu.Lock()
	if m.loseLeaseAt == stage {
		m.loseLeaseAt = ""
		m.mu.Unlock()
		return false, nil
	}
	m.stages = append(m.stages, stage)
	m.mu.Unlock()
	return m.cas(id, domain.JobRunning, attempt, func(j *domain.ProcessingJob) { j.Stage = &stage }), nil
}

func (m *memStore) ScheduleRetry(_ context.Context, id string, attempt int, lastErr string, at time.Time) (bool, error) {
	return m.cas(id, domain.JobRunning, attempt, func(j *domain.ProcessingJob) {
		j.Status = domain.JobRetrying
		j.LastError = &lastErr
		j.NextAttemptAt = &at
	}), nil
}

func (m *memStore) Complete(_ context.Context, id string, attempt int) (bool, error) {
	return m.cas(id, domain.JobRunning, attempt, func(j *domain.ProcessingJob) {
		j.Status = domain.JobCompleted
		j.LastError = nil
	}), nil
}

func (m *memStore) Fail(_ context.Context, id string, from domain.JobStatus, attempt int, lastErr string) (bool, error) {
	return m.cas(id, from, attempt, func(j *domain.ProcessingJob) {
		j.Status = domain.JobFailed
		j.LastError = &lastErr
	}), nil
}

func (m *memStore) ReclaimStale(_ context.Context, lease time.Duration) ([]domain.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProcessingJob
	for _, j := range m.jobs {
		if j.Status == domain.JobRunning && time.Since(j.UpdatedAt) > lease {
			msg := "lease expired"
			now := time.Now()
			j.Status = domain.JobRetrying
			j.LastError = &msg
			j.NextAttemptAt = &now
			j.UpdatedAt = now
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memStore) ListOrphaned(_ context.Context, grace time.Duration, limit int) ([]domain.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProcessingJob
	for _, j := range m.jobs {
		due := j.UpdatedAt
		if j.NextAttemptAt != nil {
			due = *j.NextAttemptAt
		}
		if (j.Status == domain.JobPending || j.Status == domain.JobRetrying) && time.Since(due) > grace {
			out = append(out, *j)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListUnscheduled(_ context.Context, _ time.Duration, _ int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rec := range m.content {
		if rec.Status == domain.StatusPending && m.unscheduled[id] && !m.hasLiveJob(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) hasLiveJob(contentID string) bool {
	for _, j := range m.jobs {
		if j.Kind == domain.JobKindProcess && *j.ContentID == contentID && !j.Status.Terminal() {
			return true
		}
	}
	return false
}

func (m *memStore) FailStranded(_ context.Context, contentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.content[contentID]
	if !ok || rec.Status != domain.StatusProcessing || m.hasLiveJob(contentID) {
		return false, nil
	}
	rec.Status = domain.StatusFailed
	return true, nil
}

func (m *memStore) SweepStranded(_ context.Context, _ time.Duration, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rec := range m.content {
		if len(out) == limit {
			break
		}
		if rec.Status == domain.StatusProcessing && !m.hasLiveJob(id) {
			rec.Status = domain.StatusFailed
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) UserIDsForContent(_ context.Context, contentID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.savers[contentID]...), nil
}

func (m *memStore) ageJob(id string, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].UpdatedAt = m.jobs[id].UpdatedAt.Add(-by)
}

// jobStore adapts memStore's job lookup to the JobStore method name, which
// collides with the content store's Get.
type jobStore struct{ *memStore }

func (s jobStore) Get(_ context.Context, id string) (*domain.ProcessingJob, error) {
	return s.GetJob(id)
}

type published struct {
	Stream queue.Stream
	Job    queue.Job
	Delay  time.Duration
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Enqueue(_ context.Context, stream queue.Stream, job queue.Job) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.msgs = append(p.msgs, published{Stream: stream, Job: job})
	return strconv.Itoa(len(p.msgs)) + "-0", nil
}

func (p *fakePublisher) EnqueueAfter(_ context.Context, stream queue.Stream, job queue.Job, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{Stream: stream, Job: job, Delay: delay})
	return nil
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func (p *fakePublisher) on(stream queue.Stream) []published {
	var out []published
	for _, m := range p.all() {
		if m.Stream == stream {
			out = append(out, m)
		}
	}
	return out
}

// fakeStages implements all four collaborators. Each stage can be told to
// fail with a fixed error.
type fakeStages struct {
	fetchErr    error
	classifyErr error
	embedErr    error
	category    string
	calls       atomic.Int32
	block       chan struct{}
}

func (f *fakeStages) Fetch(ctx context.Context, _ string, _ domain.Platform) (*domain.FetchedMetadata, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &domain.FetchedMetadata{Title: "Pastel de nata", Caption: "Best in Lisbon"}, nil
}

func (f *fakeStages) Classify(_ context.Context, _ string) (*domain.Classification, error) {
	if f.classifyErr != nil {
		return nil, f.classifyErr
	}
	cat := f.category
	if cat == "" {
		cat = "Food"
	}
	return &domain.Classification{Category: cat, Topic: "pastry", Locations: []string{"Lisbon"}, Intent: "try"}, nil
}

func (f *fakeStages) Embed(_ context.Context, _ string) ([]float64, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return []float64{0.1, 0.2, 0.3}, nil
}

func (f *fakeStages) Put(_ context.Context, contentID string, _ []float64) (string, error) {
	return "shared:" + contentID, nil
}

var (
	errTransient = collaborators.Transient(errors.New("upstream 503"))
	errPermanent = collaborators.Permanent(errors.New("upstream 404"))
)
