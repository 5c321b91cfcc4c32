// Package clustering groups each user's ready saves into thematic clusters,
// one (user, category) partition at a time. A recompute always replaces the
// whole partition, and at most one recompute per partition runs at a time.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/infrastructure/retry"
	"github.com/jonesrussell/curator/internal/coordination"
	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/queue"
	"github.com/jonesrussell/curator/internal/telemetry"
)

// PartitionSource lists a partition's ready items in a stable order.
type PartitionSource interface {
	ListPartition(ctx context.Context, userID string, category domain.Category) ([]domain.PartitionItem, error)
}

// EmbeddingLookup returns stored vectors keyed by content id. Ids without a
// vector are absent from the map.
type EmbeddingLookup interface {
	Lookup(ctx context.Context, contentIDs []string) (map[string][]float64, error)
}

// Labeler names a cluster from a few representative items.
type Labeler interface {
	Label(ctx context.Context, category domain.Category, items []domain.ItemSummary) (domain.ClusterLabel, error)
}

// PartitionStore atomically replaces a partition's clusters.
type PartitionStore interface {
	ReplacePartition(ctx context.Context, userID string, category domain.Category, clusters []domain.NewCluster) error
}

// Locker serializes work per partition. Calls with the same runID share one
// execution.
type Locker interface {
	Run(ctx context.Context, key domain.PartitionKey, runID string, fn func(context.Context) error) error
}

// JobStore is the subset of job persistence used for cluster jobs.
type JobStore interface {
	Get(ctx context.Context, id string) (*domain.ProcessingJob, error)
	Claim(ctx context.Context, id string, from domain.JobStatus, attempts int) (bool, error)
	Complete(ctx context.Context, id string, attempt int) (bool, error)
	ScheduleRetry(ctx context.Context, id string, attempt int, lastErr string, at time.Time) (bool, error)
	Fail(ctx context.Context, id string, from domain.JobStatus, attempt int, lastErr string) (bool, error)
	Heartbeat(ctx context.Context, id string, attempt int) (bool, error)
}

// RetryPublisher schedules a delayed redelivery.
type RetryPublisher interface {
	EnqueueAfter(ctx context.Context, stream queue.Stream, job queue.Job, delay time.Duration) error
}

// Result summarizes one recompute.
type Result struct {
	Key domain.PartitionKey
	// Items is how many ready saves had an embedding.
	Items int
	// Missing is how many ready saves were left out for lack of an embedding.
	Missing     int
	Clusters    []domain.NewCluster
	Unclustered int
	// Skipped is set when there were too few items to cluster; the
	// partition was cleared.
	Skipped bool
}

// Engine recomputes partitions.
type Engine struct {
	saves     PartitionSource
	vectors   EmbeddingLookup
	labeler   Labeler
	store     PartitionStore
	lock      Locker
	jobs      JobStore
	publisher RetryPublisher
	cfg       Config
	policy    retry.Policy
	telemetry *telemetry.Provider
	log       logger.Logger
	now       func() time.Time
}

// Deps groups the engine's collaborators.
type Deps struct {
	Saves     PartitionSource
	Vectors   EmbeddingLookup
	Labeler   Labeler
	Store     PartitionStore
	Lock      Locker
	Jobs      JobStore
	Publisher RetryPublisher
}

// NewEngine creates a clustering engine. A nil Labeler uses FallbackLabeler;
// tp may be nil.
func NewEngine(deps Deps, cfg Config, tp *telemetry.Provider, log logger.Logger) (*Engine, error) {
	if deps.Saves == nil || deps.Vectors == nil || deps.Store == nil || deps.Lock == nil {
		return nil, errors.New("clustering: saves, vectors, store and lock are required")
	}
	if deps.Labeler == nil {
		deps.Labeler = FallbackLabeler{}
	}
	cfg.SetDefaults()
	return &Engine{
		saves:     deps.Saves,
		vectors:   deps.Vectors,
		labeler:   deps.Labeler,
		store:     deps.Store,
		lock:      deps.Lock,
		jobs:      deps.Jobs,
		publisher: deps.Publisher,
		cfg:       cfg,
		policy:    cfg.policy(),
		telemetry: tp,
		log:       log.With(logger.Component("clustering")),
		now:       time.Now,
	}, nil
}

// RecomputePartition rebuilds the clusters of one (user, category) partition
// under the partition lock.
func (e *Engine) RecomputePartition(ctx context.Context, userID string, category domain.Category) (*Result, error) {
	if !category.IsValid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidCategory, category)
	}
	key := domain.PartitionKey{UserID: userID, Category: category}

	var res *Result
	err := e.lock.Run(ctx, key, uuid.NewString(), func(ctx context.Context) error {
		var runErr error
		res, runErr = e.recompute(ctx, key)
		return runErr
	})
	if errors.Is(err, coordination.ErrLockNotAcquired) {
		e.telemetry.RecordLockContention()
		e.telemetry.RecordClustering(telemetry.ClusterOutcomeContended, 0, 0)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// recompute must run while holding the partition lock.
func (e *Engine) recompute(ctx context.Context, key domain.PartitionKey) (*Result, error) {
	start := e.now()
	ctx, span := e.telemetry.StartSpan(ctx, "clustering.recompute",
		attribute.String("user_id", key.UserID),
		attribute.String("category", string(key.Category)),
	)
	defer span.End()

	log := e.log.With(logger.String("user_id", key.UserID), logger.String("category", string(key.Category)))

	items, err := e.saves.ListPartition(ctx, key.UserID, key.Category)
	if err != nil {
		e.telemetry.RecordClustering(telemetry.ClusterOutcomeFailed, 0, 0)
		return nil, fmt.Errorf("load partition: %w", err)
	}

	usable, vecs, err := e.withEmbeddings(ctx, items)
	if err != nil {
		e.telemetry.RecordClustering(telemetry.ClusterOutcomeFailed, 0, 0)
		return nil, err
	}
	res := &Result{Key: key, Items: len(usable), Missing: len(items) - len(usable)}

	if len(usable) < e.cfg.MinItems {
		res.Skipped = true
		res.Unclustered = len(usable)
		if err = e.store.ReplacePartition(ctx, key.UserID, key.Category, nil); err != nil {
			e.telemetry.RecordClustering(telemetry.ClusterOutcomeFailed, 0, 0)
			return nil, fmt.Errorf("clear partition: %w", err)
		}
		log.Debug("too few items to cluster", logger.Int("items", len(usable)))
		e.telemetry.RecordClustering(telemetry.ClusterOutcomeSkipped, e.now().Sub(start), 0)
		return res, nil
	}

	k := ClusterCount(len(usable), e.cfg.MinClusters, e.cfg.MaxClusters)
	for _, group := range Agglomerate(vecs, k) {
		if len(group) < e.cfg.MinClusterSize {
			res.Unclustered += len(group)
			continue
		}
		res.Clusters = append(res.Clusters, e.buildCluster(ctx, key.Category, usable, vecs, group, log))
	}

	if err = e.store.ReplacePartition(ctx, key.UserID, key.Category, res.Clusters); err != nil {
		e.telemetry.RecordClustering(telemetry.ClusterOutcomeFailed, 0, 0)
		return nil, fmt.Errorf("replace partition: %w", err)
	}

	log.Info("partition reclustered",
		logger.Int("items", res.Items),
		logger.Int("clusters", len(res.Clusters)),
		logger.Int("unclustered", res.Unclustered),
		logger.Int("missing_embeddings", res.Missing),
	)
	e.telemetry.RecordClustering(telemetry.ClusterOutcomeReplaced, e.now().Sub(start), len(res.Clusters))
	return res, nil
}

// withEmbeddings drops items that have no stored vector yet; a later
// recompute picks them up.
func (e *Engine) withEmbeddings(
	ctx context.Context, items []domain.PartitionItem,
) ([]domain.PartitionItem, [][]float64, error) {
	if len(items) == 0 {
		return nil, nil, nil
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ContentID
	}
	found, err := e.vectors.Lookup(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup embeddings: %w", err)
	}

	usable := make([]domain.PartitionItem, 0, len(items))
	vecs := make([][]float64, 0, len(items))
	for _, it := range items {
		if v, ok := found[it.ContentID]; ok && len(v) > 0 {
			usable = append(usable, it)
			vecs = append(vecs, v)
		}
	}
	return usable, vecs, nil
}

func (e *Engine) buildCluster(
	ctx context.Context,
	category domain.Category,
	items []domain.PartitionItem,
	vecs [][]float64,
	group []int,
	log logger.Logger,
) domain.NewCluster {
	reps := Representatives(vecs, group, e.cfg.Representatives)
	summaries := make([]domain.ItemSummary, len(reps))
	for i, idx := range reps {
		summaries[i] = summarize(items[idx])
	}

	labelCtx, cancel := context.WithTimeout(ctx, e.cfg.LabelTimeout)
	label, err := e.labeler.Label(labelCtx, category, summaries)
	cancel()
	if err != nil || strings.TrimSpace(label.Label) == "" {
		if err != nil {
			log.Warn("labeler failed, using fallback label", logger.Error(err))
		}
		label = FallbackLabel(category, summaries)
	}

	saveIDs := make([]string, len(group))
	for i, idx := range group {
		saveIDs[i] = items[idx].SaveID
	}
	return domain.NewCluster{Label: label.Label, Description: label.Description, SaveIDs: saveIDs}
}

func summarize(it domain.PartitionItem) domain.ItemSummary {
	s := domain.ItemSummary{Locations: it.Locations}
	if it.Title != nil {
		s.Title = *it.Title
	}
	if it.TopicMain != nil {
		s.Topic = *it.TopicMain
	}
	if it.Summary != nil {
		s.Summary = *it.Summary
	}
	return s
}
