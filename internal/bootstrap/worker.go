package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	esv8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/curator/infrastructure/elasticsearch"
	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/clustering"
	"github.com/jonesrussell/curator/internal/collaborators/anthropic"
	"github.com/jonesrussell/curator/internal/collaborators/embedding"
	"github.com/jonesrussell/curator/internal/collaborators/fetch"
	"github.com/jonesrussell/curator/internal/collaborators/vectorstore"
	"github.com/jonesrussell/curator/internal/config"
	"github.com/jonesrussell/curator/internal/coordination"
	"github.com/jonesrussell/curator/internal/processing"
	"github.com/jonesrussell/curator/internal/queue"
	"github.com/jonesrussell/curator/internal/telemetry"
	"github.com/jonesrussell/curator/internal/worker"
)

// RunWorker consumes both job streams, promotes delayed retries and runs the
// maintenance schedule until ctx is cancelled.
func RunWorker(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	stopProfiling := startProfiling(cfg.Service.Name+"-worker", cfg.Profiling, log)
	defer stopProfiling()

	infra, err := OpenInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := infra.Close(); closeErr != nil {
			log.Warn("close connections", logger.Error(closeErr))
		}
	}()

	stages, err := newStages(ctx, cfg, log)
	if err != nil {
		return err
	}

	coord, err := processing.NewCoordinator(
		infra.Content, infra.Jobs, infra.Saves, infra.Producer,
		processing.Collaborators{
			Fetcher:    stages.fetcher,
			Classifier: anthropic.NewClassifier(stages.anthropic),
			Embedder:   stages.embedder,
			Vectors:    stages.vectors,
		},
		cfg.Processing, infra.Telemetry, log,
	)
	if err != nil {
		return fmt.Errorf("create processing coordinator: %w", err)
	}

	lock := coordination.NewPartitionLock(infra.Redis, coordination.PartitionLockConfig{
		Prefix: cfg.Queue.Prefix,
		TTL:    cfg.Clustering.LockTTL,
		Wait:   cfg.Clustering.LockWait,
	}, log)
	engine, err := clustering.NewEngine(clustering.Deps{
		Saves:     infra.Saves,
		Vectors:   stages.vectors,
		Labeler:   anthropic.NewLabeler(stages.anthropic),
		Store:     infra.Clusters,
		Lock:      lock,
		Jobs:      infra.Jobs,
		Publisher: infra.Producer,
	}, cfg.Clustering, infra.Telemetry, log)
	if err != nil {
		return fmt.Errorf("create clustering engine: %w", err)
	}

	consumerID := consumerName()
	processRunner, processConsumer, err := newRunner(ctx, infra, cfg, log, consumerID,
		queue.StreamProcess, cfg.Workers.ProcessPool, coord.Handle)
	if err != nil {
		return err
	}
	clusterRunner, clusterConsumer, err := newRunner(ctx, infra, cfg, log, consumerID,
		queue.StreamCluster, cfg.Workers.ClusterPool, engine.HandleJob)
	if err != nil {
		return err
	}

	maintenance, err := newMaintenance(cfg, infra, coord, []*queue.Consumer{processConsumer, clusterConsumer}, log)
	if err != nil {
		return err
	}

	checks := infra.Checks()
	checks["elasticsearch"] = func(ctx context.Context) error {
		res, pingErr := stages.es.Ping(stages.es.Ping.WithContext(ctx))
		if pingErr != nil {
			return pingErr
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("elasticsearch ping: %s", res.Status())
		}
		return nil
	}
	checks["embedding"] = func(ctx context.Context) error {
		_, healthErr := stages.embedder.Health(ctx)
		return healthErr
	}
	server := newServer(cfg.Service.Name+"-worker", cfg.Workers.MetricsPort, cfg, log, infra.Telemetry, checks,
		func(router *gin.Engine) {
			router.GET("/metrics", gin.WrapH(infra.Telemetry.Handler()))
		})

	log.Info("worker starting",
		logger.String("consumer_id", consumerID),
		logger.Int("process_pool", cfg.Workers.ProcessPool),
		logger.Int("cluster_pool", cfg.Workers.ClusterPool),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processRunner.Run(gctx) })
	g.Go(func() error { return clusterRunner.Run(gctx) })
	g.Go(func() error { return maintenance.Run(gctx) })
	g.Go(func() error { return promote(gctx, infra.Producer, cfg.Queue.PromoteInterval, log) })
	g.Go(func() error { return server.Run(gctx) })
	return g.Wait()
}

type stageClients struct {
	fetcher   *fetch.Fetcher
	anthropic *anthropic.Client
	embedder  *embedding.Client
	vectors   *vectorstore.Store
	es        *esv8.Client
}

func newStages(ctx context.Context, cfg *config.Config, log logger.Logger) (*stageClients, error) {
	esClient, err := elasticsearch.NewClient(ctx, cfg.Elasticsearch, log)
	if err != nil {
		return nil, fmt.Errorf("connect elasticsearch: %w", err)
	}
	vectors := vectorstore.New(esClient, vectorstore.Config{
		Index:      cfg.Collaborators.VectorIndex,
		Dimensions: cfg.Collaborators.Embedding.Dimensions,
	}, log)
	if err = vectors.EnsureIndex(ctx); err != nil {
		return nil, fmt.Errorf("ensure vector index: %w", err)
	}

	ac, err := anthropic.NewClient(cfg.Collaborators.Anthropic, log)
	if err != nil {
		return nil, fmt.Errorf("create anthropic client: %w", err)
	}
	embedder, err := embedding.NewClient(cfg.Collaborators.Embedding)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}

	return &stageClients{
		fetcher:   fetch.New(nil, cfg.Collaborators.Fetch, log),
		anthropic: ac,
		embedder:  embedder,
		vectors:   vectors,
		es:        esClient,
	}, nil
}

func newRunner(
	ctx context.Context,
	infra *Infra,
	cfg *config.Config,
	log logger.Logger,
	consumerID string,
	stream queue.Stream,
	poolSize int,
	handler worker.Handler,
) (*worker.Runner, *queue.Consumer, error) {
	consumer, err := queue.NewConsumer(infra.Streams, queue.ConsumerConfig{
		Stream:        stream,
		ConsumerGroup: cfg.Queue.Group,
		ConsumerID:    consumerID,
		BlockTimeout:  cfg.Queue.Block,
		BatchSize:     cfg.Queue.Batch,
		ClaimMinIdle:  cfg.Queue.ClaimMinIdle,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s consumer: %w", stream, err)
	}
	if err = consumer.Initialize(ctx); err != nil {
		return nil, nil, fmt.Errorf("initialize %s consumer: %w", stream, err)
	}

	runner, err := worker.NewRunner(consumer, worker.Config{
		PoolSize:     poolSize,
		DrainTimeout: cfg.Workers.DrainTimeout,
		JobTimeout:   cfg.Workers.JobTimeout,
	}, handler, log)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s runner: %w", stream, err)
	}
	return runner, consumer, nil
}

func newMaintenance(
	cfg *config.Config, infra *Infra, coord *processing.Coordinator, consumers []*queue.Consumer, log logger.Logger,
) (*worker.Maintenance, error) {
	m := worker.NewMaintenance(log)
	tasks := []worker.Task{
		{
			Name: "reclaim",
			Spec: cfg.Maintenance.Reclaim,
			Run: func(ctx context.Context) error {
				n, err := coord.ReclaimStale(ctx)
				if n > 0 {
					log.Info("reclaimed jobs", logger.Int("count", n))
				}
				return err
			},
		},
		{
			Name: "trim-streams",
			Spec: cfg.Maintenance.Trim,
			Run:  infra.Producer.TrimAllStreams,
		},
		{
			Name: "queue-depth",
			Spec: cfg.Maintenance.QueueDepth,
			Run: func(ctx context.Context) error {
				return recordQueueDepth(ctx, infra.Producer, consumers, infra.Telemetry)
			},
		},
	}
	for _, task := range tasks {
		if err := m.Add(task); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", task.Name, err)
		}
	}
	return m, nil
}

// recordQueueDepth publishes ready and delayed counts per stream, plus the
// delivered but unacknowledged count of each consumer group.
func recordQueueDepth(
	ctx context.Context, producer *queue.Producer, consumers []*queue.Consumer, tp *telemetry.Provider,
) error {
	for _, stream := range queue.AllStreams() {
		ready, delayed, err := producer.Depth(ctx, stream)
		if err != nil {
			return fmt.Errorf("depth of %s: %w", stream, err)
		}
		tp.SetQueueDepth(stream.String(), ready, delayed)
	}
	for _, consumer := range consumers {
		pending, err := consumer.PendingCount(ctx)
		if err != nil {
			return err
		}
		tp.SetPendingDepth(consumer.Stream().String(), pending)
	}
	return nil
}

// promote moves due retries onto their streams every interval.
func promote(ctx context.Context, producer *queue.Producer, interval time.Duration, log logger.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, stream := range queue.AllStreams() {
			n, err := producer.Promote(ctx, stream)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("promote delayed jobs", logger.String("stream", stream.String()), logger.Error(err))
				}
				continue
			}
			if n > 0 {
				log.Debug("promoted delayed jobs", logger.String("stream", stream.String()), logger.Int("count", n))
			}
		}
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
