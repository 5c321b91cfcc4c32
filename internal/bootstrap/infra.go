// Package bootstrap wires curator's processes: the API server, the workers
// and the one-shot admin commands.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	infragin "github.com/jonesrussell/curator/infrastructure/gin"
	"github.com/jonesrussell/curator/infrastructure/logger"
	infraredis "github.com/jonesrussell/curator/infrastructure/redis"
	"github.com/jonesrussell/curator/internal/config"
	"github.com/jonesrussell/curator/internal/database"
	"github.com/jonesrussell/curator/internal/queue"
	"github.com/jonesrussell/curator/internal/telemetry"
)

// Infra holds the connections and stores every process shares.
type Infra struct {
	DB        *sqlx.DB
	Redis     *redis.Client
	Streams   *queue.Streams
	Producer  *queue.Producer
	Telemetry *telemetry.Provider

	Content  *database.ContentRepository
	Saves    *database.SaveRepository
	Jobs     *database.JobRepository
	Clusters *database.ClusterRepository
}

// OpenInfra connects to Postgres and Redis. The caller must Close the result.
func OpenInfra(ctx context.Context, cfg *config.Config, log logger.Logger) (*Infra, error) {
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	log.Info("connected to postgres",
		logger.String("host", cfg.Database.Host),
		logger.String("database", cfg.Database.Database),
	)

	rdb, err := infraredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("connected to redis", logger.String("address", cfg.Redis.Address))

	streams := queue.NewStreams(rdb, cfg.Queue.Prefix)
	return &Infra{
		DB:      db,
		Redis:   rdb,
		Streams: streams,
		Producer: queue.NewProducer(streams, queue.ProducerConfig{
			MaxStreamLen: cfg.Queue.MaxLen,
		}),
		Telemetry: telemetry.NewProvider(),
		Content:   database.NewContentRepository(db),
		Saves:     database.NewSaveRepository(db),
		Jobs:      database.NewJobRepository(db),
		Clusters:  database.NewClusterRepository(db),
	}, nil
}

// Close releases the connections.
func (i *Infra) Close() error {
	return errors.Join(i.Redis.Close(), i.DB.Close())
}

// Checks returns the health checks for the shared dependencies.
func (i *Infra) Checks() map[string]infragin.HealthCheck {
	return map[string]infragin.HealthCheck{
		"postgres": i.DB.PingContext,
		"redis":    i.Streams.Ping,
	}
}

// newServer builds an HTTP server carrying the shared middleware, health
// checks and metrics endpoint.
func newServer(
	name string,
	port int,
	cfg *config.Config,
	log logger.Logger,
	tp *telemetry.Provider,
	checks map[string]infragin.HealthCheck,
	routes func(*gin.Engine),
) *infragin.Server {
	builder := infragin.NewServerBuilder(name, cfg.Server.Address(port)).
		WithLogger(log).
		WithConfig(func(c *infragin.Config) {
			c.Debug = cfg.Service.Debug
			c.ReadTimeout = cfg.Server.ReadTimeout
			c.WriteTimeout = cfg.Server.WriteTimeout
			c.IdleTimeout = cfg.Server.IdleTimeout
			c.ShutdownTimeout = cfg.Server.ShutdownTimeout
			c.ServiceName = name
			c.ServiceVersion = cfg.Profiling.Version
			c.CORS.AllowedOrigins = cfg.Service.CORSOrigins
		}).
		WithMiddleware(tp.GinMiddleware()).
		WithRoutes(routes)
	for checkName, check := range checks {
		builder = builder.WithHealthCheck(checkName, check)
	}
	return builder.Build()
}
