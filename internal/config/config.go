// Package config loads curator's service configuration.
package config

import (
	"errors"
	"time"

	infraconfig "github.com/jonesrussell/curator/infrastructure/config"
	"github.com/jonesrussell/curator/infrastructure/elasticsearch"
	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/infrastructure/profiling"
	"github.com/jonesrussell/curator/infrastructure/redis"
	"github.com/jonesrussell/curator/internal/clustering"
	"github.com/jonesrussell/curator/internal/collaborators/anthropic"
	"github.com/jonesrussell/curator/internal/collaborators/embedding"
	"github.com/jonesrussell/curator/internal/collaborators/fetch"
	"github.com/jonesrussell/curator/internal/processing"
)

const (
	defaultServiceName     = "curator"
	defaultServicePort     = 8080
	defaultDBName          = "curator"
	defaultDBUser          = "postgres"
	defaultRedisAddress    = "localhost:6379"
	defaultQueuePrefix     = "curator"
	defaultQueueGroup      = "curator-workers"
	defaultQueueBatch      = 10
	defaultQueueBlock      = 5 * time.Second
	defaultClaimMinIdle    = 15 * time.Minute
	defaultMaxStreamLen    = 100000
	defaultPromoteInterval = time.Second
	defaultProcessPool     = 8
	defaultClusterPool     = 2
	defaultJobTimeout      = 9 * time.Minute
	defaultLogLevel        = "info"
	defaultDrainTimeout    = 30 * time.Second
	defaultMetricsPort     = 9091
	defaultReclaimSpec     = "@every 1m"
	defaultTrimSpec        = "@hourly"
	defaultDepthSpec       = "@every 30s"
	defaultVectorIndex     = "curator_embeddings"
	defaultDimensions      = 384
)

// Config holds all configuration for curator.
type Config struct {
	Service       ServiceConfig              `yaml:"service"`
	Server        infraconfig.ServerConfig   `yaml:"server"`
	Database      infraconfig.DatabaseConfig `yaml:"database"`
	Redis         redis.Config               `yaml:"redis"`
	Elasticsearch elasticsearch.Config       `yaml:"elasticsearch"`
	Auth          AuthConfig                 `yaml:"auth"`
	Logging       logger.Config              `yaml:"logging"`
	Profiling     profiling.Config           `yaml:"profiling"`
	Queue         QueueConfig                `yaml:"queue"`
	Workers       WorkersConfig              `yaml:"workers"`
	Maintenance   MaintenanceConfig          `yaml:"maintenance"`
	Processing    processing.Config          `yaml:"processing"`
	Clustering    clustering.Config          `yaml:"clustering"`
	Collaborators CollaboratorsConfig        `yaml:"collaborators"`
}

// ServiceConfig holds service-level settings.
type ServiceConfig struct {
	Name  string `yaml:"name"`
	Port  int    `env:"CURATOR_PORT" yaml:"port"`
	Debug bool   `env:"APP_DEBUG"    yaml:"debug"`
	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string `env:"CORS_ORIGINS" yaml:"cors_origins"`
}

// AuthConfig holds JWT settings.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET" yaml:"jwt_secret"`
}

// QueueConfig configures the Redis Streams transport.
type QueueConfig struct {
	Prefix          string        `env:"QUEUE_PREFIX" yaml:"prefix"`
	Group           string        `env:"QUEUE_GROUP"  yaml:"group"`
	Batch           int64         `yaml:"batch"`
	Block           time.Duration `yaml:"block"`
	ClaimMinIdle    time.Duration `yaml:"claim_min_idle"`
	MaxLen          int64         `yaml:"max_len"`
	PromoteInterval time.Duration `yaml:"promote_interval"`
}

// WorkersConfig sizes the worker pools.
type WorkersConfig struct {
	ProcessPool  int           `env:"WORKERS_PROCESS_POOL" yaml:"process_pool"`
	ClusterPool  int           `env:"WORKERS_CLUSTER_POOL" yaml:"cluster_pool"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// MetricsPort serves the worker's /health and /metrics.
	MetricsPort int `env:"WORKER_METRICS_PORT" yaml:"metrics_port"`
}

// MaintenanceConfig holds robfig/cron specs for periodic tasks.
type MaintenanceConfig struct {
	Reclaim    string `yaml:"reclaim"`
	Trim       string `yaml:"trim"`
	QueueDepth string `yaml:"queue_depth"`
}

// CollaboratorsConfig configures the external services.
type CollaboratorsConfig struct {
	Fetch       fetch.Config     `yaml:"fetch"`
	Anthropic   anthropic.Config `yaml:"anthropic"`
	Embedding   embedding.Config `yaml:"embedding"`
	VectorIndex string           `env:"VECTOR_INDEX" yaml:"vector_index"`
}

// Load reads path, applying defaults and env overrides. A missing file is
// allowed so the service can run from the environment alone.
func Load(path string) (*Config, error) {
	return infraconfig.LoadWithDefaults[Config](path, true, setDefaults)
}

func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	cfg.Server.SetDefaults()
	cfg.Database.SetDefaults()
	if cfg.Database.Database == "" {
		cfg.Database.Database = defaultDBName
	}
	if cfg.Database.User == "" {
		cfg.Database.User = defaultDBUser
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = defaultRedisAddress
	}
	cfg.Elasticsearch.SetDefaults()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.Profiling.Version == "" {
		cfg.Profiling.Version = "dev"
	}
	setQueueDefaults(&cfg.Queue)
	setWorkersDefaults(&cfg.Workers)
	setMaintenanceDefaults(&cfg.Maintenance)
	cfg.Processing.SetDefaults()
	cfg.Clustering.SetDefaults()
	setCollaboratorDefaults(&cfg.Collaborators)
}

func setServiceDefaults(s *ServiceConfig) {
	if s.Name == "" {
		s.Name = defaultServiceName
	}
	if s.Port == 0 {
		s.Port = defaultServicePort
	}
}

func setQueueDefaults(q *QueueConfig) {
	if q.Prefix == "" {
		q.Prefix = defaultQueuePrefix
	}
	if q.Group == "" {
		q.Group = defaultQueueGroup
	}
	if q.Batch <= 0 {
		q.Batch = defaultQueueBatch
	}
	if q.Block <= 0 {
		q.Block = defaultQueueBlock
	}
	if q.ClaimMinIdle <= 0 {
		q.ClaimMinIdle = defaultClaimMinIdle
	}
	if q.MaxLen <= 0 {
		q.MaxLen = defaultMaxStreamLen
	}
	if q.PromoteInterval <= 0 {
		q.PromoteInterval = defaultPromoteInterval
	}
}

func setWorkersDefaults(w *WorkersConfig) {
	if w.ProcessPool <= 0 {
		w.ProcessPool = defaultProcessPool
	}
	if w.ClusterPool <= 0 {
		w.ClusterPool = defaultClusterPool
	}
	if w.JobTimeout <= 0 {
		w.JobTimeout = defaultJobTimeout
	}
	if w.DrainTimeout <= 0 {
		w.DrainTimeout = defaultDrainTimeout
	}
	if w.MetricsPort == 0 {
		w.MetricsPort = defaultMetricsPort
	}
}

func setMaintenanceDefaults(m *MaintenanceConfig) {
	if m.Reclaim == "" {
		m.Reclaim = defaultReclaimSpec
	}
	if m.Trim == "" {
		m.Trim = defaultTrimSpec
	}
	if m.QueueDepth == "" {
		m.QueueDepth = defaultDepthSpec
	}
}

func setCollaboratorDefaults(c *CollaboratorsConfig) {
	c.Fetch.SetDefaults()
	c.Anthropic.SetDefaults()
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = defaultDimensions
	}
	if c.VectorIndex == "" {
		c.VectorIndex = defaultVectorIndex
	}
}

// ValidateAPI checks what the API server needs.
func (c *Config) ValidateAPI() error {
	return errors.Join(
		c.validateCommon(),
		infraconfig.Port("service.port", c.Service.Port),
		infraconfig.Required("auth.jwt_secret", c.Auth.JWTSecret),
	)
}

// ValidateWorker checks what the workers need.
func (c *Config) ValidateWorker() error {
	var timeoutErr, claimErr, heartbeatErr error
	// A handler outliving the lease would race the reclaim sweep.
	if c.Workers.JobTimeout > c.Processing.LeaseTimeout {
		timeoutErr = infraconfig.Invalid("workers.job_timeout",
			"must not exceed processing.lease_timeout (%s)", c.Processing.LeaseTimeout)
	}
	// A message claimed while its handler still runs is delivered twice.
	if c.Queue.ClaimMinIdle <= c.Workers.JobTimeout {
		claimErr = infraconfig.Invalid("queue.claim_min_idle",
			"must exceed workers.job_timeout (%s)", c.Workers.JobTimeout)
	}
	if c.Clustering.HeartbeatInterval >= c.Processing.LeaseTimeout {
		heartbeatErr = infraconfig.Invalid("clustering.heartbeat_interval",
			"must be shorter than processing.lease_timeout (%s)", c.Processing.LeaseTimeout)
	}
	return errors.Join(
		c.validateCommon(),
		infraconfig.Positive("workers.process_pool", c.Workers.ProcessPool),
		infraconfig.Positive("workers.cluster_pool", c.Workers.ClusterPool),
		infraconfig.Port("workers.metrics_port", c.Workers.MetricsPort),
		infraconfig.Required("collaborators.embedding.url", c.Collaborators.Embedding.URL),
		infraconfig.Required("collaborators.anthropic.api_key", c.Collaborators.Anthropic.APIKey),
		c.Processing.Validate(),
		timeoutErr,
		claimErr,
		heartbeatErr,
	)
}

func (c *Config) validateCommon() error {
	return errors.Join(
		infraconfig.Required("database.host", c.Database.Host),
		infraconfig.Required("database.database", c.Database.Database),
		infraconfig.Required("redis.address", c.Redis.Address),
		infraconfig.LogLevel(c.Logging.Level),
	)
}
