package clustering

import (
	"time"

	"github.com/jonesrussell/curator/infrastructure/retry"
)

const (
	defaultMinItems        = 2
	defaultMinClusterSize  = 2
	defaultMinClusters     = 1
	defaultMaxClusters     = 10
	defaultRepresentatives = 5
	defaultMaxAttempts     = 5
	defaultInitialBackoff  = 5 * time.Second
	defaultMaxBackoff      = 5 * time.Minute
	defaultLockTTL         = 30 * time.Second
	defaultLockWait        = 30 * time.Second
	defaultLabelTimeout    = 30 * time.Second
	defaultHeartbeat       = time.Minute
)

// Config holds clustering parameters.
type Config struct {
	MinItems        int `env:"CLUSTERING_MIN_ITEMS"    yaml:"min_items"`
	MinClusterSize  int `yaml:"min_cluster_size"`
	MinClusters     int `yaml:"min_clusters"`
	MaxClusters     int `env:"CLUSTERING_MAX_CLUSTERS" yaml:"max_clusters"`
	Representatives int `yaml:"representatives"`

	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	LockTTL      time.Duration `env:"CLUSTERING_LOCK_TTL"  yaml:"lock_ttl"`
	LockWait     time.Duration `env:"CLUSTERING_LOCK_WAIT" yaml:"lock_wait"`
	LabelTimeout time.Duration `yaml:"label_timeout"`
	// HeartbeatInterval is how often a running cluster job renews its lease
	// while the recompute is in progress.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.MinItems <= 0 {
		c.MinItems = defaultMinItems
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = defaultMinClusterSize
	}
	if c.MinClusters <= 0 {
		c.MinClusters = defaultMinClusters
	}
	if c.MaxClusters <= 0 {
		c.MaxClusters = defaultMaxClusters
	}
	if c.MaxClusters < c.MinClusters {
		c.MaxClusters = c.MinClusters
	}
	if c.Representatives <= 0 {
		c.Representatives = defaultRepresentatives
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.LockWait <= 0 {
		c.LockWait = defaultLockWait
	}
	if c.LabelTimeout <= 0 {
		c.LabelTimeout = defaultLabelTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeat
	}
}

func (c Config) policy() retry.Policy {
	return retry.Policy{InitialDelay: c.InitialBackoff, MaxDelay: c.MaxBackoff, Multiplier: 2}
}
