package processing

import (
	"errors"
	"time"

	"github.com/jonesrussell/curator/infrastructure/retry"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 5 * time.Minute
	defaultStageTimeout   = 2 * time.Minute
	defaultLeaseTimeout   = 10 * time.Minute
	defaultOrphanGrace    = 15 * time.Minute
	defaultOrphanBatch    = 100
	backoffMultiplier     = 2
)

// Config controls retries and leases for processing jobs.
type Config struct {
	MaxAttempts    int           `env:"PROCESSING_MAX_ATTEMPTS" yaml:"max_attempts"`
	InitialBackoff time.Duration `env:"PROCESSING_INITIAL_BACKOFF" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `env:"PROCESSING_MAX_BACKOFF" yaml:"max_backoff"`
	StageTimeout   time.Duration `env:"PROCESSING_STAGE_TIMEOUT" yaml:"stage_timeout"`
	// LeaseTimeout is how long a RUNNING job may go without a stage
	// transition before ReclaimStale takes it back.
	LeaseTimeout time.Duration `env:"PROCESSING_LEASE_TIMEOUT" yaml:"lease_timeout"`
	// OrphanGrace is how long a PENDING or RETRYING job may sit undelivered
	// before it is published again.
	OrphanGrace time.Duration `env:"PROCESSING_ORPHAN_GRACE" yaml:"orphan_grace"`
	OrphanBatch int           `yaml:"orphan_batch"`
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = defaultStageTimeout
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = defaultLeaseTimeout
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = defaultOrphanGrace
	}
	if c.OrphanBatch <= 0 {
		c.OrphanBatch = defaultOrphanBatch
	}
}

// Validate checks invariants between fields.
func (c *Config) Validate() error {
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("processing: max_backoff must be >= initial_backoff")
	}
	if c.LeaseTimeout <= c.StageTimeout {
		return errors.New("processing: lease_timeout must exceed stage_timeout")
	}
	return nil
}

// Policy is the retry backoff schedule derived from the config.
func (c Config) Policy() retry.Policy {
	return retry.Policy{
		InitialDelay: c.InitialBackoff,
		MaxDelay:     c.MaxBackoff,
		Multiplier:   backoffMultiplier,
	}
}
