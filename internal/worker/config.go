// Package worker runs queue consumers on bounded worker pools and schedules
// periodic maintenance.
package worker

import (
	"fmt"
	"time"
)

const (
	DefaultPoolSize     = 4
	DefaultDrainTimeout = 30 * time.Second
	DefaultJobTimeout   = 10 * time.Minute

	maxPoolSize = 100
)

// Config sizes a Pool.
type Config struct {
	PoolSize     int           // concurrent handler invocations
	DrainTimeout time.Duration // how long Stop waits for in-flight messages
	JobTimeout   time.Duration // deadline for one handler invocation
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:     DefaultPoolSize,
		DrainTimeout: DefaultDrainTimeout,
		JobTimeout:   DefaultJobTimeout,
	}
}

// Validate rejects sizes outside [1, 100] and non-positive timeouts.
func (c *Config) Validate() error {
	switch {
	case c.PoolSize < 1 || c.PoolSize > maxPoolSize:
		return fmt.Errorf("pool size %d outside [1, %d]", c.PoolSize, maxPoolSize)
	case c.DrainTimeout <= 0:
		return fmt.Errorf("drain timeout %s must be positive", c.DrainTimeout)
	case c.JobTimeout <= 0:
		return fmt.Errorf("job timeout %s must be positive", c.JobTimeout)
	}
	return nil
}
