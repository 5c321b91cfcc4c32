package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/domain"
)

const (
	defaultLockPrefix = "curator"
	defaultLockWait   = 30 * time.Second
	releaseTimeout    = 2 * time.Second
)

// PartitionLockConfig configures partition locking.
type PartitionLockConfig struct {
	Prefix     string
	TTL        time.Duration // Redis lock TTL, renewed every TTL/3 while held
	Wait       time.Duration // How long a second trigger waits for the lock
	RetryDelay time.Duration
}

// PartitionLock guarantees that at most one recompute of a (user,
// category) partition runs at a time. Within a process, duplicate
// deliveries of the same run share a single execution. Across processes and
// goroutines, a Redis lock keyed by the partition serializes distinct runs.
type PartitionLock struct {
	client *redis.Client
	cfg    PartitionLockConfig
	group  singleflight.Group
	log    logger.Logger
}

// NewPartitionLock creates a partition lock over the Redis client.
func NewPartitionLock(client *redis.Client, cfg PartitionLockConfig, log logger.Logger) *PartitionLock {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultLockPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLockTTL
	}
	if cfg.Wait <= 0 {
		cfg.Wait = defaultLockWait
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &PartitionLock{
		client: client,
		cfg:    cfg,
		log:    log.With(logger.Component("partition-lock")),
	}
}

// Key returns the Redis key guarding the partition.
func (p *PartitionLock) Key(key domain.PartitionKey) string {
	return fmt.Sprintf("%s:lock:cluster:%s:%s", p.cfg.Prefix, key.UserID, key.Category)
}

// Run executes fn while holding the partition's lock. Callers passing the
// same runID concurrently share one execution and its result. If the lock
// cannot be taken within the configured wait, Run returns
// ErrLockNotAcquired without calling fn. If the lock is lost while fn runs,
// fn's context is cancelled.
func (p *PartitionLock) Run(
	ctx context.Context, key domain.PartitionKey, runID string, fn func(context.Context) error,
) error {
	_, err, shared := p.group.Do(key.String()+"/"+runID, func() (any, error) {
		return nil, p.runLocked(ctx, key, fn)
	})
	if shared {
		p.log.Debug("joined in-flight recompute",
			logger.String("partition", key.String()), logger.String("run_id", runID))
	}
	return err
}

func (p *PartitionLock) runLocked(ctx context.Context, key domain.PartitionKey, fn func(context.Context) error) error {
	lease, err := Acquire(ctx, p.client, p.Key(key), p.cfg.TTL, p.cfg.Wait, p.cfg.RetryDelay)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	go p.watchdog(runCtx, lease, cancel, done)

	fnErr := fn(runCtx)
	close(done)

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer releaseCancel()
	if unlockErr := lease.Release(releaseCtx); unlockErr != nil && !errors.Is(unlockErr, ErrLockNotHeld) {
		p.log.Warn("release partition lock failed",
			logger.String("partition", key.String()), logger.Error(unlockErr))
	}

	if fnErr != nil && errors.Is(context.Cause(runCtx), ErrLockNotHeld) {
		return fmt.Errorf("%w: %w", ErrLockNotHeld, fnErr)
	}
	return fnErr
}

// watchdog renews the lock until done closes. Losing the lock cancels the run.
func (p *PartitionLock) watchdog(
	ctx context.Context, lease *Lease, cancel context.CancelCauseFunc, done <-chan struct{},
) {
	ticker := time.NewTicker(p.cfg.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Renew(ctx); err != nil {
				if errors.Is(err, ErrLockNotHeld) {
					p.log.Warn("partition lock lost", logger.String("key", lease.Key()))
					cancel(ErrLockNotHeld)
					return
				}
				p.log.Warn("extend partition lock failed", logger.String("key", lease.Key()), logger.Error(err))
			}
		}
	}
}
