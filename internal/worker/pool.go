package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/queue"
)

var (
	// ErrPoolNotRunning is returned by Submit before Start or after Stop.
	ErrPoolNotRunning = errors.New("pool is not running")

	errPoolStopping = errors.New("pool is stopping")
)

// Handler processes one queue message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg *queue.Message) error

// Pool runs a handler on at most PoolSize goroutines at once. Free slot
// indexes circulate through a buffered channel, so holding an index is
// holding capacity.
type Pool struct {
	cfg     Config
	handler Handler
	log     logger.Logger

	slots    chan int
	inflight []atomic.Value // message id per slot, "" when free
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a stopped pool.
func NewPool(cfg Config, handler Handler, log logger.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	p := &Pool{
		cfg:      cfg,
		handler:  handler,
		log:      log,
		slots:    make(chan int, cfg.PoolSize),
		inflight: make([]atomic.Value, cfg.PoolSize),
	}
	for i := range cfg.PoolSize {
		p.slots <- i
		p.inflight[i].Store("")
	}
	return p, nil
}

// Start opens the pool for submissions.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pool is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.log.Info("worker pool started", logger.Int("pool_size", p.cfg.PoolSize))
	return nil
}

// Stop refuses new submissions and waits for in-flight messages until they
// finish, ctx ends, or the drain timeout passes.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-drained:
		stats := p.Stats()
		p.log.Info("worker pool drained",
			logger.Int("processed", int(stats.Processed)),
			logger.Int("failed", int(stats.Failed)))
	case <-ctx.Done():
		p.log.Warn("worker pool stop cancelled", logger.Int("busy", p.Busy()))
	case <-timer.C:
		p.log.Warn("worker pool drain timeout exceeded", logger.Int("busy", p.Busy()))
	}
	return nil
}

// Submit waits for a free slot and runs the handler on it. done, if non-nil,
// receives the handler's result on the worker goroutine. The handler's
// context is detached from ctx's cancellation so a shutdown lets it finish
// within the drain timeout.
func (p *Pool) Submit(ctx context.Context, msg *queue.Message, done func(error)) error {
	p.mu.Lock()
	running, stopCh := p.running, p.stopCh
	p.mu.Unlock()
	if !running {
		return ErrPoolNotRunning
	}

	var slot int
	select {
	case slot = <-p.slots:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return errPoolStopping
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.run(context.WithoutCancel(ctx), slot, msg)
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (p *Pool) run(ctx context.Context, slot int, msg *queue.Message) error {
	p.inflight[slot].Store(msg.ID)
	defer func() {
		p.inflight[slot].Store("")
		p.slots <- slot
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := p.handler(ctx, msg)
	p.processed.Add(1)

	fields := []logger.Field{
		logger.Int("slot", slot),
		logger.String("job_id", msg.Job.JobID),
		logger.String("message_id", msg.ID),
		logger.Duration("duration", time.Since(start)),
	}
	if err != nil {
		p.failed.Add(1)
		p.log.Error("worker job failed", append(fields, logger.Error(err))...)
		return fmt.Errorf("job %s: %w", msg.Job.JobID, err)
	}
	p.log.Debug("worker job completed", fields...)
	return nil
}

// Busy returns the number of slots currently running a handler.
func (p *Pool) Busy() int {
	return p.cfg.PoolSize - len(p.slots)
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	stats := PoolStats{
		PoolSize:      p.cfg.PoolSize,
		Processed:     p.processed.Load(),
		Failed:        p.failed.Load(),
		InFlight: make(map[int]string),
	}
	for i := range p.inflight {
		if id, _ := p.inflight[i].Load().(string); id != "" {
			stats.InFlight[i] = id
		}
	}
	stats.Busy = len(stats.InFlight)
	return stats
}

// PoolStats is a point-in-time view of a Pool.
type PoolStats struct {
	PoolSize      int
	Busy          int
	Processed     int64
	Failed        int64
	InFlight      map[int]string // slot -> message id
}
