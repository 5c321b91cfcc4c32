package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/curator/infrastructure/logger"
)

// Task is a periodic maintenance job.
type Task struct {
	Name string
	// Spec is a robfig/cron schedule, e.g. "@every 1m" or "0 * * * *".
	Spec string
	Run  func(ctx context.Context) error
}

// Maintenance runs Tasks on a cron schedule. A task still running when its
// next tick arrives is skipped for that tick.
type Maintenance struct {
	cron  *cron.Cron
	tasks []Task
	log   logger.Logger
	ctx   context.Context //nolint:containedctx // set once by Run for cron callbacks
}

// NewMaintenance creates an empty schedule.
func NewMaintenance(log logger.Logger) *Maintenance {
	log = log.With(logger.Component("maintenance"))
	cl := cronLogger{log: log}
	return &Maintenance{
		cron: cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:  log,
		ctx:  context.Background(),
	}
}

// Add registers a task. It must be called before Run.
func (m *Maintenance) Add(task Task) error {
	if task.Run == nil {
		return errors.New("task run func is required")
	}
	if _, err := m.cron.AddFunc(task.Spec, func() { m.execute(m.ctx, task) }); err != nil {
		return fmt.Errorf("schedule task %s: %w", task.Name, err)
	}
	m.tasks = append(m.tasks, task)
	return nil
}

// RunOnce executes every registered task immediately, in order.
func (m *Maintenance) RunOnce(ctx context.Context) {
	for _, t := range m.tasks {
		m.execute(ctx, t)
	}
}

// Run starts the schedule and blocks until ctx is cancelled, then waits
// for running tasks to return.
func (m *Maintenance) Run(ctx context.Context) error {
	m.ctx = ctx
	m.cron.Start()
	m.log.Info("maintenance schedule started", logger.Int("tasks", len(m.tasks)))

	<-ctx.Done()

	stopped := m.cron.Stop()
	<-stopped.Done()
	m.log.Info("maintenance schedule stopped")
	return nil
}

func (m *Maintenance) execute(ctx context.Context, t Task) {
	start := time.Now()
	if err := t.Run(ctx); err != nil {
		if ctx.Err() == nil {
			m.log.Warn("maintenance task failed", logger.String("task", t.Name), logger.Error(err))
		}
		return
	}
	m.log.Debug("maintenance task finished",
		logger.String("task", t.Name), logger.Duration("duration", time.Since(start)))
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug(msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error(msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []any) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, logger.Any(key, kv[i+1]))
	}
	return fields
}
