package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/queue"
)

const readErrorBackoff = time.Second

// MessageSource is the consumer side of a stream.
type MessageSource interface {
	Read(ctx context.Context) ([]*queue.Message, error)
	Acknowledge(ctx context.Context, msg *queue.Message) error
	Stream() queue.Stream
}

// Runner feeds one stream into a pool and acknowledges each message whose
// handler returned nil. Failed messages stay pending and are redelivered
// after the consumer's claim threshold.
type Runner struct {
	source MessageSource
	pool   *Pool
	log    logger.Logger
}

// NewRunner creates a runner for the source with a pool running handler.
func NewRunner(source MessageSource, cfg Config, handler Handler, log logger.Logger) (*Runner, error) {
	log = log.With(logger.String("stream", source.Stream().String()))
	pool, err := NewPool(cfg, handler, log)
	if err != nil {
		return nil, err
	}
	return &Runner{source: source, pool: pool, log: log}, nil
}

// Run consumes until ctx is cancelled, then drains the pool.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.pool.Start(); err != nil {
		return err
	}
	defer func() {
		if stopErr := r.pool.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			r.log.Warn("stop pool failed", logger.Error(stopErr))
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := r.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("read stream failed", logger.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			if submitErr := r.pool.Submit(ctx, msg, r.ackOnSuccess(ctx, msg)); submitErr != nil {
				if errors.Is(submitErr, context.Canceled) || ctx.Err() != nil {
					return nil
				}
				r.log.Warn("submit message failed", logger.String("message_id", msg.ID), logger.Error(submitErr))
			}
		}
	}
}

func (r *Runner) ackOnSuccess(ctx context.Context, msg *queue.Message) func(error) {
	return func(err error) {
		if err != nil {
			return
		}
		if ackErr := r.source.Acknowledge(context.WithoutCancel(ctx), msg); ackErr != nil {
			r.log.Warn("ack message failed", logger.String("message_id", msg.ID), logger.Error(ackErr))
		}
	}
}
