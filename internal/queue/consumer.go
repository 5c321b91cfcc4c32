package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/curator/infrastructure/logger"
)

const (
	defaultConsumerGroup = "curator-workers"
	defaultBlockTimeout  = 5 * time.Second
	defaultBatchSize     = 10
	defaultClaimMinIdle  = 15 * time.Minute

	pendingScanLimit = 100
)

// ConsumerConfig identifies a consumer and tunes its reads. Zero durations
// and sizes take the defaults.
type ConsumerConfig struct {
	Stream        Stream
	ConsumerGroup string
	ConsumerID    string
	BlockTimeout  time.Duration
	BatchSize     int64
	// ClaimMinIdle is how long a delivered message may sit unacknowledged
	// before another consumer takes it over.
	ClaimMinIdle time.Duration
}

func (c *ConsumerConfig) withDefaults() error {
	if c.ConsumerID == "" {
		return errors.New("consumer ID is required")
	}
	if c.Stream == "" {
		return errors.New("stream is required")
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = defaultConsumerGroup
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = defaultBlockTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = defaultClaimMinIdle
	}
	return nil
}

// Consumer reads jobs from one stream through a consumer group.
type Consumer struct {
	streams *Streams
	cfg     ConsumerConfig
	key     string
	log     logger.Logger
}

// NewConsumer creates a consumer. Call Initialize before the first Read.
func NewConsumer(streams *Streams, cfg ConsumerConfig, log logger.Logger) (*Consumer, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return &Consumer{
		streams: streams,
		cfg:     cfg,
		key:     streams.Key(cfg.Stream),
		log:     log.With(logger.String("stream", cfg.Stream.String()), logger.String("consumer", cfg.ConsumerID)),
	}, nil
}

// Initialize makes sure the consumer group exists.
func (c *Consumer) Initialize(ctx context.Context) error {
	return c.streams.EnsureGroup(ctx, c.cfg.Stream, c.cfg.ConsumerGroup)
}

// Read returns messages abandoned by other consumers first, then new ones.
// It blocks up to the block timeout when the stream is empty.
func (c *Consumer) Read(ctx context.Context) ([]*Message, error) {
	if claimed := c.claimAbandoned(ctx); len(claimed) > 0 {
		return claimed, nil
	}

	res, err := c.streams.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerID,
		Streams:  []string{c.key, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.key, err)
	}

	var raw []redis.XMessage
	for _, s := range res {
		raw = append(raw, s.Messages...)
	}
	return c.decode(ctx, raw, nil), nil
}

// Acknowledge marks a message as handled. Unacknowledged messages are
// redelivered once they sit idle past the claim threshold.
func (c *Consumer) Acknowledge(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	return c.streams.rdb.XAck(ctx, c.key, c.cfg.ConsumerGroup, msg.ID).Err()
}

// PendingCount returns the number of delivered but unacknowledged messages.
func (c *Consumer) PendingCount(ctx context.Context) (int64, error) {
	summary, err := c.streams.rdb.XPending(ctx, c.key, c.cfg.ConsumerGroup).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pending %s: %w", c.key, err)
	}
	return summary.Count, nil
}

// Stream returns the stream the consumer reads.
func (c *Consumer) Stream() Stream { return c.cfg.Stream }

// claimAbandoned takes over pending messages idle past ClaimMinIdle. Errors
// are logged and treated as nothing to claim so fresh reads continue.
func (c *Consumer) claimAbandoned(ctx context.Context) []*Message {
	pending, err := c.streams.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.key,
		Group:  c.cfg.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  pendingScanLimit,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("list pending messages failed", logger.Error(err))
		}
		return nil
	}

	var ids []string
	deliveries := make(map[string]int64)
	for _, p := range pending {
		if p.Idle < c.cfg.ClaimMinIdle {
			continue
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := c.streams.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.key,
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerID,
		MinIdle:  c.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		c.log.Warn("claim pending messages failed", logger.Error(err))
		return nil
	}
	if len(claimed) > 0 {
		c.log.Info("reclaimed pending messages", logger.Int("count", len(claimed)))
	}
	return c.decode(ctx, claimed, deliveries)
}

// decode parses raw entries. Malformed ones are acknowledged and dropped so
// they are not redelivered forever.
func (c *Consumer) decode(ctx context.Context, raw []redis.XMessage, deliveries map[string]int64) []*Message {
	out := make([]*Message, 0, len(raw))
	for _, m := range raw {
		msg, err := parseMessage(m, c.cfg.Stream)
		if err != nil {
			c.log.Warn("dropping malformed message", logger.String("message_id", m.ID), logger.Error(err))
			if ackErr := c.streams.rdb.XAck(ctx, c.key, c.cfg.ConsumerGroup, m.ID).Err(); ackErr != nil {
				c.log.Warn("ack malformed message failed", logger.Error(ackErr))
			}
			continue
		}
		msg.Deliveries = deliveries[m.ID]
		out = append(out, msg)
	}
	return out
}
