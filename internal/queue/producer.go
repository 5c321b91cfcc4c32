package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Default max stream length to prevent unbounded growth.
	defaultMaxStreamLen = 10000

	// Default number of due entries moved per promote call.
	defaultPromoteBatch = 100
)

// promoteScript atomically moves due members of a delayed set into its stream.
//
// KEYS[1] delayed set, KEYS[2] stream
// ARGV[1] now (unix ms), ARGV[2] batch, ARGV[3] enqueued_at
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('XADD', KEYS[2], '*', 'job', member, 'enqueued_at', ARGV[3])
	redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// Producer handles enqueueing jobs to Redis Streams.
type Producer struct {
	streams      *Streams
	maxStreamLen int64
	promoteBatch int64
	now          func() time.Time
}

// ProducerConfig holds configuration for the Producer.
type ProducerConfig struct {
	MaxStreamLen int64 // Maximum stream length (0 = default)
	PromoteBatch int64 // Due entries moved per Promote call (0 = default)
}

// NewProducer creates a new job producer.
func NewProducer(streams *Streams, cfg ProducerConfig) *Producer {
	maxLen := cfg.MaxStreamLen
	if maxLen <= 0 {
		maxLen = defaultMaxStreamLen
	}
	batch := cfg.PromoteBatch
	if batch <= 0 {
		batch = defaultPromoteBatch
	}

	return &Producer{
		streams:      streams,
		maxStreamLen: maxLen,
		promoteBatch: batch,
		now:          time.Now,
	}
}

// Enqueue adds a job to the stream.
func (p *Producer) Enqueue(ctx context.Context, stream Stream, job Job) (string, error) {
	jobData, err := encodeJob(job)
	if err != nil {
		return "", err
	}

	values := map[string]any{
		JobDataField:    jobData,
		EnqueuedAtField: p.now().UTC().Format(time.RFC3339Nano),
	}

	key := p.streams.Key(stream)
	messageID, addErr := p.streams.rdb.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values}).Result()
	if addErr != nil {
		return "", fmt.Errorf("failed to enqueue job to stream %s: %w", key, addErr)
	}
	return messageID, nil
}

// EnqueueAfter schedules the job to enter the stream once delay has passed.
// Scheduling the same job again replaces its due time. A non-positive delay
// enqueues immediately.
func (p *Producer) EnqueueAfter(ctx context.Context, stream Stream, job Job, delay time.Duration) error {
	if delay <= 0 {
		_, err := p.Enqueue(ctx, stream, job)
		return err
	}

	jobData, err := encodeJob(job)
	if err != nil {
		return err
	}

	due := p.now().Add(delay).UnixMilli()
	key := p.streams.DelayedKey(stream)
	if addErr := p.streams.rdb.ZAdd(ctx, key, redis.Z{Score: float64(due), Member: jobData}).Err(); addErr != nil {
		return fmt.Errorf("failed to schedule job on %s: %w", key, addErr)
	}
	return nil
}

// Promote moves delayed jobs that are due into the stream and returns how
// many were moved.
func (p *Producer) Promote(ctx context.Context, stream Stream) (int, error) {
	now := p.now()
	keys := []string{p.streams.DelayedKey(stream), p.streams.Key(stream)}

	moved, err := promoteScript.Run(ctx, p.streams.rdb, keys,
		now.UnixMilli(), p.promoteBatch, now.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs for %s: %w", stream, err)
	}
	return moved, nil
}

// TrimStream trims a stream to the maximum length.
func (p *Producer) TrimStream(ctx context.Context, stream Stream) error {
	return p.streams.rdb.XTrimMaxLen(ctx, p.streams.Key(stream), p.maxStreamLen).Err()
}

// TrimAllStreams trims every stream to the maximum length.
func (p *Producer) TrimAllStreams(ctx context.Context) error {
	for _, s := range AllStreams() {
		if err := p.TrimStream(ctx, s); err != nil {
			return fmt.Errorf("failed to trim stream %s: %w", s, err)
		}
	}
	return nil
}

// Depth reports a stream's length and the size of its delayed set.
func (p *Producer) Depth(ctx context.Context, stream Stream) (ready, delayed int64, err error) {
	ready, err = p.streams.rdb.XLen(ctx, p.streams.Key(stream)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get depth for %s: %w", stream, err)
	}
	delayed, err = p.streams.rdb.ZCard(ctx, p.streams.DelayedKey(stream)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get delayed depth for %s: %w", stream, err)
	}
	return ready, delayed, nil
}
