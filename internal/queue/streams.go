// Package queue is curator's at-least-once job transport: Redis Streams
// consumer groups plus a sorted set of delayed retries per stream.
package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "curator"

// Stream names one logical queue.
type Stream string

const (
	// StreamProcess carries per-content processing jobs (high priority).
	StreamProcess Stream = "process"
	// StreamCluster carries per-partition recompute jobs (low priority).
	StreamCluster Stream = "cluster"
)

// AllStreams returns every stream, highest priority first.
func AllStreams() []Stream {
	return []Stream{StreamProcess, StreamCluster}
}

func (s Stream) String() string { return string(s) }

// Streams binds a Redis client to curator's key layout:
//
//	<prefix>:jobs:<stream>     the stream itself
//	<prefix>:delayed:<stream>  retries waiting for their due time
type Streams struct {
	rdb    *redis.Client
	prefix string
}

// NewStreams returns the key layout under prefix, "curator" when empty.
func NewStreams(rdb *redis.Client, prefix string) *Streams {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Streams{rdb: rdb, prefix: prefix}
}

// Key returns the Redis key of a stream.
func (s *Streams) Key(stream Stream) string {
	return s.prefix + ":jobs:" + string(stream)
}

// DelayedKey returns the Redis key of a stream's delayed-retry sorted set.
func (s *Streams) DelayedKey(stream Stream) string {
	return s.prefix + ":delayed:" + string(stream)
}

// Redis returns the underlying client.
func (s *Streams) Redis() *redis.Client { return s.rdb }

// Ping checks that Redis answers.
func (s *Streams) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// EnsureGroup creates the consumer group, and the stream with it, reading
// from the beginning. An existing group is left alone.
func (s *Streams) EnsureGroup(ctx context.Context, stream Stream, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.Key(stream), group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, s.Key(stream), err)
	}
	return nil
}
