// Package coordination provides the cross-process locks curator uses to
// serialize partition recomputes.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLockTTL is how long a lease lives without renewal.
	DefaultLockTTL = 30 * time.Second

	// DefaultRetryDelay is the pause between acquisition attempts.
	DefaultRetryDelay = 100 * time.Millisecond
)

var (
	// ErrLockNotAcquired is returned when a lease cannot be taken in time.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrLockNotHeld is returned when the lease expired or belongs to
	// someone else.
	ErrLockNotHeld = errors.New("lock not held")
)

// ownerScript renews (ARGV[2] > 0, in ms) or releases (ARGV[2] == 0) the key
// only while it still holds the caller's token.
//
// KEYS[1] lease key
// ARGV[1] token, ARGV[2] ttl ms
var ownerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[2]) == 0 then
	return redis.call('DEL', KEYS[1])
end
return redis.call('PEXPIRE', KEYS[1], ARGV[2])
`)

// Lease is an exclusive, expiring claim on a Redis key. Only the holder's
// token can renew or release it.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Acquire polls every retryDelay until the key is free or wait elapses. A
// non-positive wait makes a single attempt.
func Acquire(ctx context.Context, client *redis.Client, key string, ttl, wait, retryDelay time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	lease := &Lease{client: client, key: key, token: uuid.NewString(), ttl: ttl}
	deadline := time.Now().Add(wait)

	for {
		ok, err := client.SetNX(ctx, key, lease.token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return lease, nil
		}
		if !time.Now().Add(retryDelay).Before(deadline) {
			return nil, ErrLockNotAcquired
		}

		timer := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Renew pushes the expiry out by the lease TTL.
func (l *Lease) Renew(ctx context.Context) error {
	return l.owner(ctx, l.ttl.Milliseconds(), "renew")
}

// Release deletes the key. Releasing an expired lease returns ErrLockNotHeld.
func (l *Lease) Release(ctx context.Context) error {
	return l.owner(ctx, 0, "release")
}

func (l *Lease) owner(ctx context.Context, ttlMillis int64, op string) error {
	n, err := ownerScript.Run(ctx, l.client, []string{l.key}, l.token, ttlMillis).Int()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, l.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Key returns the Redis key.
func (l *Lease) Key() string { return l.key }
