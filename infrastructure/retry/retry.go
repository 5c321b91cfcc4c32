// Package retry provides exponential backoff schedules and an in-process
// retry loop for transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes an exponential backoff schedule.
type Policy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultPolicy is used for any zero field of a Policy.
var DefaultPolicy = Policy{
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
}

func (p Policy) normalized() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultPolicy.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultPolicy.Multiplier
	}
	return p
}

// Backoff returns the delay to wait after the given failed attempt
// (1-based): InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do calls fn up to maxAttempts times, sleeping per policy between
// attempts. Errors for which retryable returns false are returned as-is.
func Do(ctx context.Context, p Policy, maxAttempts int, retryable func(error) bool, fn func(context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return last
		}
		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, last)
}
