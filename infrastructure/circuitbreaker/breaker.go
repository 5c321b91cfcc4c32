// Package circuitbreaker guards calls to an unreliable dependency.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling through while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int `yaml:"success_threshold"`
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// IsFailure decides which errors count against the circuit. Nil counts every error.
	IsFailure func(error) bool `yaml:"-"`
	// OnStateChange is called with the lock held; it must not call back into the breaker.
	OnStateChange func(from, to State) `yaml:"-"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New returns a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	wait := b.cfg.OpenTimeout - b.now().Sub(b.openedAt)
	if wait > 0 {
		return fmt.Errorf("%w: retry in %s", ErrOpen, wait.Round(time.Millisecond))
	}
	b.transition(StateHalfOpen)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && (b.cfg.IsFailure == nil || b.cfg.IsFailure(err))
	if !failed {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State reports the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
