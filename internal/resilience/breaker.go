// Package resilience provides retry and circuit-breaking primitives for
// calls that leave the process: model completions, container launches.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit position of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker cuts off an unhealthy dependency after a run of consecutive
// failures. While open it fails fast with ErrCircuitOpen; once the cooldown
// elapses a single probe call is admitted, and its result decides whether
// the circuit closes again or reopens.
type Breaker struct {
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool

	clock func() time.Time // for testing
}

// NewBreaker returns a closed breaker that opens after maxFailures
// consecutive failures and stays open for cooldown before probing.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		clock:       time.Now,
	}
}

// State reports the current circuit position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn unless the circuit is open. In half-open state only one
// probe runs at a time; concurrent callers fail fast until it settles.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	probe := b.state == BreakerHalfOpen
	b.probing = false

	if err == nil {
		b.failures = 0
		b.state = BreakerClosed
		return
	}

	b.failures++
	if probe || b.failures >= b.maxFailures {
		b.state = BreakerOpen
		b.openedAt = b.clock()
	}
}
