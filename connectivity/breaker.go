package connectivity

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass
	BreakerOpen                         // calls rejected
	BreakerHalfOpen                     // probing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "closed"
}

// CircuitBreaker stops calling a failing remote store for a while so page
// sessions fall back or fail fast instead of piling up timeouts.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	threshold int
	cooldown  time.Duration
	probes    int
	openedAt  time.Time
	now       func() time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets how many consecutive failures open the breaker.
func WithBreakerThreshold(n int) BreakerOption { return func(cb *CircuitBreaker) { cb.threshold = n } }

// WithBreakerCooldown sets how long the breaker stays open.
func WithBreakerCooldown(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithBreakerProbes sets how many half-open successes close the breaker.
func WithBreakerProbes(n int) BreakerOption { return func(cb *CircuitBreaker) { cb.probes = n } }

// WithBreakerClock sets the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker defaults to 5 failures, 30s cooldown, 2 probes.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{threshold: 5, cooldown: 30 * time.Second, probes: 2, now: time.Now}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tick()
	return cb.state
}

// Allow reports whether a call may go through.
func (cb *CircuitBreaker) Allow() bool { return cb.State() != BreakerOpen }

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tick()
	switch cb.state {
	case BreakerHalfOpen:
		if cb.successes++; cb.successes >= cb.probes {
			cb.state, cb.failures, cb.successes = BreakerClosed, 0, 0
		}
	case BreakerClosed:
		cb.failures = 0
	}
}

// RecordFailure notes a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tick()
	switch cb.state {
	case BreakerClosed:
		if cb.failures++; cb.failures >= cb.threshold {
			cb.state, cb.openedAt = BreakerOpen, cb.now()
		}
	case BreakerHalfOpen:
		cb.state, cb.openedAt, cb.successes = BreakerOpen, cb.now(), 0
	}
}

func (cb *CircuitBreaker) tick() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state, cb.successes = BreakerHalfOpen, 0
	}
}

// Breaker rejects calls with *ErrCircuitOpen while cb is open. A 4xx answer
// counts as a success: the daemon is up.
func Breaker(cb *CircuitBreaker, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if !cb.Allow() {
				return nil, &ErrCircuitOpen{Service: service}
			}
			resp, err := next(ctx, payload)
			if err != nil && !answered(err) {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			return resp, err
		}
	}
}
