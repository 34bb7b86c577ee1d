// Package faults classifies messaging errors, isolates failing dependencies
// behind circuit breakers, and produces non-technical, user-facing
// remediation hints. This file implements the circuit breaker and its
// per-(category, key) registry.
package faults

import (
	"sync"
	"time"
)

// BreakerState is the lifecycle state of a circuit breaker.
type BreakerState string

const (
	// BreakerClosed lets calls through and counts consecutive failures.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen fails fast until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets a bounded number of trial calls through.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker from closed.
	FailureThreshold int
	// Timeout is how long an open breaker waits before probing half-open.
	Timeout time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int
	// HalfOpenSuccesses is how many consecutive trial successes close the
	// breaker again. Successes must be consecutive: any half-open failure
	// reopens immediately and resets the streak.
	HalfOpenSuccesses int
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  10,
		Timeout:           60 * time.Second,
		HalfOpenMaxCalls:  3,
		HalfOpenSuccesses: 3,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 3
	}
	return c
}

// CircuitBreaker guards one failure domain. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig

	// Now is a test seam for the monotonic-ish clock.
	Now func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastFailure  time.Time
	trialCalls   int
	trialHits    int
	stateChanged func(from, to BreakerState)
}

// NewCircuitBreaker constructs a closed breaker with the given tuning.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg.normalized(),
		Now:   time.Now,
		state: BreakerClosed,
	}
}

// OnStateChange registers a hook invoked (with the lock held released) after
// every state transition. Used for metrics.
func (b *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.stateChanged = fn
	b.mu.Unlock()
}

// State reports the current state, applying the open→half-open timeout
// transition when the cooldown has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

// Allow reports whether a call may proceed right now. Half-open admits at
// most HalfOpenMaxCalls concurrent trials.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.trialCalls < b.cfg.HalfOpenMaxCalls {
			b.trialCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess counts a successful call. Enough consecutive half-open
// successes close the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	var hook func(from, to BreakerState)
	var from BreakerState
	switch b.state {
	case BreakerHalfOpen:
		b.trialHits++
		if b.trialHits >= b.cfg.HalfOpenSuccesses {
			from, hook = b.state, b.stateChanged
			b.toClosed()
		}
	case BreakerClosed:
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()
	if hook != nil && from != to {
		hook(from, to)
	}
}

// RecordFailure counts a failed call. Reaching the threshold while closed,
// or any failure while half-open, opens the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	var hook func(from, to BreakerState)
	from := b.state
	b.lastFailure = b.Now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			hook = b.stateChanged
			b.toOpen()
		}
	case BreakerHalfOpen:
		hook = b.stateChanged
		b.toOpen()
	default:
		// already open; refresh lastFailure only
	}
	to := b.state
	b.mu.Unlock()
	if hook != nil && from != to {
		hook(from, to)
	}
}

// maybeProbe transitions open→half-open once the cooldown has elapsed.
// Callers must hold the lock.
func (b *CircuitBreaker) maybeProbe() {
	if b.state == BreakerOpen && b.Now().Sub(b.lastFailure) >= b.cfg.Timeout {
		b.state = BreakerHalfOpen
		b.trialCalls = 0
		b.trialHits = 0
	}
}

func (b *CircuitBreaker) toOpen() {
	b.state = BreakerOpen
	b.failures = 0
	b.trialCalls = 0
	b.trialHits = 0
}

func (b *CircuitBreaker) toClosed() {
	b.state = BreakerClosed
	b.failures = 0
	b.trialCalls = 0
	b.trialHits = 0
}

// BreakerRegistry hands out one breaker per (category, key) failure domain.
// It is safe for concurrent use by every consumer session in the process.
type BreakerRegistry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	onChange func(domain string, from, to BreakerState)
}

// NewBreakerRegistry constructs an empty registry with shared tuning.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg.normalized(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange registers a hook applied to every breaker in the registry.
func (r *BreakerRegistry) OnStateChange(fn func(domain string, from, to BreakerState)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// For returns the breaker guarding the (category, key) domain, creating it
// on first use.
func (r *BreakerRegistry) For(category ErrorCategory, key string) *CircuitBreaker {
	domain := string(category) + ":" + key
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[domain]; ok {
		return b
	}
	b := NewCircuitBreaker(r.cfg)
	if r.onChange != nil {
		fn := r.onChange
		b.OnStateChange(func(from, to BreakerState) { fn(domain, from, to) })
	}
	r.breakers[domain] = b
	return b
}

// States snapshots the current state of every breaker, keyed by domain.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.Lock()
	bs := make(map[string]*CircuitBreaker, len(r.breakers))
	for k, b := range r.breakers {
		bs[k] = b
	}
	r.mu.Unlock()

	out := make(map[string]BreakerState, len(bs))
	for k, b := range bs {
		out[k] = b.State()
	}
	return out
}
