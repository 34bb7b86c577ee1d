// Package retry provides a generic retry executor for fallible operations,
// with configurable backoff strategies and per-operation attempt tracking.
// Delays between attempts are pure functions of the attempt index so callers
// (and tests) can compute schedules without sleeping.
package retry

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	// StrategyExponential grows the delay as initial * multiplier^attempt.
	StrategyExponential Strategy = "exponential"
	// StrategyLinear grows the delay as initial * (attempt + 1).
	StrategyLinear Strategy = "linear"
	// StrategyFixed keeps the delay constant at the initial value.
	StrategyFixed Strategy = "fixed"
)

// Config configures an Executor.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay for growing strategies.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor (ignored by other strategies).
	Multiplier float64
	// Strategy selects the backoff curve.
	Strategy Strategy
}

// DefaultConfig returns the retry policy used for message persistence:
// three attempts with exponential backoff starting at one second.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Strategy:     StrategyExponential,
	}
}

// normalized returns a copy of the config with zero values replaced by
// workable defaults.
func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.Strategy == "" {
		c.Strategy = StrategyExponential
	}
	return c
}

// Delay computes the sleep before attempt+1 for the zero-based failed
// attempt index, per the configured strategy, capped at MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	c = c.normalized()
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	switch c.Strategy {
	case StrategyLinear:
		d = time.Duration(float64(c.InitialDelay) * float64(attempt+1))
	case StrategyFixed:
		d = c.InitialDelay
	default:
		d = time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt)))
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the executor stops retrying it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Executor retries operations according to its Config and tracks attempt
// counts per operation id for observability. It is safe for concurrent use;
// one instance is shared by every consumer session in the process.
type Executor struct {
	cfg Config

	// Sleep is a test seam; the default waits on a timer or the context.
	Sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	attempts map[string]int
}

// NewExecutor constructs an Executor with the given policy.
func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.normalized(),
		Sleep:    sleepCtx,
		attempts: make(map[string]int),
	}
}

// Config returns the executor's normalized policy.
func (e *Executor) Config() Config { return e.cfg }

// Attempts returns the number of attempts recorded so far for opID.
// It reports 0 once the operation has succeeded or terminally failed.
func (e *Executor) Attempts(opID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[opID]
}

// Do runs op up to MaxAttempts times, sleeping per the backoff strategy
// between failures. It returns nil on the first success and the last error
// once attempts are exhausted. Attempt tracking for opID is cleared on both
// success and terminal failure. A PermanentError or context cancellation
// stops retrying immediately.
func (e *Executor) Do(ctx context.Context, opID string, op func(ctx context.Context) error) error {
	defer e.clear(opID)

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		e.record(opID, attempt+1)

		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == e.cfg.MaxAttempts-1 {
			break
		}
		if err := e.Sleep(ctx, e.cfg.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func (e *Executor) record(opID string, n int) {
	e.mu.Lock()
	e.attempts[opID] = n
	e.mu.Unlock()
}

func (e *Executor) clear(opID string) {
	e.mu.Lock()
	delete(e.attempts, opID)
	e.mu.Unlock()
}

// sleepCtx waits for d or until the context is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
