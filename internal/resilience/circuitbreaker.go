// Package resilience protects the relay from slow or failing auxiliary
// dependencies.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open). [GuardStore] wraps the sample store with one so
// that a database outage costs the health monitor nothing but a log line.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets a single trial call through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// Defaults applied by [NewBreaker].
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = time.Minute
	DefaultCallTimeout = 5 * time.Second
)

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that open the breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration

	// CallTimeout bounds every call made through the breaker.
	CallTimeout time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	callTimeout time.Duration
	clock       clock.Clock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed [Breaker]. Zero-value config fields are replaced
// with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		callTimeout: cfg.CallTimeout,
		clock:       cfg.Clock,
	}
}

// Do runs fn under CallTimeout if the breaker admits the call, and returns
// [ErrOpen] without calling fn otherwise. Cancellation of the caller's ctx is
// not counted as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	err = fn(callCtx)
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.probing = false
	}
	switch {
	case err == nil:
		b.succeed(trial)
	case ctx.Err() != nil:
		// The caller gave up; the dependency told us nothing.
	default:
		b.fail(trial, err)
	}
	return err
}

// admit decides whether a call may proceed and whether it is the half-open
// trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Since(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		slog.Info("circuit half-open, probing", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

// succeed must be called with b.mu held.
func (b *Breaker) succeed(trial bool) {
	b.failures = 0
	if trial {
		b.state = StateClosed
		slog.Info("circuit closed", "name", b.name)
	}
}

// fail must be called with b.mu held.
func (b *Breaker) fail(trial bool, err error) {
	b.failures++
	if !trial && b.failures < b.maxFailures {
		return
	}
	if b.state != StateOpen {
		slog.Warn("circuit opened", "name", b.name, "failures", b.failures, "cooldown", b.cooldown, "err", err)
	}
	b.state = StateOpen
	b.openedAt = b.clock.Now()
}

// State returns the current [State]. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}
