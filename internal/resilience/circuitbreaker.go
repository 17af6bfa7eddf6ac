// Package resilience provides circuit breaker and provider failover
// primitives for the gateway's LLM upstreams.
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open) that keeps a dead upstream from adding its full
// timeout to every utterance. [FallbackGroup] composes multiple instances of
// any provider type with per-entry breakers so that a failing primary is
// automatically bypassed in favour of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Do] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the current operating mode of a [CircuitBreaker].
type BreakerState int

const (
	// BreakerClosed is the normal operating state — all calls are forwarded.
	BreakerClosed BreakerState = iota

	// BreakerOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with [ErrCircuitOpen] until
	// the reset timeout elapses.
	BreakerOpen

	// BreakerHalfOpen is the probe state entered after the reset timeout.
	// One call is allowed through; success closes the breaker, failure
	// re-opens it.
	BreakerHalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerConfig holds tuning knobs for a [CircuitBreaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting a
	// probe call. Default: 30s.
	ResetTimeout time.Duration
}

// CircuitBreaker implements the three-state circuit breaker pattern with a
// single-probe half-open state. It is safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	lastFailure     time.Time
	probing         bool
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		state:        BreakerClosed,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state exactly one
// probe call is permitted at a time.
func (cb *CircuitBreaker) Do(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = BreakerHalfOpen
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
		fallthrough
	case BreakerHalfOpen:
		if cb.probing {
			// A probe is already in flight; reject until it resolves.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	probe := cb.state == BreakerHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe {
		cb.probing = false
	}

	if err != nil {
		cb.lastFailure = time.Now()
		if probe {
			cb.state = BreakerOpen
			slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
			return err
		}
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.maxFailures && cb.state == BreakerClosed {
			cb.state = BreakerOpen
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", cb.consecutiveFail)
		}
		return err
	}

	if probe {
		slog.Info("circuit breaker closed after successful probe", "name", cb.name)
	}
	cb.state = BreakerClosed
	cb.consecutiveFail = 0
	return nil
}

// State returns the current [BreakerState]. If the breaker is open and the
// reset timeout has elapsed, the returned state is [BreakerHalfOpen] (the
// actual transition happens on the next [CircuitBreaker.Do] call).
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [BreakerClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.consecutiveFail = 0
	cb.probing = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
