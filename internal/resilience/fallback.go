package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the
// same provider type. When the primary fails (or its circuit breaker is
// open), the next healthy fallback is tried in registration order.
//
// The group is assembled at startup via [NewFallbackGroup] and
// [FallbackGroup.Add] and is immutable afterwards; Invoke may then be called
// concurrently.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	breaker BreakerConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// breaker parameterises the per-entry circuit breakers.
func NewFallbackGroup[T any](primaryName string, primary T, breaker BreakerConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{breaker: breaker}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback provider. Fallbacks are tried in the order they are
// added, after the primary. Must not be called after the first Invoke.
func (fg *FallbackGroup[T]) Add(name string, provider T) {
	cfg := fg.breaker
	cfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   provider,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Names returns the provider names in trial order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Invoke tries fn against each entry in the group until one succeeds,
// returning the result of the first success. Circuit-breaker-open entries
// are skipped. Returns [ErrAllFailed] wrapped with the last error if every
// entry fails.
func Invoke[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
