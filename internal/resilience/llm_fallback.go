package resilience

import (
	"context"

	"github.com/MrWong99/portvoice/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple LLM backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
//
// An expired caller context is not failed over: when the deadline has passed
// there is no budget left to try another backend.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primaryName string, primary llm.Provider, breaker BreakerConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primaryName, primary, breaker),
	}
}

// AddFallback registers an additional LLM provider as a fallback. Must be
// called during startup wiring, before the first Complete.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.Add(name, provider)
}

// Backends returns the backend names in trial order.
func (f *LLMFallback) Backends() []string {
	return f.group.Names()
}

// Complete sends the request to the first healthy backend and returns its
// response. If the primary fails, subsequent fallbacks are tried until the
// context expires.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Invoke(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Complete(ctx, req)
	})
}
