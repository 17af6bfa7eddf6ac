// Package mock provides test doubles for the llm package interfaces.
//
// Use Provider to script model replies and inspect the requests the caller
// made. Replies are consumed in order; when the script is exhausted the last
// entry repeats.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/portvoice/pkg/provider/llm"
)

// Reply is one scripted response: either Content or Err.
type Reply struct {
	Content string
	Err     error
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Replies are returned from Complete in order. The last entry repeats
	// once exhausted. When empty, Complete returns an empty response.
	Replies []Reply

	// CompleteFn, if set, overrides the scripted replies entirely.
	CompleteFn func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Delay, if set, is waited (or ctx expiry, whichever first) before each
	// reply — used to simulate slow upstreams.
	Delay <-chan struct{}

	// Requests records every request passed to Complete.
	Requests []llm.CompletionRequest

	next int
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Complete records the request and plays back the next scripted reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	fn := p.CompleteFn
	delay := p.Delay
	var reply Reply
	if len(p.Replies) > 0 {
		idx := p.next
		if idx >= len(p.Replies) {
			idx = len(p.Replies) - 1
		}
		reply = p.Replies[idx]
		p.next++
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &llm.CompletionResponse{Content: reply.Content}, nil
}

// RequestCount returns the number of Complete calls made so far.
func (p *Provider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// LastRequest returns the most recent request, or a zero request when none
// was made.
func (p *Provider) LastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Requests) == 0 {
		return llm.CompletionRequest{}
	}
	return p.Requests[len(p.Requests)-1]
}
