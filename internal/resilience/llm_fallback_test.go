package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/portvoice/pkg/provider/llm"
	llmmock "github.com/MrWong99/portvoice/pkg/provider/llm/mock"
)

var req = llm.CompletionRequest{UserPrompt: "入港許可を要請"}

func breakerCfg() BreakerConfig {
	return BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}
}

func TestLLMFallback_PrimarySucceeds(t *testing.T) {
	primary := &llmmock.Provider{Replies: []llmmock.Reply{{Content: "ok-primary"}}}
	secondary := &llmmock.Provider{Replies: []llmmock.Reply{{Content: "ok-secondary"}}}

	f := NewLLMFallback("primary", primary, breakerCfg())
	f.AddFallback("secondary", secondary)

	resp, err := f.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok-primary" {
		t.Errorf("Content = %q, want ok-primary", resp.Content)
	}
	if secondary.RequestCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.RequestCount())
	}
}

func TestLLMFallback_FailsOverToSecondary(t *testing.T) {
	primary := &llmmock.Provider{Replies: []llmmock.Reply{{Err: errors.New("503")}}}
	secondary := &llmmock.Provider{Replies: []llmmock.Reply{{Content: "ok-secondary"}}}

	f := NewLLMFallback("primary", primary, breakerCfg())
	f.AddFallback("secondary", secondary)

	resp, err := f.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok-secondary" {
		t.Errorf("Content = %q, want ok-secondary", resp.Content)
	}
}

func TestLLMFallback_AllFailed(t *testing.T) {
	primary := &llmmock.Provider{Replies: []llmmock.Reply{{Err: errors.New("down")}}}
	f := NewLLMFallback("primary", primary, breakerCfg())

	_, err := f.Complete(context.Background(), req)
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("Complete = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &llmmock.Provider{Replies: []llmmock.Reply{{Err: errors.New("down")}}}
	secondary := &llmmock.Provider{Replies: []llmmock.Reply{{Content: "ok"}}}

	f := NewLLMFallback("primary", primary, breakerCfg())
	f.AddFallback("secondary", secondary)

	// Two failures trip the primary's breaker.
	for i := 0; i < 2; i++ {
		if _, err := f.Complete(context.Background(), req); err != nil {
			t.Fatalf("Complete %d: %v", i, err)
		}
	}
	primaryCalls := primary.RequestCount()

	if _, err := f.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete with open breaker: %v", err)
	}
	if primary.RequestCount() != primaryCalls {
		t.Error("primary called while its breaker is open")
	}
}

func TestLLMFallback_ExpiredContextNotFailedOver(t *testing.T) {
	primary := &llmmock.Provider{Replies: []llmmock.Reply{{Content: "ok"}}}
	secondary := &llmmock.Provider{Replies: []llmmock.Reply{{Content: "ok"}}}

	f := NewLLMFallback("primary", primary, breakerCfg())
	f.AddFallback("secondary", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Complete(ctx, req); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if primary.RequestCount() != 0 || secondary.RequestCount() != 0 {
		t.Error("backends called despite cancelled context")
	}
}

func TestLLMFallback_Backends(t *testing.T) {
	f := NewLLMFallback("bedrock", &llmmock.Provider{}, breakerCfg())
	f.AddFallback("ollama", &llmmock.Provider{})
	got := f.Backends()
	if len(got) != 2 || got[0] != "bedrock" || got[1] != "ollama" {
		t.Errorf("Backends = %v, want [bedrock ollama]", got)
	}
}
