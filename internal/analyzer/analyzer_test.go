package analyzer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	llmmock "github.com/MrWong99/portvoice/pkg/provider/llm/mock"
)

const modelReplyGreen = `{"classification":"GREEN","suggestedResponse":"入港を許可します。第3バースへどうぞ。","confidence":0.9,"riskFactors":[],"recommendedActions":[]}`

// checkInvariants asserts the properties every Result must satisfy.
func checkInvariants(t *testing.T, r Result) {
	t.Helper()
	if !r.Classification.IsValid() {
		t.Errorf("Classification = %q, outside the allowed set", r.Classification)
	}
	if r.SuggestedResponse == "" {
		t.Error("SuggestedResponse is empty")
	}
	if strings.ContainsAny(r.SuggestedResponse, `{}[]"`) {
		t.Errorf("SuggestedResponse %q contains raw JSON artifacts", r.SuggestedResponse)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		t.Errorf("Confidence = %v, outside [0,1]", r.Confidence)
	}
	if r.Timestamp.IsZero() {
		t.Error("Timestamp not stamped")
	}
}

func TestAnalyze_ModelPath(t *testing.T) {
	provider := &llmmock.Provider{Replies: []llmmock.Reply{{Content: modelReplyGreen}}}
	a := New(provider)

	result := a.Analyze(context.Background(), "博多港VTS、入港許可を要請", Context{ConnectionID: "c1"})
	checkInvariants(t, result)

	if result.Classification != Green {
		t.Errorf("Classification = %q, want GREEN", result.Classification)
	}
	if result.Error != "" {
		t.Errorf("Error = %q, want empty on the model path", result.Error)
	}
	req := provider.LastRequest()
	if !strings.Contains(req.UserPrompt, "入港許可") {
		t.Errorf("user prompt %q does not carry the transcript", req.UserPrompt)
	}
	if req.SystemPrompt == "" {
		t.Error("system prompt missing")
	}
	if req.MaxTokens != 300 {
		t.Errorf("MaxTokens = %d, want default 300", req.MaxTokens)
	}
}

func TestAnalyze_EmergencyFastPathBypassesModel(t *testing.T) {
	provider := &llmmock.Provider{Replies: []llmmock.Reply{{Content: modelReplyGreen}}}
	a := New(provider)

	result := a.Analyze(context.Background(), "メーデー、メーデー、機関故障", Context{})
	checkInvariants(t, result)

	if result.Classification != Red {
		t.Errorf("Classification = %q, want RED", result.Classification)
	}
	if result.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", result.Confidence)
	}
	if !result.IsEmergency {
		t.Error("IsEmergency = false, want true")
	}
	if provider.RequestCount() != 0 {
		t.Errorf("model called %d times, want 0 on the fast path", provider.RequestCount())
	}
}

func TestAnalyze_UpstreamFailureTakesFallback(t *testing.T) {
	provider := &llmmock.Provider{Replies: []llmmock.Reply{{Err: errors.New("throttled")}}}
	a := New(provider)

	result := a.Analyze(context.Background(), "機関室で火災が発生した", Context{})
	checkInvariants(t, result)

	if result.Classification != Red {
		t.Errorf("Classification = %q, want RED via keyword heuristic", result.Classification)
	}
	if result.Error == "" {
		t.Error("Error not set on the fallback path")
	}
	if strings.Contains(result.Error, "throttled") {
		t.Errorf("Error %q leaks the upstream failure", result.Error)
	}
}

func TestAnalyze_TimeoutTakesFallback(t *testing.T) {
	// A Delay channel that never fires forces the per-call timeout.
	provider := &llmmock.Provider{
		Replies: []llmmock.Reply{{Content: modelReplyGreen}},
		Delay:   make(chan struct{}),
	}
	a := New(provider, WithTimeout(20*time.Millisecond))

	start := time.Now()
	result := a.Analyze(context.Background(), "定時連絡です、異常ありません", Context{})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Analyze took %v, timeout not applied", elapsed)
	}
	checkInvariants(t, result)

	if result.Classification != Green {
		t.Errorf("Classification = %q, want GREEN from heuristic", result.Classification)
	}
	if result.Error == "" {
		t.Error("Error not set after timeout")
	}
}

func TestAnalyze_UnparseableReplyTakesFallback(t *testing.T) {
	provider := &llmmock.Provider{Replies: []llmmock.Reply{{Content: "了解しました。特に問題ありません。"}}}
	a := New(provider)

	result := a.Analyze(context.Background(), "強風のため視界不良", Context{})
	checkInvariants(t, result)

	if result.Classification != Amber {
		t.Errorf("Classification = %q, want AMBER via keywords", result.Classification)
	}
	if result.Error == "" {
		t.Error("Error not set for unparseable reply")
	}
}

func TestAnalyze_EmptyTranscriptTakesFallback(t *testing.T) {
	provider := &llmmock.Provider{}
	a := New(provider)

	result := a.Analyze(context.Background(), "\x00\x01<>", Context{})
	checkInvariants(t, result)
	if provider.RequestCount() != 0 {
		t.Error("model should not be called for a transcript that sanitizes to nothing")
	}
}

func TestAnalyze_ContextFieldsReachPrompt(t *testing.T) {
	provider := &llmmock.Provider{Replies: []llmmock.Reply{{Content: modelReplyGreen}}}
	a := New(provider)

	a.Analyze(context.Background(), "入港許可を要請", Context{
		Location:   "博多湾第一航路",
		VesselInfo: "コンテナ船 はかた丸",
		Timestamp:  time.Date(2025, 8, 14, 10, 30, 0, 0, time.UTC),
	})

	prompt := provider.LastRequest().UserPrompt
	for _, want := range []string{"博多湾第一航路", "はかた丸", "2025-08-14T10:30:00Z"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt %q missing %q", prompt, want)
		}
	}
}

func TestAnalyze_ConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	provider := &llmmock.Provider{
		Replies: []llmmock.Reply{{Content: modelReplyGreen}},
		Delay:   release,
	}
	a := New(provider, WithMaxConcurrent(2), WithTimeout(5*time.Second))

	done := make(chan Result, 3)
	for i := 0; i < 3; i++ {
		go func() {
			done <- a.Analyze(context.Background(), "定時連絡、異常ありません", Context{})
		}()
	}

	// Only two calls may be in flight while the third queues on the
	// semaphore.
	deadline := time.Now().Add(time.Second)
	for provider.RequestCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := provider.RequestCount(); got != 2 {
		t.Errorf("in-flight calls = %d, want 2", got)
	}

	close(release)
	for i := 0; i < 3; i++ {
		checkInvariants(t, <-done)
	}
	if got := provider.RequestCount(); got != 3 {
		t.Errorf("total calls = %d, want 3", got)
	}
}
