// Package analyzer classifies finalized VHF transcripts and drafts operator
// replies.
//
// Every analysis follows the same contract: the caller always gets a valid
// Result — classification in {GREEN, AMBER, RED}, a clean non-empty Japanese
// suggested response, and a confidence clamped into [0,1] — no matter what
// the upstream model returns or whether it can be reached at all. Upstream
// failures degrade through a keyword heuristic, and safety-of-life procedure
// words bypass the model entirely.
package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/portvoice/internal/observe"
	"github.com/MrWong99/portvoice/pkg/provider/llm"
)

// Classification is the three-level risk tag attached to every analysis.
type Classification string

const (
	// Green marks routine traffic.
	Green Classification = "GREEN"

	// Amber marks traffic needing caution or operator attention.
	Amber Classification = "AMBER"

	// Red marks emergency traffic.
	Red Classification = "RED"
)

// IsValid reports whether c is one of the three tags.
func (c Classification) IsValid() bool {
	return c == Green || c == Amber || c == Red
}

// Result is the outcome of one analysis. Invariants: Classification is always
// valid, SuggestedResponse is never empty and never contains raw JSON
// artifacts, Confidence is in [0,1].
type Result struct {
	Classification     Classification `json:"classification"`
	SuggestedResponse  string         `json:"suggestedResponse"`
	Confidence         float64        `json:"confidence"`
	RiskFactors        []string       `json:"riskFactors"`
	RecommendedActions []string       `json:"recommendedActions"`
	Timestamp          time.Time      `json:"timestamp"`
	IsEmergency        bool           `json:"isEmergency,omitempty"`

	// Error carries a user-safe note when the model path failed and the
	// heuristic produced this result. Never a raw upstream error.
	Error string `json:"error,omitempty"`
}

// Context carries optional situational fields included in the user prompt.
type Context struct {
	// ConnectionID identifies the originating console connection.
	ConnectionID string

	// Timestamp is when the utterance was finalized.
	Timestamp time.Time

	// Location optionally names the reporting position.
	Location string

	// VesselInfo optionally describes the calling vessel.
	VesselInfo string
}

// errUnavailable is the user-safe note attached to fallback results.
const errUnavailable = "AI分析サービスが一時的に利用できません"

// Option is a functional option for configuring the Analyzer.
type Option func(*Analyzer)

// WithMaxConcurrent bounds in-flight model calls. Default: 10. Further calls
// queue on the semaphore.
func WithMaxConcurrent(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTimeout bounds a single model call. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithCompletionLimits sets max_tokens and temperature for model calls.
func WithCompletionLimits(maxTokens int, temperature float64) Option {
	return func(a *Analyzer) {
		a.maxTokens = maxTokens
		a.temperature = temperature
	}
}

// WithMetrics attaches metric instruments. Default: the package-level
// observe instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) {
		a.metrics = m
	}
}

// Analyzer performs bounded-concurrency transcript analysis. Stateless across
// calls and safe for concurrent use.
type Analyzer struct {
	provider llm.Provider
	sem      *semaphore.Weighted

	timeout     time.Duration
	maxTokens   int
	temperature float64
	metrics     *observe.Metrics

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an Analyzer over the given model provider (typically a
// resilience.LLMFallback wrapping the configured backends).
func New(provider llm.Provider, opts ...Option) *Analyzer {
	a := &Analyzer{
		provider:    provider,
		sem:         semaphore.NewWeighted(10),
		timeout:     5 * time.Second,
		maxTokens:   300,
		temperature: 0.3,
		metrics:     observe.DefaultMetrics(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SetClock replaces the analyzer's clock. Test use only.
func (a *Analyzer) SetClock(now func() time.Time) { a.now = now }

// Analyze classifies one finalized transcript. It never returns an error:
// sanitization failures, upstream failures, timeouts, and unparseable model
// output all degrade to a valid heuristic Result with the Error field set.
func (a *Analyzer) Analyze(ctx context.Context, transcript string, actx Context) Result {
	start := a.now()

	// Safety-of-life procedure words bypass the model entirely so the
	// worst-case latency for emergency traffic is the fast-path itself.
	if fast, ok := a.fastPath(transcript); ok {
		a.metrics.RecordAnalysis(ctx, string(fast.Classification), "fastpath")
		return fast
	}

	clean, err := sanitizeTranscript(transcript)
	if err != nil {
		slog.Warn("transcript rejected by sanitizer",
			"connection_id", actx.ConnectionID, "err", err)
		return a.fallback(ctx, transcript, errUnavailable, start)
	}

	if err := a.sem.Acquire(ctx, 1); err != nil {
		// Caller gone while queued; still hand back a coherent result in
		// case anything downstream logs it.
		return a.fallback(ctx, transcript, errUnavailable, start)
	}
	defer a.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	requestID := uuid.NewString()
	resp, err := a.provider.Complete(callCtx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildUserPrompt(clean, actx),
		MaxTokens:    a.maxTokens,
		Temperature:  a.temperature,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("analysis timed out",
				"request_id", requestID, "connection_id", actx.ConnectionID)
		} else {
			slog.Error("analysis call failed",
				"request_id", requestID, "connection_id", actx.ConnectionID, "err", err)
		}
		return a.fallback(ctx, transcript, errUnavailable, start)
	}

	result, ok := parseModelReply(resp.Content)
	if !ok {
		slog.Warn("model reply contained no parsable JSON object",
			"request_id", requestID, "connection_id", actx.ConnectionID)
		return a.fallback(ctx, transcript, errUnavailable, start)
	}

	result.Timestamp = a.now().UTC()
	a.metrics.AnalysisDuration.Record(ctx, a.now().Sub(start).Seconds())
	a.metrics.RecordAnalysis(ctx, string(result.Classification), "model")
	return result
}

// fastPath returns the emergency result when transcript contains a radio
// procedure word, bypassing the model.
func (a *Analyzer) fastPath(transcript string) (Result, bool) {
	if !containsProcedureWord(transcript) {
		return Result{}, false
	}
	return Result{
		Classification:     Red,
		SuggestedResponse:  emergencyAck,
		Confidence:         1.0,
		RiskFactors:        []string{"遭難・緊急通信を検知"},
		RecommendedActions: []string{"直ちに応答し位置と状況を確認", "海上保安庁へ通報準備"},
		Timestamp:          a.now().UTC(),
		IsEmergency:        true,
	}, true
}

// fallback runs the keyword heuristic and stamps the user-safe error note.
func (a *Analyzer) fallback(ctx context.Context, transcript, note string, start time.Time) Result {
	result := classifyByKeywords(transcript)
	result.Timestamp = a.now().UTC()
	result.Error = note
	a.metrics.AnalysisDuration.Record(ctx, a.now().Sub(start).Seconds())
	a.metrics.RecordAnalysis(ctx, string(result.Classification), "fallback")
	return result
}
