package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MrWong99/portvoice/internal/analyzer"
	"github.com/MrWong99/portvoice/internal/asr"
	"github.com/MrWong99/portvoice/internal/connection"
	"github.com/MrWong99/portvoice/internal/observe"
	"github.com/MrWong99/portvoice/internal/store"
	asrprov "github.com/MrWong99/portvoice/pkg/provider/asr"
	"github.com/MrWong99/portvoice/pkg/types"
)

// minFinalLen is the rune count at or below which a finalized transcript is
// delivered to the console but triggers neither persistence nor analysis;
// only longer texts go downstream. Short fragments are recogniser noise.
const minFinalLen = 2

// speakerLabel tags every transcription frame; the console renders it as the
// channel name.
const speakerLabel = "VTS"

// User-facing error strings. The operator never sees raw errors, stack
// traces, or provider names.
const (
	msgMalformedFrame  = "無効なメッセージ形式です"
	msgEmptyAudio      = "音声データが空です"
	msgInvalidAudio    = "音声データを復号できませんでした"
	msgEmptyMessage    = "メッセージ内容が空です"
	msgSessionLimit    = "音声認識セッション数が上限に達しています。しばらくしてからお試しください"
	msgSessionFailed   = "音声認識セッションを開始できませんでした"
	msgSessionError    = "音声認識でエラーが発生しました。音声送信を再開すると再接続します"
	msgInternalError   = "処理中にエラーが発生しました"
	statusStarted      = "Transcription started"
	statusStopped      = "Transcription stopped"
)

// sessionMarker remembers where the ACTIVE session item was written so the
// stop path can transition it.
type sessionMarker struct {
	conversationID string
	itemTimestamp  string
	sessionID      string
}

// client is the router's per-connection state. ctx is cancelled on detach,
// which abandons in-flight analyses for that connection.
type client struct {
	id     string
	sender Sender
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	marker        *sessionMarker
	lastSessionID string
}

// Router parses inbound frames, dispatches by action, fans ASR transcript
// events back onto the originating connection, and drives analysis and
// persistence for finalized transcripts.
//
// The Router is the only component that synthesizes outbound error frames.
// It also implements asr.TranscriptSink so the pool's wiring is fixed at
// startup.
type Router struct {
	connections *connection.Manager
	pool        *asr.Pool
	analyzer    *analyzer.Analyzer
	log         store.ConversationStore
	itemTTL     time.Duration
	metrics     *observe.Metrics

	mu      sync.RWMutex
	clients map[string]*client

	// now is replaceable in tests.
	now func() time.Time
}

// Compile-time sink assertion.
var _ asr.TranscriptSink = (*Router)(nil)

// RouterDeps collects the router's collaborators.
type RouterDeps struct {
	Connections *connection.Manager
	Analyzer    *analyzer.Analyzer
	Log         store.ConversationStore
	ItemTTL     time.Duration
	Metrics     *observe.Metrics
}

// NewRouter creates a Router. The ASR pool is attached afterwards via
// SetPool because pool and router reference each other (the pool needs the
// router as its transcript sink); SetPool must be called exactly once during
// startup wiring, before any traffic.
func NewRouter(deps RouterDeps) *Router {
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Router{
		connections: deps.Connections,
		analyzer:    deps.Analyzer,
		log:         deps.Log,
		itemTTL:     deps.ItemTTL,
		metrics:     m,
		clients:     make(map[string]*client),
		now:         time.Now,
	}
}

// SetPool wires the ASR session pool. Startup only.
func (r *Router) SetPool(p *asr.Pool) { r.pool = p }

// SetClock replaces the router's clock. Test use only.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// Attach registers a live connection and its sender. Frames for unknown
// connections are dropped, so Attach must precede the read loop.
func (r *Router) Attach(connectionID string, sender Sender) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{id: connectionID, sender: sender, ctx: ctx, cancel: cancel}

	r.mu.Lock()
	r.clients[connectionID] = c
	r.mu.Unlock()
}

// Detach tears down everything associated with a connection: the ASR
// session, in-flight analyses (their results are discarded), the session
// marker, and the connection record. Idempotent.
func (r *Router) Detach(connectionID string) {
	r.mu.Lock()
	c := r.clients[connectionID]
	delete(r.clients, connectionID)
	r.mu.Unlock()
	if c == nil {
		return
	}

	c.cancel()
	r.pool.StopSession(connectionID)
	r.closeMarker(c)
	r.connections.Remove(context.Background(), connectionID)
}

// lookup returns the client state for a connection, or nil.
func (r *Router) lookup(connectionID string) *client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[connectionID]
}

// HandleFrame processes one inbound frame. Schema failures and unknown
// actions produce a single error frame; the connection stays open.
func (r *Router) HandleFrame(ctx context.Context, connectionID string, data []byte) {
	c := r.lookup(connectionID)
	if c == nil {
		slog.Warn("frame for unknown connection dropped", "connection_id", connectionID)
		return
	}

	r.connections.Touch(ctx, connectionID)

	frame, err := ParseInbound(data)
	if err != nil {
		r.metrics.SchemaErrors.Add(ctx, 1)
		var unknown *UnknownActionError
		if errors.As(err, &unknown) {
			r.send(c, ErrorFrame("不明なアクションです: "+unknown.Action, r.now()))
		} else {
			r.send(c, ErrorFrame(msgMalformedFrame, r.now()))
		}
		return
	}

	r.metrics.RecordFrameIn(ctx, string(frame.Action))

	switch frame.Action {
	case ActionPing:
		r.send(c, PongFrame(r.now()))
	case ActionMessage:
		r.handleMessage(ctx, c, frame.Payload)
	case ActionStartTranscription:
		r.handleStart(ctx, c, frame.Payload)
	case ActionStopTranscription:
		r.handleStop(ctx, c, frame.Payload)
	case ActionAudioData:
		r.handleAudio(ctx, c, frame.Payload)
	}
}

// handleMessage stores an operator text message and runs it through the same
// analysis flow as a finalized transcript, so typed traffic (including relays
// of distress calls) gets classified too.
func (r *Router) handleMessage(ctx context.Context, c *client, payload json.RawMessage) {
	var p MessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Content == "" {
		r.metrics.SchemaErrors.Add(ctx, 1)
		r.send(c, ErrorFrame(msgEmptyMessage, r.now()))
		return
	}

	now := r.now().UTC()
	messageID := uuid.NewString()
	r.persist(ctx, store.ConversationItem{
		ConversationID: store.ConnConversationID(c.id),
		ItemTimestamp:  store.SortKey(store.ItemTypeMessage, now),
		ItemType:       store.ItemTypeMessage,
		ConnectionID:   c.id,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.itemTTL),
		Content:        p.Content,
	})

	r.send(c, MessageReceivedFrame(messageID, now))

	if utf8.RuneCountInString(p.Content) > minFinalLen {
		go r.analyze(c, p.Content)
	}
}

// handleStart opens (or restarts) the connection's ASR session and records
// the ACTIVE session marker.
func (r *Router) handleStart(ctx context.Context, c *client, payload json.RawMessage) {
	var p StartPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.metrics.SchemaErrors.Add(ctx, 1)
		r.send(c, ErrorFrame(msgMalformedFrame, r.now()))
		return
	}

	info, err := r.pool.StartSession(ctx, c.id, asrprov.StreamConfig{
		LanguageCode:   p.LanguageCode,
		SampleRateHz:   p.SampleRate,
		VocabularyName: p.VocabularyName,
	})
	if err != nil {
		if errors.Is(err, asr.ErrPoolFull) {
			r.send(c, ErrorFrame(msgSessionLimit, r.now()))
		} else {
			slog.Error("failed to start transcription session",
				"connection_id", c.id, "err", err)
			r.send(c, ErrorFrame(msgSessionFailed, r.now()))
		}
		return
	}

	// A restart stops the prior session; transition its marker before
	// recording the new one.
	r.closeMarker(c)
	r.recordSessionMarker(ctx, c, info)

	r.send(c, StatusFrame(statusStarted, info.SessionID, r.now()))
}

// handleStop closes the connection's session. A stop without a live session
// is a no-op that still acknowledges with a status frame.
func (r *Router) handleStop(ctx context.Context, c *client, payload json.RawMessage) {
	var p StopPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.metrics.SchemaErrors.Add(ctx, 1)
		r.send(c, ErrorFrame(msgMalformedFrame, r.now()))
		return
	}

	r.pool.StopSession(c.id)
	r.closeMarker(c)

	sessionID := p.SessionID
	if sessionID == "" {
		c.mu.Lock()
		sessionID = c.lastSessionID
		c.mu.Unlock()
	}
	r.send(c, StatusFrame(statusStopped, sessionID, r.now()))
}

// handleAudio decodes one base64 PCM chunk and feeds the session pool,
// auto-starting a session when none exists.
func (r *Router) handleAudio(ctx context.Context, c *client, payload json.RawMessage) {
	var p AudioPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Audio == "" {
		r.metrics.SchemaErrors.Add(ctx, 1)
		r.send(c, ErrorFrame(msgEmptyAudio, r.now()))
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(p.Audio)
	if err != nil {
		r.metrics.SchemaErrors.Add(ctx, 1)
		r.send(c, ErrorFrame(msgInvalidAudio, r.now()))
		return
	}

	info, err := r.pool.Feed(ctx, c.id, chunk)
	if err != nil {
		if errors.Is(err, asr.ErrPoolFull) {
			r.send(c, ErrorFrame(msgSessionLimit, r.now()))
		} else {
			slog.Error("audio feed failed", "connection_id", c.id, "err", err)
			r.send(c, ErrorFrame(msgInternalError, r.now()))
		}
		return
	}

	// An auto-started session has no marker yet; record one so the log shows
	// the session even when the client never sent startTranscription.
	if info.AutoStarted {
		c.mu.Lock()
		missing := c.marker == nil
		c.mu.Unlock()
		if missing {
			r.recordSessionMarker(ctx, c, info)
		}
	}
}

// OnTranscript implements asr.TranscriptSink. Every event becomes a
// transcription frame; finalized utterances above the length gate are
// persisted and analyzed. Persistence, analysis, and delivery are
// best-effort independent — a storage failure never blocks the frame, and an
// analyzer failure still yields an aiResponse via the heuristic.
func (r *Router) OnTranscript(connectionID string, t types.Transcript) {
	c := r.lookup(connectionID)
	if c == nil {
		return
	}

	now := r.now().UTC()
	r.metrics.RecordTranscript(c.ctx, t.IsPartial)
	r.send(c, TranscriptionFrame(TranscriptionPayload{
		TranscriptText: t.Text,
		Confidence:     t.Confidence,
		Timestamp:      stamp(now),
		IsPartial:      t.IsPartial,
		SpeakerLabel:   speakerLabel,
		ResultID:       t.ResultID,
	}))

	if t.IsPartial || utf8.RuneCountInString(t.Text) <= minFinalLen {
		return
	}

	r.persist(c.ctx, store.ConversationItem{
		ConversationID: store.ConnConversationID(connectionID),
		ItemTimestamp:  store.SortKey(store.ItemTypeTranscription, now),
		ItemType:       store.ItemTypeTranscription,
		ConnectionID:   connectionID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.itemTTL),
		TranscriptText: t.Text,
		Confidence:     t.Confidence,
	})

	go r.analyze(c, t.Text)
}

// OnSessionError implements asr.TranscriptSink. The offending session is
// already torn down; the console gets one error frame and may simply resume
// sending audio to trigger a fresh session.
func (r *Router) OnSessionError(connectionID string, err error) {
	c := r.lookup(connectionID)
	if c == nil {
		return
	}
	r.closeMarker(c)
	r.send(c, ErrorFrame(msgSessionError, r.now()))
}

// analyze runs one transcript through the analyzer and delivers the result.
// Bound to the client's lifetime: when the connection is gone before the
// analysis completes, the result is discarded.
func (r *Router) analyze(c *client, text string) {
	result := r.analyzer.Analyze(c.ctx, text, analyzer.Context{
		ConnectionID: c.id,
		Timestamp:    r.now().UTC(),
	})

	if c.ctx.Err() != nil {
		slog.Warn("discarding analysis for closed connection", "connection_id", c.id)
		return
	}

	r.send(c, AIResponseFrame(result))

	now := r.now().UTC()
	r.persist(c.ctx, store.ConversationItem{
		ConversationID:     store.ConnConversationID(c.id),
		ItemTimestamp:      store.SortKey(store.ItemTypeAIResponse, now),
		ItemType:           store.ItemTypeAIResponse,
		ConnectionID:       c.id,
		CreatedAt:          now,
		ExpiresAt:          now.Add(r.itemTTL),
		Classification:     string(result.Classification),
		SuggestedResponse:  result.SuggestedResponse,
		RiskFactors:        result.RiskFactors,
		RecommendedActions: result.RecommendedActions,
	})
}

// recordSessionMarker appends the ACTIVE session item and remembers where it
// was written.
func (r *Router) recordSessionMarker(ctx context.Context, c *client, info asr.SessionInfo) {
	now := r.now().UTC()
	marker := &sessionMarker{
		conversationID: store.SessionConversationID(info.SessionID),
		itemTimestamp:  store.SortKey(store.ItemTypeSession, now),
		sessionID:      info.SessionID,
	}
	r.persist(ctx, store.ConversationItem{
		ConversationID: marker.conversationID,
		ItemTimestamp:  marker.itemTimestamp,
		ItemType:       store.ItemTypeSession,
		ConnectionID:   c.id,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.itemTTL),
		SessionID:      info.SessionID,
		SessionStatus:  store.SessionActive,
		LanguageCode:   info.LanguageCode,
		SampleRateHz:   info.SampleRateHz,
	})

	c.mu.Lock()
	c.marker = marker
	c.lastSessionID = info.SessionID
	c.mu.Unlock()
}

// closeMarker transitions the tracked session item to STOPPED, once.
func (r *Router) closeMarker(c *client) {
	c.mu.Lock()
	marker := c.marker
	c.marker = nil
	c.mu.Unlock()
	if marker == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.log.UpdateSessionStatus(ctx, marker.conversationID, marker.itemTimestamp, store.SessionStopped); err != nil {
		r.metrics.PersistenceErrors.Add(ctx, 1)
		slog.Warn("failed to mark session stopped",
			"session_id", marker.sessionID, "err", err)
	}
}

// send delivers one frame, swallowing transport failures.
func (r *Router) send(c *client, frame Outbound) {
	r.metrics.RecordFrameOut(c.ctx, string(frame.Type))
	if err := c.sender.Send(c.ctx, frame); err != nil {
		r.metrics.TransportErrors.Add(context.Background(), 1)
		slog.Warn("outbound send failed",
			"connection_id", c.id, "type", frame.Type, "err", err)
	}
}

// persist appends one conversation item, swallowing storage failures — losing
// a write must never corrupt the live session or block a frame.
func (r *Router) persist(ctx context.Context, item store.ConversationItem) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.log.AppendItem(writeCtx, item); err != nil {
		r.metrics.PersistenceErrors.Add(writeCtx, 1)
		slog.Error("failed to append conversation item",
			"conversation_id", item.ConversationID,
			"item_type", item.ItemType,
			"err", err)
	}
}
