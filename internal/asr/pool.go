// Package asr implements the gateway's ASR session pool: one streaming
// recognition session per live connection, with restart semantics, auto-start
// on first audio, a global session bound, and background readers that fan
// transcript events into a constructor-injected sink.
//
// The pool deliberately performs no application-level retry of the upstream
// stream: the audio is live, and replaying a stale chunk after a retry would
// corrupt result ordering. A failed session is torn down and simply restarts
// on the next audio frame.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/portvoice/internal/observe"
	asrprov "github.com/MrWong99/portvoice/pkg/provider/asr"
	"github.com/MrWong99/portvoice/pkg/types"
)

// ErrPoolFull is returned by StartSession when the concurrent-session bound
// is reached. The caller surfaces it as a user-facing error frame without
// disconnecting the client.
var ErrPoolFull = errors.New("asr pool: session limit reached")

// defaultConfidence is substituted when the upstream reports no per-word
// confidences.
const defaultConfidence = 0.9

// TranscriptSink receives every transcript event a session produces. The sink
// is wired at construction time and never mutated; it must be safe for
// concurrent use, as sessions for different connections deliver concurrently.
type TranscriptSink interface {
	OnTranscript(connectionID string, t types.Transcript)

	// OnSessionError is invoked when a session's upstream fails. The session
	// is already removed when this fires; the sink owns client notification.
	OnSessionError(connectionID string, err error)
}

// SessionInfo is a snapshot of one live session's state.
type SessionInfo struct {
	// SessionID is derived from the connection id and the start timestamp.
	SessionID string

	// ConnectionID is the owning connection.
	ConnectionID string

	// LanguageCode and SampleRateHz record the stream parameters in effect.
	LanguageCode string
	SampleRateHz int

	// StartedAt is when the upstream session was opened.
	StartedAt time.Time

	// ChunksProcessed counts audio chunks fed so far.
	ChunksProcessed int64

	// AutoStarted reports whether the session was created implicitly by a
	// feed without a prior start.
	AutoStarted bool
}

// Option is a functional option for configuring the Pool.
type Option func(*Pool)

// WithMaxSessions bounds concurrent upstream sessions. Default: 20.
func WithMaxSessions(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxSessions = n
		}
	}
}

// WithMetrics attaches metric instruments. Default: the package-level
// observe instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithAudioSpool enables the diagnostic raw-PCM dump: every chunk fed to a
// session is appended to <dir>/<sessionID>.pcm.
func WithAudioSpool(dir string) Option {
	return func(p *Pool) {
		p.spoolDir = dir
	}
}

// Pool manages the per-connection streaming sessions. Safe for concurrent
// use; operations on different connections do not block each other beyond a
// short map access.
type Pool struct {
	provider asrprov.Provider
	sink     TranscriptSink
	defaults asrprov.StreamConfig

	maxSessions int
	metrics     *observe.Metrics
	spoolDir    string

	mu       sync.Mutex
	sessions map[string]*session
	restarts atomic.Int64
}

// session is one live entry in the pool.
type session struct {
	info   SessionInfo
	handle asrprov.SessionHandle
	chunks atomic.Int64

	closeOnce sync.Once
	readerEnd chan struct{}

	spool *os.File
}

// NewPool creates a Pool. provider opens upstream sessions; sink receives
// transcript events and session errors; defaults parameterise auto-started
// sessions and fill blanks in explicit starts.
func NewPool(provider asrprov.Provider, sink TranscriptSink, defaults asrprov.StreamConfig, opts ...Option) *Pool {
	p := &Pool{
		provider:    provider,
		sink:        sink,
		defaults:    defaults,
		maxSessions: 20,
		metrics:     observe.DefaultMetrics(),
		sessions:    make(map[string]*session),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StartSession opens a new upstream session for connectionID. If a session
// already exists for this connection it is stopped first and the new session
// replaces the entry — the "restart" semantics clients rely on when changing
// language or vocabulary mid-connection.
func (p *Pool) StartSession(ctx context.Context, connectionID string, cfg asrprov.StreamConfig) (SessionInfo, error) {
	return p.start(ctx, connectionID, cfg, false)
}

// Feed appends an audio chunk to the connection's session. If no session
// exists one is auto-started with the pool defaults; this keeps the historic
// "audio before startTranscription" behavior working, but it hides ordering
// bugs on the client, so each occurrence is logged.
//
// Feeds to a session that is closing are dropped silently.
func (p *Pool) Feed(ctx context.Context, connectionID string, chunk []byte) (SessionInfo, error) {
	p.mu.Lock()
	sess := p.sessions[connectionID]
	p.mu.Unlock()

	if sess == nil {
		slog.Warn("audio received without an active session; auto-starting with defaults",
			"connection_id", connectionID)
		info, err := p.start(ctx, connectionID, p.defaults, true)
		if err != nil {
			return SessionInfo{}, err
		}
		p.mu.Lock()
		sess = p.sessions[connectionID]
		p.mu.Unlock()
		if sess == nil || sess.info.SessionID != info.SessionID {
			// Torn down between start and feed; treat as a dropped chunk.
			return info, nil
		}
	}

	if err := sess.handle.SendAudio(chunk); err != nil {
		if errors.Is(err, asrprov.ErrSessionClosed) {
			slog.Debug("dropping audio chunk for closing session",
				"connection_id", connectionID)
			return sess.snapshot(), nil
		}
		return sess.snapshot(), fmt.Errorf("asr pool: feed: %w", err)
	}

	sess.chunks.Add(1)
	p.metrics.AudioChunks.Add(ctx, 1)
	sess.writeSpool(chunk)
	return sess.snapshot(), nil
}

// StopSession closes the connection's session, if any. The entry is removed
// from the pool first, then the upstream handle is closed; the background
// reader drains remaining events and exits. Idempotent.
func (p *Pool) StopSession(connectionID string) {
	p.mu.Lock()
	sess := p.sessions[connectionID]
	if sess != nil {
		delete(p.sessions, connectionID)
	}
	p.mu.Unlock()

	if sess == nil {
		return
	}
	p.closeSession(sess)
}

// StopAll stops every live session. Used on shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	all := make([]*session, 0, len(p.sessions))
	for id, sess := range p.sessions {
		all = append(all, sess)
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	for _, sess := range all {
		p.closeSession(sess)
	}
}

// HasSession reports whether a live session exists for connectionID. The
// router uses this instead of reaching into pool internals.
func (p *Pool) HasSession(connectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[connectionID] != nil
}

// Stats returns a snapshot of the connection's session, if one exists.
func (p *Pool) Stats(connectionID string) (SessionInfo, bool) {
	p.mu.Lock()
	sess := p.sessions[connectionID]
	p.mu.Unlock()
	if sess == nil {
		return SessionInfo{}, false
	}
	return sess.snapshot(), true
}

// Len reports the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Restarts reports how many times an existing session was replaced by a new
// start. Exposed for tests and operational logging.
func (p *Pool) Restarts() int64 { return p.restarts.Load() }

// start opens the upstream session and installs the pool entry.
func (p *Pool) start(ctx context.Context, connectionID string, cfg asrprov.StreamConfig, auto bool) (SessionInfo, error) {
	cfg = p.fill(cfg)

	// Stop any prior session first so the upstream slot is freed before the
	// replacement dials.
	p.mu.Lock()
	prior := p.sessions[connectionID]
	if prior != nil {
		delete(p.sessions, connectionID)
	}
	count := len(p.sessions)
	p.mu.Unlock()
	if prior != nil {
		p.restarts.Add(1)
		p.closeSession(prior)
	}

	if count >= p.maxSessions {
		return SessionInfo{}, ErrPoolFull
	}

	handle, err := p.provider.StartStream(ctx, cfg)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("asr pool: start stream: %w", err)
	}

	startedAt := time.Now().UTC()
	sess := &session{
		info: SessionInfo{
			SessionID:    fmt.Sprintf("%s-%d", connectionID, startedAt.UnixNano()),
			ConnectionID: connectionID,
			LanguageCode: cfg.LanguageCode,
			SampleRateHz: cfg.SampleRateHz,
			StartedAt:    startedAt,
			AutoStarted:  auto,
		},
		handle:    handle,
		readerEnd: make(chan struct{}),
	}
	sess.openSpool(p.spoolDir)

	p.mu.Lock()
	p.sessions[connectionID] = sess
	p.mu.Unlock()

	p.metrics.ActiveASRSessions.Add(ctx, 1)
	go p.readLoop(sess)

	slog.Info("transcription session started",
		"connection_id", connectionID,
		"session_id", sess.info.SessionID,
		"language", cfg.LanguageCode,
		"sample_rate", cfg.SampleRateHz,
		"auto", auto)
	return sess.snapshot(), nil
}

// fill applies pool defaults to blank config fields.
func (p *Pool) fill(cfg asrprov.StreamConfig) asrprov.StreamConfig {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = p.defaults.LanguageCode
	}
	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = p.defaults.SampleRateHz
	}
	if cfg.MediaEncoding == "" {
		cfg.MediaEncoding = p.defaults.MediaEncoding
	}
	if cfg.VocabularyName == "" {
		cfg.VocabularyName = p.defaults.VocabularyName
	}
	return cfg
}

// readLoop consumes both transcript channels until the upstream ends, then
// tears the session down. Events for a given connection are delivered to the
// sink in upstream order.
func (p *Pool) readLoop(sess *session) {
	defer close(sess.readerEnd)

	partials, finals := sess.handle.Partials(), sess.handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			p.deliver(sess, t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			p.deliver(sess, t)
		}
	}

	ctx := context.Background()
	p.metrics.ActiveASRSessions.Add(ctx, -1)
	p.metrics.ASRSessionDuration.Record(ctx, time.Since(sess.info.StartedAt).Seconds())
	sess.closeSpool()

	err := sess.handle.Err()

	// Remove the entry if it is still ours; a restart may already have
	// replaced it.
	p.mu.Lock()
	if cur := p.sessions[sess.info.ConnectionID]; cur == sess {
		delete(p.sessions, sess.info.ConnectionID)
	}
	p.mu.Unlock()

	if err != nil {
		p.metrics.SessionErrors.Add(ctx, 1)
		slog.Error("transcription session failed",
			"connection_id", sess.info.ConnectionID,
			"session_id", sess.info.SessionID,
			"err", err)
		p.sink.OnSessionError(sess.info.ConnectionID, err)
		return
	}
	slog.Info("transcription session ended",
		"connection_id", sess.info.ConnectionID,
		"session_id", sess.info.SessionID,
		"chunks", sess.chunks.Load())
}

// deliver forwards one event to the sink, substituting the default
// confidence when the upstream reported none.
func (p *Pool) deliver(sess *session, t types.Transcript) {
	if t.Confidence == 0 {
		if mean, ok := t.MeanWordConfidence(); ok {
			t.Confidence = mean
		} else {
			t.Confidence = defaultConfidence
		}
	}
	p.sink.OnTranscript(sess.info.ConnectionID, t)
}

// closeSession closes the upstream handle and waits briefly for the reader to
// drain. The wait is bounded so a stuck upstream cannot hold up disconnect
// handling.
func (p *Pool) closeSession(sess *session) {
	sess.closeOnce.Do(func() {
		if err := sess.handle.Close(); err != nil {
			slog.Warn("error closing transcription session",
				"session_id", sess.info.SessionID, "err", err)
		}
	})
	select {
	case <-sess.readerEnd:
	case <-time.After(2 * time.Second):
		slog.Warn("transcription reader did not drain in time",
			"session_id", sess.info.SessionID)
	}
}

func (s *session) snapshot() SessionInfo {
	info := s.info
	info.ChunksProcessed = s.chunks.Load()
	return info
}

// openSpool opens the diagnostic PCM dump file when spooling is enabled.
func (s *session) openSpool(dir string) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("audio spool unavailable", "err", err)
		return
	}
	f, err := os.Create(filepath.Join(dir, s.info.SessionID+".pcm"))
	if err != nil {
		slog.Warn("audio spool unavailable", "err", err)
		return
	}
	s.spool = f
}

func (s *session) writeSpool(chunk []byte) {
	if s.spool == nil {
		return
	}
	if _, err := s.spool.Write(chunk); err != nil {
		slog.Warn("audio spool write failed", "err", err)
		s.spool.Close()
		s.spool = nil
	}
}

func (s *session) closeSpool() {
	if s.spool != nil {
		s.spool.Close()
		s.spool = nil
	}
}
