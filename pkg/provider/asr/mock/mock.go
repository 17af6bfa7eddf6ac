// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.EmitFinal(types.Transcript{Text: "入港許可を要請", IsPartial: false})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/portvoice/pkg/provider/asr"
	"github.com/MrWong99/portvoice/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg asr.StreamConfig
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a fresh default Session.
	Session asr.SessionHandle

	// NewSessionFn, if set, is called per StartStream to mint the returned
	// handle. Takes precedence over Session.
	NewSessionFn func(cfg asr.StreamConfig) asr.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns the configured session.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.NewSessionFn != nil {
		return p.NewSessionFn(cfg), nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a snapshot of recorded StartStream calls.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartStreamCall, len(p.StartStreamCalls))
	copy(out, p.StartStreamCalls)
	return out
}

// Session is a mock implementation of asr.SessionHandle.
type Session struct {
	mu sync.Mutex

	// PartialsCh and FinalsCh back the Partials and Finals methods. Both are
	// closed by Close.
	PartialsCh chan types.Transcript
	FinalsCh   chan types.Transcript

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// StreamErr is returned from Err after Close.
	StreamErr error

	// AudioChunks records every chunk passed to SendAudio.
	AudioChunks [][]byte

	closed bool
}

// Compile-time interface assertions.
var (
	_ asr.Provider      = (*Provider)(nil)
	_ asr.SessionHandle = (*Session)(nil)
)

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return asr.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioChunks = append(s.AudioChunks, cp)
	return nil
}

// Partials returns the partial transcript channel.
func (s *Session) Partials() <-chan types.Transcript { return s.PartialsCh }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan types.Transcript { return s.FinalsCh }

// Err returns StreamErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamErr
}

// Close closes both transcript channels. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.PartialsCh)
	close(s.FinalsCh)
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// EmitPartial delivers a partial transcript to the session consumer.
func (s *Session) EmitPartial(t types.Transcript) {
	t.IsPartial = true
	s.PartialsCh <- t
}

// EmitFinal delivers a final transcript to the session consumer.
func (s *Session) EmitFinal(t types.Transcript) {
	t.IsPartial = false
	s.FinalsCh <- t
}

// Chunks returns a snapshot of recorded audio chunks.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.AudioChunks))
	copy(out, s.AudioChunks)
	return out
}
