// Package asr defines the Provider interface for streaming speech recognition
// backends.
//
// An ASR provider wraps a managed real-time transcription service and exposes
// a uniform streaming interface. The central abstraction is SessionHandle:
// once opened, a session accepts raw PCM audio chunks and emits two streams of
// Transcript values — low-latency partials for console feedback and
// authoritative finals for the conversation log.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package asr

import (
	"context"
	"errors"

	"github.com/MrWong99/portvoice/pkg/types"
)

// ErrSessionClosed is returned by SendAudio after the session has been closed.
var ErrSessionClosed = errors.New("asr: session is closed")

// StreamConfig describes the audio format and recognition hints for a new ASR
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// LanguageCode is the BCP-47 language tag for recognition (e.g., "ja-JP").
	// An empty string uses the provider default.
	LanguageCode string

	// SampleRateHz is the audio sample rate in Hz. VHF console audio is
	// captured at 16000.
	SampleRateHz int

	// MediaEncoding names the PCM encoding of the audio chunks (e.g., "pcm").
	MediaEncoding string

	// VocabularyName optionally selects a provider-side custom vocabulary
	// (port names, vessel call signs). Empty means no custom vocabulary.
	VocabularyName string
}

// SessionHandle represents an open streaming recognition session. It is an
// interface so that test code can provide mock implementations without a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRateHz and MediaEncoding
	// agreed in StreamConfig. Calling SendAudio after Close returns
	// ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values. These drive console feedback but must not be written
	// to the conversation log. The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the values that feed the analyzer and the conversation log.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Err reports the terminal error of the upstream result stream, or nil
	// when the stream ended cleanly. Valid only after both transcript
	// channels are closed.
	Err() error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any streaming ASR backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per operator console connection).
type Provider interface {
	// StartStream opens a new streaming recognition session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
