// Package transcribe provides an Amazon Transcribe-backed ASR provider using
// the bidirectional streaming API. It implements the asr.Provider interface.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	tstypes "github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"

	"github.com/MrWong99/portvoice/pkg/provider/asr"
	"github.com/MrWong99/portvoice/pkg/types"
)

const (
	defaultLanguage   = "ja-JP"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code used when a stream
// config does not name one.
func WithLanguage(code string) Option {
	return func(p *Provider) {
		p.language = code
	}
}

// WithSampleRate sets the provider-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithVocabulary sets a default custom vocabulary applied to every stream
// that does not name its own.
func WithVocabulary(name string) Option {
	return func(p *Provider) {
		p.vocabulary = name
	}
}

// client is the subset of the Amazon Transcribe streaming client used by the
// provider. Extracted so tests can substitute a fake.
type client interface {
	StartStreamTranscription(ctx context.Context, params *transcribestreaming.StartStreamTranscriptionInput, optFns ...func(*transcribestreaming.Options)) (*transcribestreaming.StartStreamTranscriptionOutput, error)
}

// Provider implements asr.Provider backed by Amazon Transcribe streaming.
type Provider struct {
	client     client
	language   string
	sampleRate int
	vocabulary string
}

// Compile-time interface assertion.
var _ asr.Provider = (*Provider)(nil)

// New creates a Provider from an AWS SDK config.
func New(awsCfg aws.Config, opts ...Option) *Provider {
	p := &Provider{
		client:     transcribestreaming.NewFromConfig(awsCfg),
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StartStream opens a streaming transcription session with Amazon Transcribe.
// It respects cfg.LanguageCode, cfg.SampleRateHz, cfg.MediaEncoding, and
// cfg.VocabularyName.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	input, err := p.buildInput(cfg)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	out, err := p.client.StartStreamTranscription(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("transcribe: start stream: %w", err)
	}

	sess := &session{
		stream:   out.GetStream(),
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildInput constructs the StartStreamTranscription input for the given config.
func (p *Provider) buildInput(cfg asr.StreamConfig) (*transcribestreaming.StartStreamTranscriptionInput, error) {
	lang := cfg.LanguageCode
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRateHz
	if sr == 0 {
		sr = p.sampleRate
	}

	encoding, err := mediaEncoding(cfg.MediaEncoding)
	if err != nil {
		return nil, err
	}

	input := &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         tstypes.LanguageCode(lang),
		MediaEncoding:        encoding,
		MediaSampleRateHertz: aws.Int32(int32(sr)),
	}

	vocab := cfg.VocabularyName
	if vocab == "" {
		vocab = p.vocabulary
	}
	if vocab != "" {
		input.VocabularyName = aws.String(vocab)
	}
	return input, nil
}

// mediaEncoding maps the wire-level encoding name onto the Transcribe enum.
func mediaEncoding(name string) (tstypes.MediaEncoding, error) {
	switch strings.ToLower(name) {
	case "", "pcm":
		return tstypes.MediaEncodingPcm, nil
	case "ogg-opus":
		return tstypes.MediaEncodingOggOpus, nil
	case "flac":
		return tstypes.MediaEncodingFlac, nil
	default:
		return "", fmt.Errorf("unsupported media encoding %q", name)
	}
}

// ---- session ----

// session is a live Transcribe streaming session. It implements
// asr.SessionHandle.
type session struct {
	stream   *transcribestreaming.StartStreamTranscriptionEventStream
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM audio chunk for delivery to Transcribe.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return asr.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return asr.ErrSessionClosed
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Err reports the terminal stream error, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close terminates the session cleanly. The write loop drains queued audio,
// the event stream is closed so Transcribe flushes pending results, and the
// read loop exits on end-of-stream.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		_ = s.stream.Close()
	})
	return nil
}

// writeLoop reads from the audio channel and sends AudioEvent frames.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.sendChunk(ctx, chunk); err != nil {
				s.setErr(err)
				return
			}
		case <-s.done:
			// Drain queued audio before signalling end-of-stream.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.sendChunk(ctx, chunk)
				default:
					_ = s.stream.Writer.Close()
					return
				}
			}
		}
	}
}

func (s *session) sendChunk(ctx context.Context, chunk []byte) error {
	return s.stream.Send(ctx, &tstypes.AudioStreamMemberAudioEvent{
		Value: tstypes.AudioEvent{AudioChunk: chunk},
	})
}

// readLoop receives transcript events and dispatches them to the partials and
// finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for event := range s.stream.Events() {
		te, ok := event.(*tstypes.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || te.Value.Transcript == nil {
			continue
		}
		for _, result := range te.Value.Transcript.Results {
			t, ok := parseResult(result)
			if !ok {
				continue
			}
			out := s.finals
			if t.IsPartial {
				out = s.partials
			}
			select {
			case out <- t:
			case <-s.done:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
	}

	if err := s.stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.setErr(err)
	}
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// parseResult converts one Transcribe result into a Transcript. Returns
// (zero, false) for results with no alternatives.
func parseResult(result tstypes.Result) (types.Transcript, bool) {
	if len(result.Alternatives) == 0 {
		return types.Transcript{}, false
	}

	alt := result.Alternatives[0]
	t := types.Transcript{
		Text:      aws.ToString(alt.Transcript),
		IsPartial: result.IsPartial,
		ResultID:  aws.ToString(result.ResultId),
		StartTime: secondsToDuration(result.StartTime),
		EndTime:   secondsToDuration(result.EndTime),
	}

	for _, item := range alt.Items {
		if item.Type != tstypes.ItemTypePronunciation {
			continue
		}
		t.Words = append(t.Words, types.WordDetail{
			Word:       aws.ToString(item.Content),
			Start:      secondsToDuration(item.StartTime),
			End:        secondsToDuration(item.EndTime),
			Confidence: aws.ToFloat64(item.Confidence),
		})
	}

	if mean, ok := t.MeanWordConfidence(); ok {
		t.Confidence = mean
	}
	return t, true
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
