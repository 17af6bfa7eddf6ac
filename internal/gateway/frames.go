// Package gateway terminates operator console WebSocket connections and
// routes frames between the console, the ASR session pool, the transcript
// analyzer, and the conversation log.
//
// The wire protocol is UTF-8 JSON text frames in both directions. Inbound
// frames carry an action from the closed set below; outbound frames carry a
// type from the closed set below. Both vocabularies live in this file — every
// emit site goes through the frame constructors, so no other literal can
// appear on the wire.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action is the inbound frame discriminator.
type Action string

const (
	ActionPing               Action = "ping"
	ActionMessage            Action = "message"
	ActionStartTranscription Action = "startTranscription"
	ActionStopTranscription  Action = "stopTranscription"
	ActionAudioData          Action = "audioData"
)

// knownActions is the closed inbound vocabulary.
var knownActions = map[Action]bool{
	ActionPing:               true,
	ActionMessage:            true,
	ActionStartTranscription: true,
	ActionStopTranscription:  true,
	ActionAudioData:          true,
}

// FrameType is the outbound frame discriminator. The console contract is
// lowercase camelCase; in particular the historic uppercase "AI_RESPONSE"
// literal must never appear on the wire.
type FrameType string

const (
	TypePong            FrameType = "pong"
	TypeMessageReceived FrameType = "messageReceived"
	TypeStatus          FrameType = "status"
	TypeTranscription   FrameType = "transcription"
	TypeAIResponse      FrameType = "aiResponse"
	TypeError           FrameType = "error"
)

// ErrMalformedFrame reports an inbound frame that is not valid JSON or lacks
// an action.
var ErrMalformedFrame = errors.New("gateway: malformed frame")

// UnknownActionError reports an inbound frame whose action is outside the
// vocabulary.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("gateway: unknown action %q", e.Action)
}

// Inbound is a parsed client frame. Payload stays raw until the dispatch site
// decodes it against the per-action schema.
type Inbound struct {
	Action    Action          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ParseInbound validates the envelope of a client frame. Payload schema
// errors are detected later, at the dispatch site.
func ParseInbound(data []byte) (Inbound, error) {
	var f Inbound
	if err := json.Unmarshal(data, &f); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Action == "" {
		return Inbound{}, fmt.Errorf("%w: missing action", ErrMalformedFrame)
	}
	if !knownActions[f.Action] {
		return Inbound{}, &UnknownActionError{Action: string(f.Action)}
	}
	return f, nil
}

// Per-action payload schemas.

// MessagePayload is the payload of an ActionMessage frame.
type MessagePayload struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// StartPayload is the payload of an ActionStartTranscription frame.
type StartPayload struct {
	LanguageCode   string `json:"languageCode,omitempty"`
	SampleRate     int    `json:"sampleRate,omitempty"`
	VocabularyName string `json:"vocabularyName,omitempty"`
}

// StopPayload is the payload of an ActionStopTranscription frame.
type StopPayload struct {
	SessionID string `json:"sessionId,omitempty"`
}

// AudioPayload is the payload of an ActionAudioData frame. Audio is base64
// PCM — binary WebSocket frames are not used so the frame format stays
// uniform.
type AudioPayload struct {
	Audio          string `json:"audio"`
	SequenceNumber int    `json:"sequenceNumber,omitempty"`
}

// Outbound is a server frame. Exactly one constructor exists per FrameType;
// nothing else may build one.
type Outbound struct {
	Type      FrameType `json:"type"`
	Timestamp string    `json:"timestamp,omitempty"`
	Message   string    `json:"message,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// TranscriptionPayload is the payload of a TypeTranscription frame.
type TranscriptionPayload struct {
	TranscriptText string  `json:"transcriptText"`
	Confidence     float64 `json:"confidence"`
	Timestamp      string  `json:"timestamp"`
	IsPartial      bool    `json:"isPartial"`
	SpeakerLabel   string  `json:"speakerLabel"`
	ResultID       string  `json:"resultId,omitempty"`
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// PongFrame answers a ping.
func PongFrame(now time.Time) Outbound {
	return Outbound{Type: TypePong, Timestamp: stamp(now)}
}

// MessageReceivedFrame acknowledges a stored operator message.
func MessageReceivedFrame(messageID string, now time.Time) Outbound {
	return Outbound{Type: TypeMessageReceived, MessageID: messageID, Timestamp: stamp(now)}
}

// StatusFrame reports a session lifecycle change.
func StatusFrame(message, sessionID string, now time.Time) Outbound {
	return Outbound{Type: TypeStatus, Message: message, SessionID: sessionID, Timestamp: stamp(now)}
}

// TranscriptionFrame delivers one transcript event.
func TranscriptionFrame(p TranscriptionPayload) Outbound {
	return Outbound{Type: TypeTranscription, Payload: p}
}

// AIResponseFrame delivers one analysis result.
func AIResponseFrame(payload any) Outbound {
	return Outbound{Type: TypeAIResponse, Payload: payload}
}

// ErrorFrame reports a recoverable error to the console.
func ErrorFrame(message string, now time.Time) Outbound {
	return Outbound{Type: TypeError, Error: message, Timestamp: stamp(now)}
}
