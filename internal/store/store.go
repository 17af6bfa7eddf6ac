// Package store defines the persistence adapter for PortVoice: connection
// records and the append-only conversation log.
//
// The adapter is the sole writer to storage. Items are keyed by
// (ConversationID, ItemTimestamp) where ItemTimestamp is a composite sort key
// of the form "<PREFIX>#<ISO-8601 UTC>" — the prefix groups items by kind and
// the embedded timestamp orders within a kind. Readers must treat the sort as
// prefix-then-time, not globally chronological. The key scheme is part of the
// stored-data contract and must be preserved across backends.
//
// Three backends implement the interfaces: an in-memory store (tests,
// development), DynamoDB (see the dynamo subpackage), and PostgreSQL (see the
// postgres subpackage).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no record exists for the key.
var ErrNotFound = errors.New("store: not found")

// ConnectionStatus is the lifecycle state of a connection record.
type ConnectionStatus string

const (
	// StatusConnected marks a live connection.
	StatusConnected ConnectionStatus = "CONNECTED"

	// StatusDisconnected exists only for historical reads; live code deletes
	// the record on disconnect instead of writing this state.
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
)

// Connection is one operator console connection record.
type Connection struct {
	// ConnectionID is assigned by the transport layer and unique among live
	// connections.
	ConnectionID string `json:"connectionId" dynamodbav:"connectionId"`

	// ConnectedAt is when the connection was registered.
	ConnectedAt time.Time `json:"connectedAt" dynamodbav:"connectedAt"`

	// Status is CONNECTED for every stored record.
	Status ConnectionStatus `json:"status" dynamodbav:"status"`

	// ClientIP and UserAgent describe the remote peer.
	ClientIP  string `json:"clientIp,omitempty" dynamodbav:"clientIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty" dynamodbav:"userAgent,omitempty"`

	// LastActivity is refreshed on every inbound frame.
	LastActivity time.Time `json:"lastActivity" dynamodbav:"lastActivity"`

	// TTL is the absolute expiry; storage drops the record after this moment
	// even without an explicit delete.
	TTL time.Time `json:"ttl" dynamodbav:"-"`
}

// ItemType discriminates the kinds of conversation log entries.
type ItemType string

const (
	ItemTypeMessage       ItemType = "MESSAGE"
	ItemTypeTranscription ItemType = "TRANSCRIPTION"
	ItemTypeAIResponse    ItemType = "AI_RESPONSE"
	ItemTypeSession       ItemType = "TRANSCRIPTION_SESSION"
)

// Sort-key prefixes per item type. The prefix is the primary sort
// discriminator; the embedded timestamp breaks ties.
const (
	prefixMessage       = "MSG"
	prefixTranscription = "TRANS"
	prefixAIResponse    = "AI"
	prefixSession       = "SESSION"
)

// sortKeyTimeLayout is fixed-width millisecond ISO-8601 UTC so that
// lexicographic order equals chronological order within a prefix.
const sortKeyTimeLayout = "2006-01-02T15:04:05.000Z"

// SessionStatus is the lifecycle state of a TRANSCRIPTION_SESSION item.
type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionStopped SessionStatus = "STOPPED"
)

// ConversationItem is one append-only entry in the conversation log. Only the
// fields relevant to the item's type are populated; everything else stays at
// its zero value and is omitted from storage.
type ConversationItem struct {
	// ConversationID is the partition key: "CONN-<connectionId>" for message,
	// transcription, and AI-response items; "SESS-<sessionId>" for session
	// markers.
	ConversationID string `json:"conversationId" dynamodbav:"conversationId"`

	// ItemTimestamp is the composite sort key, e.g. "TRANS#2025-08-14T10:30:15.000Z".
	ItemTimestamp string `json:"itemTimestamp" dynamodbav:"itemTimestamp"`

	// ItemType names the kind of entry.
	ItemType ItemType `json:"itemType" dynamodbav:"itemType"`

	// ConnectionID is carried on every item for lookup convenience.
	ConnectionID string `json:"connectionId" dynamodbav:"connectionId"`

	// CreatedAt is the wall-clock moment the item was produced.
	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt"`

	// ExpiresAt is the storage-level TTL (30 days after creation by default).
	ExpiresAt time.Time `json:"expiresAt" dynamodbav:"-"`

	// --- MESSAGE ---

	// Content is the operator-typed message body.
	Content string `json:"content,omitempty" dynamodbav:"content,omitempty"`

	// --- TRANSCRIPTION ---

	// TranscriptText is the finalized utterance text.
	TranscriptText string `json:"transcriptText,omitempty" dynamodbav:"transcriptText,omitempty"`

	// Confidence is the ASR confidence for the finalized utterance.
	Confidence float64 `json:"confidence,omitempty" dynamodbav:"confidence,omitempty"`

	// --- AI_RESPONSE ---

	// Classification is one of GREEN, AMBER, RED.
	Classification string `json:"classification,omitempty" dynamodbav:"classification,omitempty"`

	// SuggestedResponse is the sanitized operator reply draft.
	SuggestedResponse string `json:"suggestedResponse,omitempty" dynamodbav:"suggestedResponse,omitempty"`

	// RiskFactors and RecommendedActions mirror the analysis result.
	RiskFactors        []string `json:"riskFactors,omitempty" dynamodbav:"riskFactors,omitempty"`
	RecommendedActions []string `json:"recommendedActions,omitempty" dynamodbav:"recommendedActions,omitempty"`

	// --- TRANSCRIPTION_SESSION ---

	// SessionID identifies the ASR session this marker records.
	SessionID string `json:"sessionId,omitempty" dynamodbav:"sessionId,omitempty"`

	// SessionStatus transitions ACTIVE → STOPPED exactly once; this is the
	// only mutation ever applied to a stored item.
	SessionStatus SessionStatus `json:"sessionStatus,omitempty" dynamodbav:"sessionStatus,omitempty"`

	// LanguageCode and SampleRateHz record the session's audio parameters.
	LanguageCode string `json:"languageCode,omitempty" dynamodbav:"languageCode,omitempty"`
	SampleRateHz int    `json:"sampleRateHz,omitempty" dynamodbav:"sampleRateHz,omitempty"`
}

// ConnConversationID returns the conversation partition for a connection's
// message, transcription, and AI-response items.
func ConnConversationID(connectionID string) string {
	return "CONN-" + connectionID
}

// SessionConversationID returns the session-scoped conversation partition
// used by TRANSCRIPTION_SESSION markers.
func SessionConversationID(sessionID string) string {
	return "SESS-" + sessionID
}

// SortKey builds the composite sort key for an item type at the given moment.
func SortKey(t ItemType, at time.Time) string {
	var prefix string
	switch t {
	case ItemTypeMessage:
		prefix = prefixMessage
	case ItemTypeTranscription:
		prefix = prefixTranscription
	case ItemTypeAIResponse:
		prefix = prefixAIResponse
	case ItemTypeSession:
		prefix = prefixSession
	default:
		prefix = string(t)
	}
	return prefix + "#" + at.UTC().Format(sortKeyTimeLayout)
}

// ConnectionStore persists connection records.
type ConnectionStore interface {
	// PutConnection writes (or overwrites) the record for conn.ConnectionID.
	PutConnection(ctx context.Context, conn Connection) error

	// GetConnection returns the record, or ErrNotFound.
	GetConnection(ctx context.Context, connectionID string) (*Connection, error)

	// DeleteConnection removes the record. Deleting an absent record is not
	// an error.
	DeleteConnection(ctx context.Context, connectionID string) error

	// TouchConnection refreshes lastActivity and the TTL on an existing
	// record. Touching an absent record returns ErrNotFound.
	TouchConnection(ctx context.Context, connectionID string, lastActivity, ttl time.Time) error
}

// ConversationStore persists the append-only conversation log.
type ConversationStore interface {
	// AppendItem writes one log entry. Entries are never mutated after write
	// except through UpdateSessionStatus.
	AppendItem(ctx context.Context, item ConversationItem) error

	// UpdateSessionStatus transitions a TRANSCRIPTION_SESSION item's status.
	// Updating an absent item returns ErrNotFound.
	UpdateSessionStatus(ctx context.Context, conversationID, itemTimestamp string, status SessionStatus) error

	// ListItems returns up to limit items for one conversation in sort-key
	// order (prefix-then-time). limit <= 0 means no limit.
	ListItems(ctx context.Context, conversationID string, limit int) ([]ConversationItem, error)
}

// Store is the full persistence adapter surface.
type Store interface {
	ConnectionStore
	ConversationStore
}
