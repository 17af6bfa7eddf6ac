// Package config provides the configuration schema and loader for the
// PortVoice session gateway.
//
// Configuration is environment-first: every knob has a PORTVOICE_* variable,
// and an optional YAML file can pre-seed values for local development.
// Environment variables always win over the file.
package config

import "time"

// LogLevel is the verbosity of the default logger.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for PortVoice.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	ASR          ASRConfig          `yaml:"asr"`
	LLM          LLMConfig          `yaml:"llm"`
	Connection   ConnectionConfig   `yaml:"connection"`
	Conversation ConversationConfig `yaml:"conversation"`
	Storage      StorageConfig      `yaml:"storage"`
	Audio        AudioConfig        `yaml:"audio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// SendTimeout bounds a single outbound WebSocket write. A timed-out send
	// is treated as a gone connection.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// AllowedOrigins lists WebSocket origin patterns accepted at upgrade
	// time. Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ASRConfig configures the upstream streaming recogniser and the session pool.
type ASRConfig struct {
	// LanguageCode is the default recognition language.
	LanguageCode string `yaml:"language_code"`

	// SampleRateHz is the PCM sample rate clients are expected to send.
	SampleRateHz int `yaml:"sample_rate_hz"`

	// MediaEncoding names the PCM encoding on the wire.
	MediaEncoding string `yaml:"media_encoding"`

	// VocabularyName optionally selects an upstream custom vocabulary.
	VocabularyName string `yaml:"vocabulary_name"`

	// MaxConcurrentSessions bounds live upstream sessions across all
	// connections. Upstream services typically limit to 25.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
}

// LLMConfig configures the transcript analyzer and its upstreams.
type LLMConfig struct {
	// ModelID is the opaque upstream model identifier for the primary
	// (Bedrock) backend.
	ModelID string `yaml:"model_id"`

	// MaxTokens caps completion length.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls decoding randomness.
	Temperature float64 `yaml:"temperature"`

	// Timeout bounds a single analysis call; the keyword fallback runs on
	// expiry.
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrent bounds in-flight analyses across all connections.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Fallback optionally configures a secondary backend tried when the
	// primary fails or its circuit breaker is open.
	Fallback LLMFallbackConfig `yaml:"fallback"`
}

// LLMFallbackConfig selects a secondary LLM backend by any-llm provider name.
type LLMFallbackConfig struct {
	// Provider is one of "openai", "anthropic", "ollama". Empty disables the
	// fallback backend.
	Provider string `yaml:"provider"`

	// Model is the backend-specific model name.
	Model string `yaml:"model"`
}

// ConnectionConfig tunes connection-record lifecycle.
type ConnectionConfig struct {
	// InactivityHealth is the window within which a connection must have
	// shown activity to be considered healthy.
	InactivityHealth time.Duration `yaml:"inactivity_health"`

	// TTL is the storage-level expiry extension applied on every touch.
	TTL time.Duration `yaml:"ttl"`
}

// ConversationConfig tunes the conversation log.
type ConversationConfig struct {
	// ItemTTL is the storage-level retention for log items.
	ItemTTL time.Duration `yaml:"item_ttl"`
}

// StorageConfig selects and parameterises the persistence backend.
type StorageConfig struct {
	// Backend is one of "memory", "dynamo", "postgres".
	Backend string `yaml:"backend"`

	// ConnectionsTable and ConversationsTable name the DynamoDB tables.
	ConnectionsTable   string `yaml:"connections_table"`
	ConversationsTable string `yaml:"conversations_table"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// AudioConfig holds diagnostic audio settings.
type AudioConfig struct {
	// SaveToStorage enables the per-session raw PCM dump.
	SaveToStorage bool `yaml:"save_to_storage"`

	// SpoolDir is where dumped PCM files are written when SaveToStorage is
	// set.
	SpoolDir string `yaml:"spool_dir"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			LogLevel:    LogInfo,
			SendTimeout: 2 * time.Second,
		},
		ASR: ASRConfig{
			LanguageCode:          "ja-JP",
			SampleRateHz:          16000,
			MediaEncoding:         "pcm",
			MaxConcurrentSessions: 20,
		},
		LLM: LLMConfig{
			MaxTokens:     300,
			Temperature:   0.3,
			Timeout:       5 * time.Second,
			MaxConcurrent: 10,
		},
		Connection: ConnectionConfig{
			InactivityHealth: 5 * time.Minute,
			TTL:              24 * time.Hour,
		},
		Conversation: ConversationConfig{
			ItemTTL: 30 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Audio: AudioConfig{
			SpoolDir: "audio-spool",
		},
	}
}
