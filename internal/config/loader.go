package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// validStorageBackends lists recognised storage.backend values.
var validStorageBackends = []string{"memory", "dynamo", "postgres"}

// validFallbackProviders lists recognised llm.fallback.provider values.
var validFallbackProviders = []string{"openai", "anthropic", "ollama"}

// Load builds the effective configuration: defaults, then the optional YAML
// file at path (skipped when path is empty), then environment overrides, then
// validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults, applies the
// environment, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays PORTVOICE_* environment variables onto cfg. lookup is
// injectable for tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	// Durations are given in whole seconds, or in milliseconds for the *_MS
	// variables (or days where noted), to match the operational surface.
	setSeconds := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = time.Duration(n) * time.Second
		}
	}
	setMillis := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = time.Duration(n) * time.Millisecond
		}
	}

	setString("PORTVOICE_LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := lookup("PORTVOICE_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	setMillis("PORTVOICE_SEND_TIMEOUT_MS", &cfg.Server.SendTimeout)
	if v, ok := lookup("PORTVOICE_ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = splitNonEmpty(v)
	}

	setString("PORTVOICE_ASR_LANGUAGE_CODE", &cfg.ASR.LanguageCode)
	setInt("PORTVOICE_ASR_SAMPLE_RATE_HZ", &cfg.ASR.SampleRateHz)
	setString("PORTVOICE_ASR_MEDIA_ENCODING", &cfg.ASR.MediaEncoding)
	setString("PORTVOICE_ASR_VOCABULARY_NAME", &cfg.ASR.VocabularyName)
	setInt("PORTVOICE_ASR_MAX_CONCURRENT_SESSIONS", &cfg.ASR.MaxConcurrentSessions)

	setString("PORTVOICE_LLM_MODEL_ID", &cfg.LLM.ModelID)
	setInt("PORTVOICE_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	setFloat("PORTVOICE_LLM_TEMPERATURE", &cfg.LLM.Temperature)
	setMillis("PORTVOICE_LLM_TIMEOUT_MS", &cfg.LLM.Timeout)
	setInt("PORTVOICE_LLM_MAX_CONCURRENT", &cfg.LLM.MaxConcurrent)
	setString("PORTVOICE_LLM_FALLBACK_PROVIDER", &cfg.LLM.Fallback.Provider)
	setString("PORTVOICE_LLM_FALLBACK_MODEL", &cfg.LLM.Fallback.Model)

	setSeconds("PORTVOICE_CONNECTION_INACTIVITY_HEALTH_SECONDS", &cfg.Connection.InactivityHealth)
	setSeconds("PORTVOICE_CONNECTION_TTL_SECONDS", &cfg.Connection.TTL)

	if v, ok := lookup("PORTVOICE_CONVERSATION_ITEM_TTL_DAYS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: PORTVOICE_CONVERSATION_ITEM_TTL_DAYS: %w", err))
		} else {
			cfg.Conversation.ItemTTL = time.Duration(n) * 24 * time.Hour
		}
	}

	setString("PORTVOICE_STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("PORTVOICE_STORAGE_CONNECTIONS_TABLE", &cfg.Storage.ConnectionsTable)
	setString("PORTVOICE_STORAGE_CONVERSATIONS_TABLE", &cfg.Storage.ConversationsTable)
	setString("PORTVOICE_STORAGE_POSTGRES_DSN", &cfg.Storage.PostgresDSN)

	setBool("PORTVOICE_SAVE_AUDIO_TO_STORAGE", &cfg.Audio.SaveToStorage)
	setString("PORTVOICE_AUDIO_SPOOL_DIR", &cfg.Audio.SpoolDir)

	return errors.Join(errs...)
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.SendTimeout <= 0 {
		errs = append(errs, errors.New("server.send_timeout must be positive"))
	}

	if cfg.ASR.SampleRateHz <= 0 {
		errs = append(errs, fmt.Errorf("asr.sample_rate_hz %d must be positive", cfg.ASR.SampleRateHz))
	}
	if cfg.ASR.MaxConcurrentSessions <= 0 {
		errs = append(errs, fmt.Errorf("asr.max_concurrent_sessions %d must be positive", cfg.ASR.MaxConcurrentSessions))
	}

	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must be positive", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm.timeout must be positive"))
	}
	if cfg.LLM.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_concurrent %d must be positive", cfg.LLM.MaxConcurrent))
	}
	if p := cfg.LLM.Fallback.Provider; p != "" {
		if !slices.Contains(validFallbackProviders, p) {
			errs = append(errs, fmt.Errorf("llm.fallback.provider %q is invalid; valid values: %s", p, strings.Join(validFallbackProviders, ", ")))
		}
		if cfg.LLM.Fallback.Model == "" {
			errs = append(errs, errors.New("llm.fallback.model is required when llm.fallback.provider is set"))
		}
	}

	if cfg.LLM.ModelID == "" && cfg.LLM.Fallback.Provider == "" {
		slog.Warn("no LLM backend configured; set llm.model_id or llm.fallback.provider before serving traffic")
	}

	if cfg.Connection.InactivityHealth <= 0 {
		errs = append(errs, errors.New("connection.inactivity_health must be positive"))
	}
	if cfg.Connection.TTL <= 0 {
		errs = append(errs, errors.New("connection.ttl must be positive"))
	}
	if cfg.Conversation.ItemTTL <= 0 {
		errs = append(errs, errors.New("conversation.item_ttl must be positive"))
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "dynamo":
		if cfg.Storage.ConnectionsTable == "" || cfg.Storage.ConversationsTable == "" {
			errs = append(errs, errors.New("storage.connections_table and storage.conversations_table are required for the dynamo backend"))
		}
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: %s", cfg.Storage.Backend, strings.Join(validStorageBackends, ", ")))
	}

	if cfg.Audio.SaveToStorage && cfg.Audio.SpoolDir == "" {
		errs = append(errs, errors.New("audio.spool_dir is required when audio.save_to_storage is set"))
	}

	return errors.Join(errs...)
}
