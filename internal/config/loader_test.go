package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("Validate(Default()) = %v, want nil", err)
	}
}

func TestDefault_Values(t *testing.T) {
	cfg := Default()

	if cfg.ASR.LanguageCode != "ja-JP" {
		t.Errorf("LanguageCode = %q, want %q", cfg.ASR.LanguageCode, "ja-JP")
	}
	if cfg.ASR.SampleRateHz != 16000 {
		t.Errorf("SampleRateHz = %d, want 16000", cfg.ASR.SampleRateHz)
	}
	if cfg.ASR.MaxConcurrentSessions != 20 {
		t.Errorf("MaxConcurrentSessions = %d, want 20", cfg.ASR.MaxConcurrentSessions)
	}
	if cfg.LLM.MaxTokens != 300 {
		t.Errorf("MaxTokens = %d, want 300", cfg.LLM.MaxTokens)
	}
	if cfg.LLM.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.LLM.Timeout)
	}
	if cfg.LLM.MaxConcurrent != 10 {
		t.Errorf("MaxConcurrent = %d, want 10", cfg.LLM.MaxConcurrent)
	}
	if cfg.Connection.InactivityHealth != 5*time.Minute {
		t.Errorf("InactivityHealth = %v, want 5m", cfg.Connection.InactivityHealth)
	}
	if cfg.Connection.TTL != 24*time.Hour {
		t.Errorf("TTL = %v, want 24h", cfg.Connection.TTL)
	}
	if cfg.Conversation.ItemTTL != 30*24*time.Hour {
		t.Errorf("ItemTTL = %v, want 720h", cfg.Conversation.ItemTTL)
	}
	if cfg.Audio.SaveToStorage {
		t.Error("SaveToStorage = true, want false")
	}
}

func TestLoadFromReader_YAMLOverridesDefaults(t *testing.T) {
	yaml := `
server:
  listen_addr: ":9999"
  log_level: debug
asr:
  language_code: en-US
llm:
  model_id: some.model
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":9999")
	}
	if cfg.ASR.LanguageCode != "en-US" {
		t.Errorf("LanguageCode = %q, want %q", cfg.ASR.LanguageCode, "en-US")
	}
	// Untouched keys keep their defaults.
	if cfg.ASR.SampleRateHz != 16000 {
		t.Errorf("SampleRateHz = %d, want default 16000", cfg.ASR.SampleRateHz)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("bogus_key: 1\n")); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	env := map[string]string{
		"PORTVOICE_LISTEN_ADDR":                    ":7070",
		"PORTVOICE_ASR_LANGUAGE_CODE":              "en-GB",
		"PORTVOICE_ASR_SAMPLE_RATE_HZ":             "8000",
		"PORTVOICE_LLM_TIMEOUT_MS":                 "2500",
		"PORTVOICE_LLM_MAX_CONCURRENT":             "3",
		"PORTVOICE_CONNECTION_TTL_SECONDS":         "3600",
		"PORTVOICE_CONVERSATION_ITEM_TTL_DAYS":     "7",
		"PORTVOICE_SAVE_AUDIO_TO_STORAGE":          "true",
		"PORTVOICE_STORAGE_BACKEND":                "postgres",
		"PORTVOICE_STORAGE_POSTGRES_DSN":           "postgres://localhost/pv",
		"PORTVOICE_ALLOWED_ORIGINS":                "a.example.com, b.example.com",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	if err := applyEnv(cfg, lookup); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}

	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":7070")
	}
	if cfg.ASR.SampleRateHz != 8000 {
		t.Errorf("SampleRateHz = %d, want 8000", cfg.ASR.SampleRateHz)
	}
	if cfg.LLM.Timeout != 2500*time.Millisecond {
		t.Errorf("Timeout = %v, want 2.5s", cfg.LLM.Timeout)
	}
	if cfg.LLM.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.LLM.MaxConcurrent)
	}
	if cfg.Connection.TTL != time.Hour {
		t.Errorf("TTL = %v, want 1h", cfg.Connection.TTL)
	}
	if cfg.Conversation.ItemTTL != 7*24*time.Hour {
		t.Errorf("ItemTTL = %v, want 168h", cfg.Conversation.ItemTTL)
	}
	if !cfg.Audio.SaveToStorage {
		t.Error("SaveToStorage = false, want true")
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("Backend = %q, want postgres", cfg.Storage.Backend)
	}
	want := []string{"a.example.com", "b.example.com"}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[0] != want[0] || cfg.Server.AllowedOrigins[1] != want[1] {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.Server.AllowedOrigins, want)
	}
}

func TestApplyEnv_BadNumberReported(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "PORTVOICE_ASR_SAMPLE_RATE_HZ" {
			return "not-a-number", true
		}
		return "", false
	}
	if err := applyEnv(Default(), lookup); err == nil {
		t.Fatal("expected error for malformed numeric env var, got nil")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.Server.ListenAddr = ""
	cfg.Server.LogLevel = "verbose"
	cfg.ASR.SampleRateHz = 0
	cfg.LLM.Temperature = 3
	cfg.Storage.Backend = "csv"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"listen_addr", "log_level", "sample_rate_hz", "temperature", "backend"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	dyn := Default()
	dyn.Storage.Backend = "dynamo"
	if err := Validate(dyn); err == nil {
		t.Error("dynamo backend without table names should fail validation")
	}
	dyn.Storage.ConnectionsTable = "conns"
	dyn.Storage.ConversationsTable = "convs"
	if err := Validate(dyn); err != nil {
		t.Errorf("dynamo backend with table names: %v", err)
	}

	pg := Default()
	pg.Storage.Backend = "postgres"
	if err := Validate(pg); err == nil {
		t.Error("postgres backend without DSN should fail validation")
	}

	fb := Default()
	fb.LLM.Fallback.Provider = "openai"
	if err := Validate(fb); err == nil {
		t.Error("fallback provider without model should fail validation")
	}
	fb.LLM.Fallback.Model = "gpt-4o-mini"
	if err := Validate(fb); err != nil {
		t.Errorf("fallback provider with model: %v", err)
	}
}
