// Command portvoice is the main entry point for the PortVoice VTS session
// gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/MrWong99/portvoice/internal/analyzer"
	"github.com/MrWong99/portvoice/internal/asr"
	"github.com/MrWong99/portvoice/internal/config"
	"github.com/MrWong99/portvoice/internal/connection"
	"github.com/MrWong99/portvoice/internal/gateway"
	"github.com/MrWong99/portvoice/internal/health"
	"github.com/MrWong99/portvoice/internal/observe"
	"github.com/MrWong99/portvoice/internal/resilience"
	"github.com/MrWong99/portvoice/internal/store"
	"github.com/MrWong99/portvoice/internal/store/dynamo"
	"github.com/MrWong99/portvoice/internal/store/postgres"
	asrprov "github.com/MrWong99/portvoice/pkg/provider/asr"
	"github.com/MrWong99/portvoice/pkg/provider/asr/transcribe"
	"github.com/MrWong99/portvoice/pkg/provider/llm/anyllm"
	"github.com/MrWong99/portvoice/pkg/provider/llm/bedrock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "optional path to a YAML configuration file; environment variables override it")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portvoice: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("portvoice starting",
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"storage_backend", cfg.Storage.Backend,
		"asr_language", cfg.ASR.LanguageCode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "portvoice",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── AWS SDK config (Transcribe, Bedrock, DynamoDB) ────────────────────────
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS configuration", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	st, closeStore, storeCheck, err := buildStore(ctx, cfg, awsCfg)
	if err != nil {
		slog.Error("failed to initialise storage", "err", err)
		return 1
	}
	defer closeStore()

	connMgr := connection.NewManager(st, cfg.Connection.InactivityHealth, cfg.Connection.TTL)

	// ── LLM backends ──────────────────────────────────────────────────────────
	llmProv, err := buildLLM(cfg, awsCfg)
	if err != nil {
		slog.Error("failed to initialise LLM backends", "err", err)
		return 1
	}
	slog.Info("llm backends ready", "backends", llmProv.Backends())

	anl := analyzer.New(llmProv,
		analyzer.WithMaxConcurrent(cfg.LLM.MaxConcurrent),
		analyzer.WithTimeout(cfg.LLM.Timeout),
		analyzer.WithCompletionLimits(cfg.LLM.MaxTokens, cfg.LLM.Temperature),
		analyzer.WithMetrics(metrics),
	)

	// ── Router + ASR pool ─────────────────────────────────────────────────────
	router := gateway.NewRouter(gateway.RouterDeps{
		Connections: connMgr,
		Analyzer:    anl,
		Log:         st,
		ItemTTL:     cfg.Conversation.ItemTTL,
		Metrics:     metrics,
	})

	asrProvider := transcribe.New(awsCfg,
		transcribe.WithLanguage(cfg.ASR.LanguageCode),
		transcribe.WithSampleRate(cfg.ASR.SampleRateHz),
		transcribe.WithVocabulary(cfg.ASR.VocabularyName),
	)
	poolOpts := []asr.Option{
		asr.WithMaxSessions(cfg.ASR.MaxConcurrentSessions),
		asr.WithMetrics(metrics),
	}
	if cfg.Audio.SaveToStorage {
		poolOpts = append(poolOpts, asr.WithAudioSpool(cfg.Audio.SpoolDir))
	}
	pool := asr.NewPool(asrProvider, router, asrprov.StreamConfig{
		LanguageCode:   cfg.ASR.LanguageCode,
		SampleRateHz:   cfg.ASR.SampleRateHz,
		MediaEncoding:  cfg.ASR.MediaEncoding,
		VocabularyName: cfg.ASR.VocabularyName,
	}, poolOpts...)
	router.SetPool(pool)

	// ── HTTP server ───────────────────────────────────────────────────────────
	healthHandler := health.New(health.Checker{Name: "storage", Check: storeCheck})
	srv := gateway.NewServer(cfg.Server, gateway.ServerDeps{
		Router:      router,
		Pool:        pool,
		Connections: connMgr,
		History:     st,
		Health:      healthHandler,
		Metrics:     metrics,
	})

	slog.Info("gateway ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildStore instantiates the configured persistence backend and returns it
// together with a close func and a readiness check.
func buildStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (store.Store, func(), func(context.Context) error, error) {
	switch cfg.Storage.Backend {
	case "memory":
		slog.Warn("using in-memory storage; records will not survive a restart")
		s := store.NewMemStore()
		return s, func() {}, func(context.Context) error { return nil }, nil

	case "dynamo":
		s, err := dynamo.New(awsCfg, cfg.Storage.ConnectionsTable, cfg.Storage.ConversationsTable)
		if err != nil {
			return nil, nil, nil, err
		}
		check := func(ctx context.Context) error {
			if _, err := s.GetConnection(ctx, "readiness-probe"); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return nil
		}
		return s, func() {}, check, nil

	case "postgres":
		s, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Close, s.Ping, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildLLM assembles the failover group: Bedrock primary when llm.model_id is
// set, plus the optional any-llm secondary.
func buildLLM(cfg *config.Config, awsCfg aws.Config) (*resilience.LLMFallback, error) {
	breaker := resilience.BreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second}

	var group *resilience.LLMFallback
	if cfg.LLM.ModelID != "" {
		primary, err := bedrock.New(awsCfg, cfg.LLM.ModelID)
		if err != nil {
			return nil, err
		}
		group = resilience.NewLLMFallback("bedrock", primary, breaker)
	}

	if fb := cfg.LLM.Fallback; fb.Provider != "" {
		secondary, err := anyllm.New(fb.Provider, fb.Model)
		if err != nil {
			return nil, err
		}
		if group == nil {
			group = resilience.NewLLMFallback(fb.Provider, secondary, breaker)
		} else {
			group.AddFallback(fb.Provider, secondary)
		}
	}

	if group == nil {
		return nil, errors.New("no LLM backend configured: set llm.model_id or llm.fallback.provider")
	}

	return group, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
