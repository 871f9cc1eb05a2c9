// Command voxbridge is the main entry point for the VoxBridge voice session
// server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxbridge/voxbridge/internal/app"
	"github.com/voxbridge/voxbridge/internal/config"
	discordbot "github.com/voxbridge/voxbridge/internal/discord"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/session"
	"github.com/voxbridge/voxbridge/pkg/provider/llm"
	"github.com/voxbridge/voxbridge/pkg/provider/llm/anyllm"
	"github.com/voxbridge/voxbridge/pkg/provider/llm/webhook"
	"github.com/voxbridge/voxbridge/pkg/provider/stt/engine"
	ttsopenai "github.com/voxbridge/voxbridge/pkg/provider/tts/openai"
	"github.com/voxbridge/voxbridge/pkg/provider/tts/voxtts"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Discord voice ingress (optional) ─────────────────────────────────────
	var bot *discordbot.Bot
	if cfg.Discord.Token != "" {
		hub := application.Hub()
		start := func(ctx context.Context, userID, agentID string, link session.Link) (discordbot.Session, error) {
			return hub.StartSession(ctx, userID, agentID, "discord", link)
		}
		bot, err = discordbot.New(cfg.Discord, start, hub.Snapshot, logger)
		if err != nil {
			slog.Error("failed to connect Discord bot", "err", err)
			return 1
		}
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("discord bot error", "err", err)
			}
		}()
		slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Close the Discord bot first so its voice sessions drain through the hub.
	if bot != nil {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildProviders constructs the pipeline backends from the config: the STT
// engine connection, the synthesizer, the direct LLM backends and the
// optional webhook fallback.
func buildProviders(cfg *config.Config) (app.Providers, error) {
	var ps app.Providers

	if cfg.STT.URL == "" {
		return ps, errors.New("stt.url is required")
	}
	sttOpts := []engine.Option{
		engine.WithReconnect(cfg.STT.ReconnectAttempts, cfg.STT.ReconnectDelay(), 30*time.Second),
	}
	if cfg.STT.Model != "" {
		sttOpts = append(sttOpts, engine.WithHeader("X-Model", cfg.STT.Model))
	}
	if cfg.STT.Language != "" {
		sttOpts = append(sttOpts, engine.WithHeader("X-Language", cfg.STT.Language))
	}
	sttProv, err := engine.New(cfg.STT.URL, sttOpts...)
	if err != nil {
		return ps, fmt.Errorf("create stt engine: %w", err)
	}
	ps.STT = sttProv
	slog.Info("provider created", "kind", "stt", "url", cfg.STT.URL)

	// The streaming synthesizer is preferred; without one, fall back to the
	// OpenAI speech API using the shared key.
	if cfg.TTS.URL != "" {
		ttsProv, err := voxtts.New(cfg.TTS.URL, voxtts.WithDefaultVoice(cfg.TTS.DefaultVoice))
		if err != nil {
			return ps, fmt.Errorf("create tts engine: %w", err)
		}
		ps.TTS = ttsProv
		slog.Info("provider created", "kind", "tts", "url", cfg.TTS.URL)
	} else {
		ttsProv, err := ttsopenai.New(cfg.LLM.APIKey)
		if err != nil {
			return ps, fmt.Errorf("create openai tts: %w", err)
		}
		ps.TTS = ttsProv
		slog.Info("provider created", "kind", "tts", "name", "openai")
	}

	ps.LLM, err = buildLLMProviders(cfg.LLM)
	if err != nil {
		return ps, err
	}

	if cfg.LLM.WebhookURL != "" {
		wh, err := webhook.New(cfg.LLM.WebhookURL)
		if err != nil {
			return ps, fmt.Errorf("create webhook fallback: %w", err)
		}
		ps.Webhook = wh
		slog.Info("provider created", "kind", "llm", "name", "webhook")
	}

	return ps, nil
}

// buildLLMProviders constructs the direct LLM backend map, keyed by the
// provider tags agent records use. "cloud" maps to the configured default
// backend; "local" maps to a keyless ollama backend when one is available.
func buildLLMProviders(cfg config.LLMConfig) (map[string]llm.Provider, error) {
	if cfg.Provider == "" {
		return nil, errors.New("llm.provider is required")
	}

	backends := make(map[string]llm.Provider)

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	p, err := anyllm.New(cfg.Provider, cfg.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Provider, err)
	}
	backends["cloud"] = p
	slog.Info("provider created", "kind", "llm", "tag", "cloud", "backend", cfg.Provider, "model", cfg.Model)

	if cfg.Provider == "ollama" {
		backends["local"] = p
	} else if local, err := anyllm.NewOllama(cfg.Model); err == nil {
		backends["local"] = local
		slog.Info("provider created", "kind", "llm", "tag", "local", "backend", "ollama")
	}

	return backends, nil
}

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
