package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays environment
// variables, and returns the validated result. Missing file is an error;
// callers that run env-only should use [FromEnv].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := loadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from defaults plus environment variables.
func FromEnv() (*Config, error) {
	cfg := Default()
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays recognised environment variables onto cfg. Unset
// variables leave the existing value untouched; malformed numeric or boolean
// values are logged and skipped.
func ApplyEnv(cfg *Config) {
	envStr("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	envStr("POSTGRES_DSN", &cfg.Store.PostgresDSN)

	envInt("SILENCE_THRESHOLD_MS", &cfg.Audio.SilenceThresholdMS)
	envInt("MAX_UTTERANCE_TIME_MS", &cfg.Audio.MaxUtteranceMS)
	envInt("AUDIO_BUFFER_MAX_BYTES", &cfg.Audio.BufferMaxBytes)
	envInt("MONITOR_INTERVAL_MS", &cfg.Audio.MonitorIntervalMS)

	envInt("CONTEXT_CACHE_TTL_MIN", &cfg.Cache.TTLMin)
	envInt("CONTEXT_MAX_TURNS", &cfg.Cache.MaxTurns)
	envInt("CACHE_CLEANUP_INTERVAL_S", &cfg.Cache.CleanupIntervalS)

	envStr("STT_URL", &cfg.STT.URL)
	envStr("STT_MODEL", &cfg.STT.Model)
	envStr("STT_LANGUAGE", &cfg.STT.Language)
	envInt("STT_RECONNECT_ATTEMPTS", &cfg.STT.ReconnectAttempts)
	envInt("STT_RECONNECT_DELAY_S", &cfg.STT.ReconnectDelayS)

	envStr("LLM_PROVIDER", &cfg.LLM.Provider)
	envStr("LLM_MODEL", &cfg.LLM.Model)
	envStr("LLM_BASE_URL", &cfg.LLM.BaseURL)
	envStr("LLM_API_KEY", &cfg.LLM.APIKey)
	envStr("LLM_WEBHOOK_URL", &cfg.LLM.WebhookURL)
	envInt("LLM_TIMEOUT_S", &cfg.LLM.TimeoutS)
	envBool("LLM_STREAMING_ENABLED", &cfg.LLM.StreamingEnabled)
	envBool("LLM_FALLBACK_ENABLED", &cfg.LLM.FallbackEnabled)

	envStr("TTS_URL", &cfg.TTS.URL)
	envStr("TTS_DEFAULT_VOICE", &cfg.TTS.DefaultVoice)
	envInt("TTS_SAMPLE_RATE", &cfg.TTS.SampleRate)
	envInt("TTS_RETRY_ATTEMPTS", &cfg.TTS.RetryAttempts)

	envInt("MIN_SENTENCE_LENGTH", &cfg.Sentence.MinLength)
	envBool("USE_CLAUSE_SPLITTING", &cfg.Sentence.UseClauseSplitting)

	envInt("OBSERVER_BUFFER_FRAMES", &cfg.Observer.BufferFrames)
	envInt("OBSERVER_WRITE_TIMEOUT_MS", &cfg.Observer.WriteTimeoutMS)

	envStr("DISCORD_TOKEN", &cfg.Discord.Token)

	envInt("PLUGIN_MONITOR_INTERVAL_S", &cfg.Plugins.MonitorIntervalS)
	envInt("PLUGIN_MAX_VIOLATIONS", &cfg.Plugins.MaxViolations)
	envFloat("PLUGIN_MAX_CPU_PCT", &cfg.Plugins.MaxCPUPct)
	envInt("PLUGIN_MAX_RSS_MB", &cfg.Plugins.MaxRSSMB)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must not be empty"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SilenceThresholdMS <= 0 {
		errs = append(errs, errors.New("audio.silence_threshold_ms must be positive"))
	}
	if cfg.Audio.MaxUtteranceMS <= cfg.Audio.SilenceThresholdMS {
		errs = append(errs, errors.New("audio.max_utterance_ms must exceed the silence threshold"))
	}
	if cfg.Audio.MonitorIntervalMS <= 0 || cfg.Audio.MonitorIntervalMS > cfg.Audio.SilenceThresholdMS {
		errs = append(errs, errors.New("audio.monitor_interval_ms must be positive and no larger than the silence threshold"))
	}
	if cfg.Audio.BufferMaxBytes < 1024 {
		errs = append(errs, errors.New("audio.buffer_max_bytes must be at least 1024"))
	}

	if cfg.Cache.TTLMin <= 0 {
		errs = append(errs, errors.New("cache.ttl_min must be positive"))
	}
	if cfg.Cache.MaxTurns <= 0 {
		errs = append(errs, errors.New("cache.max_turns must be positive"))
	}
	if cfg.Cache.CleanupIntervalS <= 0 {
		errs = append(errs, errors.New("cache.cleanup_interval_s must be positive"))
	}

	if cfg.STT.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("stt.reconnect_attempts must not be negative"))
	}
	if cfg.STT.ReconnectDelayS <= 0 {
		errs = append(errs, errors.New("stt.reconnect_delay_s must be positive"))
	}

	if cfg.LLM.TimeoutS <= 0 {
		errs = append(errs, errors.New("llm.timeout_s must be positive"))
	}
	if cfg.LLM.FallbackEnabled && cfg.LLM.WebhookURL == "" {
		slog.Warn("config: llm fallback enabled without llm.webhook_url; fallback will be skipped")
	}

	if cfg.TTS.SampleRate <= 0 {
		errs = append(errs, errors.New("tts.sample_rate must be positive"))
	}
	if cfg.TTS.RetryAttempts < 0 {
		errs = append(errs, errors.New("tts.retry_attempts must not be negative"))
	}

	if cfg.Sentence.MinLength < 1 {
		errs = append(errs, errors.New("sentence.min_length must be at least 1"))
	}

	if cfg.Observer.BufferFrames <= 0 {
		errs = append(errs, errors.New("observer.buffer_frames must be positive"))
	}
	if cfg.Observer.WriteTimeoutMS <= 0 {
		errs = append(errs, errors.New("observer.write_timeout_ms must be positive"))
	}

	if cfg.Plugins.MonitorIntervalS <= 0 {
		errs = append(errs, errors.New("plugins.monitor_interval_s must be positive"))
	}
	if cfg.Plugins.MaxViolations <= 0 {
		errs = append(errs, errors.New("plugins.max_violations must be positive"))
	}
	if cfg.Plugins.MaxCPUPct <= 0 || cfg.Plugins.MaxCPUPct > 100 {
		errs = append(errs, errors.New("plugins.max_cpu_pct must be in (0, 100]"))
	}
	if cfg.Plugins.MaxRSSMB <= 0 {
		errs = append(errs, errors.New("plugins.max_rss_mb must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ─── env helpers ───

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: ignoring malformed integer", "var", key, "value", v)
		return
	}
	*dst = n
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config: ignoring malformed boolean", "var", key, "value", v)
		return
	}
	*dst = b
}

func envFloat(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config: ignoring malformed number", "var", key, "value", v)
		return
	}
	*dst = f
}
