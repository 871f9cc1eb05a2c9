package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(Default()) = %v", err)
	}
	if cfg.Audio.SilenceThresholdMS != 600 {
		t.Errorf("silence threshold = %d, want 600", cfg.Audio.SilenceThresholdMS)
	}
	if cfg.Audio.BufferMaxBytes != 512*1024 {
		t.Errorf("buffer cap = %d, want %d", cfg.Audio.BufferMaxBytes, 512*1024)
	}
	if cfg.Cache.MaxTurns != 20 {
		t.Errorf("cache max turns = %d, want 20", cfg.Cache.MaxTurns)
	}
	if !cfg.LLM.StreamingEnabled || !cfg.LLM.FallbackEnabled {
		t.Error("expected LLM streaming and fallback enabled by default")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("SILENCE_THRESHOLD_MS", "800")
	t.Setenv("MAX_UTTERANCE_TIME_MS", "30000")
	t.Setenv("LLM_STREAMING_ENABLED", "false")
	t.Setenv("PLUGIN_MAX_CPU_PCT", "55.5")
	t.Setenv("STT_URL", "ws://stt.internal:9000/stream")

	cfg := Default()
	ApplyEnv(cfg)

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Audio.SilenceThresholdMS != 800 {
		t.Errorf("silence threshold = %d", cfg.Audio.SilenceThresholdMS)
	}
	if cfg.Audio.MaxUtteranceMS != 30000 {
		t.Errorf("max utterance = %d", cfg.Audio.MaxUtteranceMS)
	}
	if cfg.LLM.StreamingEnabled {
		t.Error("expected streaming disabled")
	}
	if cfg.Plugins.MaxCPUPct != 55.5 {
		t.Errorf("cpu ceiling = %v", cfg.Plugins.MaxCPUPct)
	}
	if cfg.STT.URL != "ws://stt.internal:9000/stream" {
		t.Errorf("stt url = %q", cfg.STT.URL)
	}
}

func TestApplyEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SILENCE_THRESHOLD_MS", "not-a-number")
	t.Setenv("USE_CLAUSE_SPLITTING", "definitely")

	cfg := Default()
	ApplyEnv(cfg)

	if cfg.Audio.SilenceThresholdMS != 600 {
		t.Errorf("malformed int should keep default, got %d", cfg.Audio.SilenceThresholdMS)
	}
	if cfg.Sentence.UseClauseSplitting {
		t.Error("malformed bool should keep default")
	}
}

func TestValidateCollectsAllFailures(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Server.LogLevel = "loud"
	cfg.Audio.SilenceThresholdMS = 0
	cfg.Cache.MaxTurns = 0
	cfg.Observer.BufferFrames = -1

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, frag := range []string{"log_level", "silence_threshold_ms", "max_turns", "buffer_frames"} {
		if !strings.Contains(err.Error(), frag) {
			t.Errorf("error %q missing %q", err, frag)
		}
	}
}

func TestLoadOverlaysFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxbridge.yaml")
	doc := `
server:
  listen_addr: ":7070"
stt:
  url: "ws://file-stt/stream"
llm:
  provider: ollama
  model: llama3
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	// Env wins over the file.
	t.Setenv("STT_URL", "ws://env-stt/stream")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.STT.URL != "ws://env-stt/stream" {
		t.Errorf("stt url = %q, want env override", cfg.STT.URL)
	}
	if cfg.LLM.Provider != "ollama" || cfg.LLM.Model != "llama3" {
		t.Errorf("llm = %q/%q", cfg.LLM.Provider, cfg.LLM.Model)
	}
	// Untouched sections keep defaults.
	if cfg.TTS.SampleRate != 24000 {
		t.Errorf("tts sample rate = %d", cfg.TTS.SampleRate)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("serverz:\n  foo: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected decode error for unknown field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
