package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Turns.MinWords != 5 || cfg.Turns.Punctuations != ",.!?;:*" {
		t.Fatalf("unexpected turn defaults: %+v", cfg.Turns)
	}
	if cfg.Playback.FPS != 25 {
		t.Fatalf("expected 25 fps, got %d", cfg.Playback.FPS)
	}
	if cfg.Recorder.SilenceMS != 2000 {
		t.Fatalf("expected 2000ms silence window, got %d", cfg.Recorder.SilenceMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatar.yaml")
	data := []byte(`
services:
  tts: tts.internal:9000
turns:
  min_words: 10
pipeline:
  mode: audio
  speaker: male
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Services.TTS != "tts.internal:9000" {
		t.Fatalf("expected tts override, got %q", cfg.Services.TTS)
	}
	if cfg.Services.Lipsync != "localhost:8011" {
		t.Fatalf("expected default lipsync kept, got %q", cfg.Services.Lipsync)
	}
	if cfg.Turns.MinWords != 10 {
		t.Fatalf("expected min words 10, got %d", cfg.Turns.MinWords)
	}
	if cfg.Pipeline.Mode != "audio" || cfg.Pipeline.Speaker != "male" {
		t.Fatalf("unexpected pipeline: %+v", cfg.Pipeline)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "session")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("NEXT_PUBLIC_TTS_URL", "tts:8013")
	t.Setenv("LOQA_SERVICES_LIPSYNC", "http://lipsync:8011")
	t.Setenv("LOQA_TURNS_MIN_WORDS", "10")
	t.Setenv("LOQA_PIPELINE_MAX_ATTEMPTS", "3")
	t.Setenv("LOQA_LLM_TEMPERATURE", "0.2")
	t.Setenv("LOQA_RECORDER_MIN_DECIBELS", "-50")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "session" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Services.TTS != "tts:8013" {
		t.Fatalf("expected tts url override, got %q", cfg.Services.TTS)
	}
	if cfg.Services.Lipsync != "http://lipsync:8011" {
		t.Fatalf("expected lipsync url override, got %q", cfg.Services.Lipsync)
	}
	if cfg.Turns.MinWords != 10 {
		t.Fatalf("expected min words override")
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("expected max attempts override")
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
	if cfg.Recorder.MinDecibels != -50 {
		t.Fatalf("expected min decibels override, got %v", cfg.Recorder.MinDecibels)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad mode":       func(c *Config) { c.Pipeline.Mode = "video" },
		"zero attempts":  func(c *Config) { c.Pipeline.MaxAttempts = 0 },
		"no punctuation": func(c *Config) { c.Turns.Punctuations = "" },
		"fps":            func(c *Config) { c.Playback.FPS = 0 },
		"llm mode":       func(c *Config) { c.LLM.Mode = "exec" },
		"retention":      func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"decibels":       func(c *Config) { c.Recorder.MinDecibels = 3 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
