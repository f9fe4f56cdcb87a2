package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.OCR.Mode != OCRModeMock || cfg.TTS.Mode != TTSModeMock {
		t.Fatalf("expected mock backends by default, got ocr=%s tts=%s", cfg.OCR.Mode, cfg.TTS.Mode)
	}
	if cfg.OCR.PollInterval() != 2*time.Second || cfg.OCR.MaxPollAttempts != 60 {
		t.Fatalf("unexpected poll budget %s x %d", cfg.OCR.PollInterval(), cfg.OCR.MaxPollAttempts)
	}
	if cfg.TTS.Voice != "anushka" || cfg.TTS.SampleRate != 22050 || cfg.TTS.MaxChunkLength != 480 {
		t.Fatalf("unexpected tts defaults %+v", cfg.TTS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NARRATOR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("NARRATOR_BUS_USERNAME", "alice")
	t.Setenv("NARRATOR_BUS_PASSWORD", "secret")
	t.Setenv("NARRATOR_BUS_TLS_INSECURE", "true")
	t.Setenv("NARRATOR_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("NARRATOR_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("NARRATOR_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("NARRATOR_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("NARRATOR_EVENT_STORE_MAX_CONVERSIONS", "123")
	t.Setenv("NARRATOR_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("NARRATOR_OCR_MODE", "job")
	t.Setenv("NARRATOR_OCR_POLL_INTERVAL_MS", "250")
	t.Setenv("NARRATOR_TTS_PACE", "1.25")
	t.Setenv("NARRATOR_TTS_VOICE", "meera")

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
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxConversions != 123 {
		t.Fatalf("expected event store max conversions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.OCR.Mode != OCRModeJob || cfg.OCR.PollInterval() != 250*time.Millisecond {
		t.Fatalf("expected ocr overrides, got %+v", cfg.OCR)
	}
	if cfg.TTS.Pace != 1.25 || cfg.TTS.Voice != "meera" {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
}

func TestCredentialFallbacks(t *testing.T) {
	t.Setenv("SARVAM_API_KEY", "sarvam-key")
	t.Setenv("GOOGLE_API_KEY", "google-key")
	t.Setenv("NARRATOR_TTS_API_KEY", "explicit")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OCR.APIKey != "sarvam-key" {
		t.Fatalf("expected ocr key from SARVAM_API_KEY, got %q", cfg.OCR.APIKey)
	}
	if cfg.TTS.APIKey != "explicit" {
		t.Fatalf("explicit key must win over fallback, got %q", cfg.TTS.APIKey)
	}
	if cfg.OCR.GeminiAPIKey != "google-key" {
		t.Fatalf("expected gemini key from GOOGLE_API_KEY, got %q", cfg.OCR.GeminiAPIKey)
	}
}

func TestLoadYAMLAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "narrator.yaml")
	yamlDoc := "runtime_name: test-narrator\nocr:\n  mode: gemini\n  language: hi-IN\ntts:\n  mode: exec\n  command: ./speak --fast\n"
	if err := os.WriteFile(cfgPath, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("NARRATOR_HTTP_PORT=9090\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("NARRATOR_ENV_FILE", envPath)
	t.Cleanup(func() { os.Unsetenv("NARRATOR_HTTP_PORT") })

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "test-narrator" || cfg.OCR.Mode != OCRModeGemini || cfg.OCR.Language != "hi-IN" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.TTS.Command != "./speak --fast" {
		t.Fatalf("expected tts command from yaml, got %q", cfg.TTS.Command)
	}
	if cfg.OCR.PollIntervalMS != 2000 {
		t.Fatalf("defaults must survive partial yaml, got %d", cfg.OCR.PollIntervalMS)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected port from env file, got %d", cfg.HTTP.Port)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	t.Setenv("NARRATOR_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for explicit missing env file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown ocr mode", func(c *Config) { c.OCR.Mode = "tesseract" }},
		{"job without attempts", func(c *Config) { c.OCR.Mode = OCRModeJob; c.OCR.MaxPollAttempts = 0 }},
		{"unknown tts mode", func(c *Config) { c.TTS.Mode = "espeak" }},
		{"exec without command", func(c *Config) { c.TTS.Mode = TTSModeExec; c.TTS.Command = "" }},
		{"zero chunk length", func(c *Config) { c.TTS.MaxChunkLength = 0 }},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }},
		{"service without bus", func(c *Config) { c.Bus.Enabled = false }},
		{"bad log level", func(c *Config) { c.Telemetry.LogLevel = "trace" }},
		{"heartbeat timeout too short", func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestMissingCredentialIsNotALoadError(t *testing.T) {
	t.Setenv("NARRATOR_OCR_MODE", "job")
	t.Setenv("NARRATOR_TTS_MODE", "sarvam")
	t.Setenv("SARVAM_API_KEY", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OCR.APIKey != "" {
		t.Fatalf("expected empty key, got %q", cfg.OCR.APIKey)
	}
}
