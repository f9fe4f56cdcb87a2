package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	OCRModeMock   = "mock"
	OCRModeJob    = "job"
	OCRModeGemini = "gemini"
	OCRModeOllama = "ollama"

	TTSModeMock   = "mock"
	TTSModeSarvam = "sarvam"
	TTSModeExec   = "exec"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// SlogLevel maps LogLevel onto a slog level; unknown values mean info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	OCR         OCRConfig        `yaml:"ocr"`
	TTS         TTSConfig        `yaml:"tts"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
}

// NodeConfig identifies this process to other narrator replicas on the bus.
// An empty ID is replaced with a random one at startup.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	MaxPayload     int      `yaml:"max_payload_bytes"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path           string `yaml:"path"`
	RetentionMode  string `yaml:"retention_mode"`
	RetentionDays  int    `yaml:"retention_days"`
	MaxConversions int    `yaml:"max_conversions"`
	VacuumOnStart  bool   `yaml:"vacuum_on_start"`
}

// OCRConfig selects and parameterises the text extraction strategy.
type OCRConfig struct {
	Mode             string   `yaml:"mode"` // mock, job, gemini, ollama
	Endpoint         string   `yaml:"endpoint"`
	APIKey           string   `yaml:"api_key"`
	Language         string   `yaml:"language"`
	PollIntervalMS   int      `yaml:"poll_interval_ms"`
	MaxPollAttempts  int      `yaml:"max_poll_attempts"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms"`
	Extensions       []string `yaml:"extensions"`
	GeminiEndpoint   string   `yaml:"gemini_endpoint"`
	GeminiModel      string   `yaml:"gemini_model"`
	GeminiAPIKey     string   `yaml:"gemini_api_key"`
	OllamaEndpoint   string   `yaml:"ollama_endpoint"`
	OllamaModel      string   `yaml:"ollama_model"`
	CacheSize        int      `yaml:"cache_size"`
}

func (c OCRConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c OCRConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

type TTSConfig struct {
	Mode                string  `yaml:"mode"` // mock, sarvam, exec
	Endpoint            string  `yaml:"endpoint"`
	APIKey              string  `yaml:"api_key"`
	Command             string  `yaml:"command"`
	Voice               string  `yaml:"voice"`
	Language            string  `yaml:"language"`
	Model               string  `yaml:"model"`
	Pitch               float64 `yaml:"pitch"`
	Pace                float64 `yaml:"pace"`
	Loudness            float64 `yaml:"loudness"`
	SampleRate          int     `yaml:"sample_rate"`
	Channels            int     `yaml:"channels"`
	EnablePreprocessing bool    `yaml:"enable_preprocessing"`
	MaxChunkLength      int     `yaml:"max_chunk_length"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
	RequestTimeoutMS    int     `yaml:"request_timeout_ms"`
}

func (c TTSConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// PipelineConfig bounds a single conversion and the bus-facing service.
type PipelineConfig struct {
	MaxDocumentBytes int    `yaml:"max_document_bytes"`
	TimeoutMS        int    `yaml:"timeout_ms"`
	ServiceEnabled   bool   `yaml:"service_enabled"`
	QueueGroup       string `yaml:"queue_group"`
	MaxConcurrency   int    `yaml:"max_concurrency"`
}

func (c PipelineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Node: NodeConfig{
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			MaxPayload:     32 << 20,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:           "./data/narrator-events.db",
			RetentionMode:  "session",
			RetentionDays:  30,
			MaxConversions: 10000,
		},
		OCR: OCRConfig{
			Mode:             OCRModeMock,
			Endpoint:         "https://api.sarvam.ai",
			Language:         "en-IN",
			PollIntervalMS:   2000,
			MaxPollAttempts:  60,
			RequestTimeoutMS: 60000,
			Extensions:       []string{".md", ".txt", ".html"},
			GeminiEndpoint:   "https://generativelanguage.googleapis.com",
			GeminiModel:      "gemini-2.5-flash",
			OllamaEndpoint:   "http://localhost:11434",
			OllamaModel:      "llava:latest",
			CacheSize:        64,
		},
		TTS: TTSConfig{
			Mode:                TTSModeMock,
			Endpoint:            "https://api.sarvam.ai",
			Voice:               "anushka",
			Language:            "en-IN",
			Model:               "bulbul:v2",
			Pitch:               0,
			Pace:                1.0,
			Loudness:            1.5,
			SampleRate:          22050,
			Channels:            1,
			EnablePreprocessing: true,
			MaxChunkLength:      480,
			RequestTimeoutMS:    60000,
		},
		Pipeline: PipelineConfig{
			MaxDocumentBytes: 20 << 20,
			TimeoutMS:        600000,
			ServiceEnabled:   true,
			QueueGroup:       "narrator",
			MaxConcurrency:   2,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, a .env file in the working directory and NARRATOR_* variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadDotEnv(os.Getenv("NARRATOR_ENV_FILE")); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	applyCredentialFallbacks(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv never overrides variables already present in the environment.
// A missing default .env is ignored; a missing explicit file is an error.
func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "NARRATOR_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Node.ID, "NARRATOR_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "NARRATOR_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "NARRATOR_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideInt(&cfg.Bus.MaxPayload, "NARRATOR_BUS_MAX_PAYLOAD_BYTES")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxConversions, "NARRATOR_EVENT_STORE_MAX_CONVERSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.OCR.Mode, "NARRATOR_OCR_MODE")
	overrideString(&cfg.OCR.Endpoint, "NARRATOR_OCR_ENDPOINT")
	overrideString(&cfg.OCR.APIKey, "NARRATOR_OCR_API_KEY")
	overrideString(&cfg.OCR.Language, "NARRATOR_OCR_LANGUAGE")
	overrideInt(&cfg.OCR.PollIntervalMS, "NARRATOR_OCR_POLL_INTERVAL_MS")
	overrideInt(&cfg.OCR.MaxPollAttempts, "NARRATOR_OCR_MAX_POLL_ATTEMPTS")
	overrideInt(&cfg.OCR.RequestTimeoutMS, "NARRATOR_OCR_REQUEST_TIMEOUT_MS")
	overrideStringSlice(&cfg.OCR.Extensions, "NARRATOR_OCR_EXTENSIONS")
	overrideString(&cfg.OCR.GeminiEndpoint, "NARRATOR_OCR_GEMINI_ENDPOINT")
	overrideString(&cfg.OCR.GeminiModel, "NARRATOR_OCR_GEMINI_MODEL")
	overrideString(&cfg.OCR.GeminiAPIKey, "NARRATOR_OCR_GEMINI_API_KEY")
	overrideString(&cfg.OCR.OllamaEndpoint, "NARRATOR_OCR_OLLAMA_ENDPOINT")
	overrideString(&cfg.OCR.OllamaModel, "NARRATOR_OCR_OLLAMA_MODEL")
	overrideInt(&cfg.OCR.CacheSize, "NARRATOR_OCR_CACHE_SIZE")
	overrideString(&cfg.TTS.Mode, "NARRATOR_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "NARRATOR_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "NARRATOR_TTS_API_KEY")
	overrideString(&cfg.TTS.Command, "NARRATOR_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "NARRATOR_TTS_VOICE")
	overrideString(&cfg.TTS.Language, "NARRATOR_TTS_LANGUAGE")
	overrideString(&cfg.TTS.Model, "NARRATOR_TTS_MODEL")
	overrideFloat(&cfg.TTS.Pitch, "NARRATOR_TTS_PITCH")
	overrideFloat(&cfg.TTS.Pace, "NARRATOR_TTS_PACE")
	overrideFloat(&cfg.TTS.Loudness, "NARRATOR_TTS_LOUDNESS")
	overrideInt(&cfg.TTS.SampleRate, "NARRATOR_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "NARRATOR_TTS_CHANNELS")
	overrideBool(&cfg.TTS.EnablePreprocessing, "NARRATOR_TTS_ENABLE_PREPROCESSING")
	overrideInt(&cfg.TTS.MaxChunkLength, "NARRATOR_TTS_MAX_CHUNK_LENGTH")
	overrideFloat(&cfg.TTS.RequestsPerSecond, "NARRATOR_TTS_REQUESTS_PER_SECOND")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "NARRATOR_TTS_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.MaxDocumentBytes, "NARRATOR_PIPELINE_MAX_DOCUMENT_BYTES")
	overrideInt(&cfg.Pipeline.TimeoutMS, "NARRATOR_PIPELINE_TIMEOUT_MS")
	overrideBool(&cfg.Pipeline.ServiceEnabled, "NARRATOR_PIPELINE_SERVICE_ENABLED")
	overrideString(&cfg.Pipeline.QueueGroup, "NARRATOR_PIPELINE_QUEUE_GROUP")
	overrideInt(&cfg.Pipeline.MaxConcurrency, "NARRATOR_PIPELINE_MAX_CONCURRENCY")
}

// applyCredentialFallbacks fills empty keys from the provider variables the
// hosted functions were deployed with.
func applyCredentialFallbacks(cfg *Config) {
	fallbackString(&cfg.OCR.APIKey, "SARVAM_API_KEY")
	fallbackString(&cfg.TTS.APIKey, "SARVAM_API_KEY")
	fallbackString(&cfg.OCR.GeminiAPIKey, "GOOGLE_API_KEY")
}

func fallbackString(target *string, envKey string) {
	if *target != "" {
		return
	}
	if value := strings.TrimSpace(os.Getenv(envKey)); value != "" {
		*target = value
	}
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.MaxPayload < 0 {
			return errors.New("bus.max_payload_bytes must be >= 0")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxConversions < 0 {
		return errors.New("event_store.max_conversions must be >= 0")
	}
	switch cfg.OCR.Mode {
	case OCRModeMock, OCRModeJob, OCRModeGemini, OCRModeOllama:
	default:
		return errors.New("ocr.mode must be one of mock|job|gemini|ollama")
	}
	if cfg.OCR.Mode == OCRModeJob {
		if cfg.OCR.Endpoint == "" {
			return errors.New("ocr.endpoint must be set when mode=job")
		}
		if cfg.OCR.PollIntervalMS <= 0 {
			return errors.New("ocr.poll_interval_ms must be positive")
		}
		if cfg.OCR.MaxPollAttempts <= 0 {
			return errors.New("ocr.max_poll_attempts must be positive")
		}
	}
	if cfg.OCR.Mode == OCRModeGemini && (cfg.OCR.GeminiEndpoint == "" || cfg.OCR.GeminiModel == "") {
		return errors.New("ocr.gemini_endpoint and ocr.gemini_model must be set when mode=gemini")
	}
	if cfg.OCR.Mode == OCRModeOllama && (cfg.OCR.OllamaEndpoint == "" || cfg.OCR.OllamaModel == "") {
		return errors.New("ocr.ollama_endpoint and ocr.ollama_model must be set when mode=ollama")
	}
	if cfg.OCR.CacheSize < 0 {
		return errors.New("ocr.cache_size must be >= 0")
	}
	switch cfg.TTS.Mode {
	case TTSModeMock, TTSModeSarvam, TTSModeExec:
	default:
		return errors.New("tts.mode must be one of mock|sarvam|exec")
	}
	if cfg.TTS.Mode == TTSModeExec && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == TTSModeSarvam && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=sarvam")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.MaxChunkLength <= 0 {
		return errors.New("tts.max_chunk_length must be positive")
	}
	if cfg.TTS.RequestsPerSecond < 0 {
		return errors.New("tts.requests_per_second must be >= 0")
	}
	if cfg.Pipeline.MaxDocumentBytes <= 0 {
		return errors.New("pipeline.max_document_bytes must be positive")
	}
	if cfg.Pipeline.TimeoutMS <= 0 {
		return errors.New("pipeline.timeout_ms must be positive")
	}
	if cfg.Pipeline.ServiceEnabled {
		if !cfg.Bus.Enabled {
			return errors.New("pipeline.service_enabled requires bus.enabled")
		}
		if cfg.Pipeline.MaxConcurrency <= 0 {
			return errors.New("pipeline.max_concurrency must be >= 1")
		}
	}
	return nil
}
