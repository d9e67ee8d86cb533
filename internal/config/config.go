package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Services    ServicesConfig   `yaml:"services"`
	Backends    BackendsConfig   `yaml:"backends"`
	LLM         LLMConfig        `yaml:"llm"`
	Turns       TurnsConfig      `yaml:"turns"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Recorder    RecorderConfig   `yaml:"recorder"`
	Skins       SkinsConfig      `yaml:"skins"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ServicesConfig holds the base URLs of the inference microservices. A URL
// without a scheme is treated as http.
type ServicesConfig struct {
	STT          string `yaml:"stt"`
	TTS          string `yaml:"tts"`
	LLM          string `yaml:"llm"`
	Lipsync      string `yaml:"lipsync"`
	Liveportrait string `yaml:"liveportrait"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

type BackendsConfig struct {
	Enabled           bool `yaml:"enabled"`
	HeartbeatInterval int  `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int  `yaml:"heartbeat_timeout_ms"`
}

type LLMConfig struct {
	Mode              string  `yaml:"mode"` // mock, openai
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	SystemPrompt      string  `yaml:"system_prompt"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	ConversationCount int     `yaml:"conversation_count"`
	UseRAG            bool    `yaml:"use_rag"`
	TimeoutMS         int     `yaml:"timeout_ms"`
}

type TurnsConfig struct {
	MinWords     int    `yaml:"min_words"`
	Punctuations string `yaml:"punctuations"`
}

type PipelineConfig struct {
	Mode              string  `yaml:"mode"`    // avatar, audio
	Backend           string  `yaml:"backend"` // http, mock
	Speaker           string  `yaml:"speaker"`
	Speed             float64 `yaml:"speed"`
	Enhance           bool    `yaml:"enhance"`
	ExpressionScale   float64 `yaml:"expression_scale"`
	MaxAttempts       int     `yaml:"max_attempts"`
	TurnTimeoutMS     int     `yaml:"turn_timeout_ms"`
	PredictStartFrame bool    `yaml:"predict_start_frame"`
}

type PlaybackConfig struct {
	FPS        int `yaml:"fps"`
	IdleFrames int `yaml:"idle_frames"`
	// Estimates used by start frame prediction, in milliseconds.
	TransferLatencyMS     int `yaml:"transfer_latency_ms"`
	MinGenerationMS       int `yaml:"min_generation_ms"`
	GenerationPerSecondMS int `yaml:"generation_per_second_ms"`
	// AllowedOrigins are host patterns, as accepted by path.Match, of pages
	// allowed to open the playback websocket. Same-origin requests are
	// always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RecorderConfig struct {
	Enabled         bool    `yaml:"enabled"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	MinDecibels     float64 `yaml:"min_decibels"`
	SilenceMS       int     `yaml:"silence_ms"`
	VisualizerSize  int     `yaml:"visualizer_size"`
	Language        string  `yaml:"language"`
	UseDenoise      bool    `yaml:"use_denoise"`
	MaxDurationSecs int     `yaml:"max_duration_seconds"`
}

type SkinsConfig struct {
	Directory string `yaml:"directory"`
}

type RouterConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-avatar",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 5999,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-avatar.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Services: ServicesConfig{
			STT:          "localhost:8014",
			TTS:          "localhost:8013",
			LLM:          "localhost:8012",
			Lipsync:      "localhost:8011",
			Liveportrait: "localhost:8010",
			TimeoutMS:    60000,
		},
		Backends: BackendsConfig{
			Enabled:           true,
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		LLM: LLMConfig{
			Mode:              "openai",
			APIKey:            "-",
			Model:             "qwen2.5",
			MaxTokens:         512,
			Temperature:       0.7,
			ConversationCount: -1,
			TimeoutMS:         120000,
		},
		Turns: TurnsConfig{
			MinWords:     5,
			Punctuations: ",.!?;:*",
		},
		Pipeline: PipelineConfig{
			Mode:            "avatar",
			Backend:         "http",
			Speaker:         "female",
			Speed:           1.0,
			ExpressionScale: 1.0,
			MaxAttempts:     2,
			TurnTimeoutMS:   60000,
		},
		Playback: PlaybackConfig{
			FPS:                   25,
			IdleFrames:            125,
			TransferLatencyMS:     1500,
			MinGenerationMS:       200,
			GenerationPerSecondMS: 300,
		},
		Recorder: RecorderConfig{
			Enabled:         true,
			SampleRate:      16000,
			Channels:        1,
			MinDecibels:     -45,
			SilenceMS:       2000,
			VisualizerSize:  300,
			Language:        "english",
			UseDenoise:      false,
			MaxDurationSecs: 120,
		},
		Skins: SkinsConfig{
			Directory: "./public/assets/avatar-skins",
		},
		Router: RouterConfig{
			Enabled: true,
		},
	}
}

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

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	// Same variable names the web front-ends used for their service URLs.
	overrideString(&cfg.Services.STT, "NEXT_PUBLIC_STT_URL")
	overrideString(&cfg.Services.TTS, "NEXT_PUBLIC_TTS_URL")
	overrideString(&cfg.Services.LLM, "NEXT_PUBLIC_LLM_URL")
	overrideString(&cfg.Services.Lipsync, "NEXT_PUBLIC_LIPSYNC_URL")
	overrideString(&cfg.Services.STT, "LOQA_SERVICES_STT")
	overrideString(&cfg.Services.TTS, "LOQA_SERVICES_TTS")
	overrideString(&cfg.Services.LLM, "LOQA_SERVICES_LLM")
	overrideString(&cfg.Services.Lipsync, "LOQA_SERVICES_LIPSYNC")
	overrideString(&cfg.Services.Liveportrait, "LOQA_SERVICES_LIVEPORTRAIT")
	overrideInt(&cfg.Services.TimeoutMS, "LOQA_SERVICES_TIMEOUT_MS")
	overrideBool(&cfg.Backends.Enabled, "LOQA_BACKENDS_ENABLED")
	overrideInt(&cfg.Backends.HeartbeatInterval, "LOQA_BACKENDS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Backends.HeartbeatTimeout, "LOQA_BACKENDS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.ConversationCount, "LOQA_LLM_CONVERSATION_COUNT")
	overrideBool(&cfg.LLM.UseRAG, "LOQA_LLM_USE_RAG")
	overrideInt(&cfg.Turns.MinWords, "LOQA_TURNS_MIN_WORDS")
	overrideString(&cfg.Turns.Punctuations, "LOQA_TURNS_PUNCTUATIONS")
	overrideString(&cfg.Pipeline.Mode, "LOQA_PIPELINE_MODE")
	overrideString(&cfg.Pipeline.Backend, "LOQA_PIPELINE_BACKEND")
	overrideString(&cfg.Pipeline.Speaker, "LOQA_PIPELINE_SPEAKER")
	overrideFloat(&cfg.Pipeline.Speed, "LOQA_PIPELINE_SPEED")
	overrideBool(&cfg.Pipeline.Enhance, "LOQA_PIPELINE_ENHANCE")
	overrideFloat(&cfg.Pipeline.ExpressionScale, "LOQA_PIPELINE_EXPRESSION_SCALE")
	overrideInt(&cfg.Pipeline.MaxAttempts, "LOQA_PIPELINE_MAX_ATTEMPTS")
	overrideInt(&cfg.Pipeline.TurnTimeoutMS, "LOQA_PIPELINE_TURN_TIMEOUT_MS")
	overrideBool(&cfg.Pipeline.PredictStartFrame, "LOQA_PIPELINE_PREDICT_START_FRAME")
	overrideInt(&cfg.Playback.FPS, "LOQA_PLAYBACK_FPS")
	overrideInt(&cfg.Playback.IdleFrames, "LOQA_PLAYBACK_IDLE_FRAMES")
	overrideStringSlice(&cfg.Playback.AllowedOrigins, "LOQA_PLAYBACK_ALLOWED_ORIGINS")
	overrideBool(&cfg.Recorder.Enabled, "LOQA_RECORDER_ENABLED")
	overrideInt(&cfg.Recorder.SampleRate, "LOQA_RECORDER_SAMPLE_RATE")
	overrideInt(&cfg.Recorder.Channels, "LOQA_RECORDER_CHANNELS")
	overrideFloat(&cfg.Recorder.MinDecibels, "LOQA_RECORDER_MIN_DECIBELS")
	overrideInt(&cfg.Recorder.SilenceMS, "LOQA_RECORDER_SILENCE_MS")
	overrideString(&cfg.Recorder.Language, "LOQA_RECORDER_LANGUAGE")
	overrideBool(&cfg.Recorder.UseDenoise, "LOQA_RECORDER_USE_DENOISE")
	overrideString(&cfg.Skins.Directory, "LOQA_SKINS_DIRECTORY")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
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

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
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
	if cfg.Services.TTS == "" || cfg.Services.Lipsync == "" || cfg.Services.STT == "" || cfg.Services.LLM == "" {
		return errors.New("services.stt, services.tts, services.llm and services.lipsync must be set")
	}
	if cfg.Backends.Enabled {
		if cfg.Backends.HeartbeatInterval <= 0 {
			return errors.New("backends.heartbeat_interval_ms must be positive")
		}
		if cfg.Backends.HeartbeatTimeout <= cfg.Backends.HeartbeatInterval {
			return errors.New("backends.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "openai":
	default:
		return errors.New("llm.mode must be one of mock|openai")
	}
	if cfg.LLM.Model == "" {
		return errors.New("llm.model must not be empty")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Turns.MinWords < 0 {
		return errors.New("turns.min_words must be >= 0")
	}
	if cfg.Turns.Punctuations == "" {
		return errors.New("turns.punctuations must not be empty")
	}
	switch cfg.Pipeline.Mode {
	case "avatar", "audio":
	default:
		return errors.New("pipeline.mode must be one of avatar|audio")
	}
	switch cfg.Pipeline.Backend {
	case "http", "mock":
	default:
		return errors.New("pipeline.backend must be one of http|mock")
	}
	if cfg.Pipeline.MaxAttempts <= 0 {
		return errors.New("pipeline.max_attempts must be >= 1")
	}
	if cfg.Pipeline.Speed <= 0 {
		return errors.New("pipeline.speed must be positive")
	}
	if cfg.Playback.FPS <= 0 || cfg.Playback.FPS > 120 {
		return errors.New("playback.fps must be between 1 and 120")
	}
	if cfg.Playback.IdleFrames < 2 {
		return errors.New("playback.idle_frames must be >= 2")
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.SampleRate <= 0 {
			return errors.New("recorder.sample_rate must be positive")
		}
		if cfg.Recorder.Channels <= 0 {
			return errors.New("recorder.channels must be positive")
		}
		if cfg.Recorder.SilenceMS <= 0 {
			return errors.New("recorder.silence_ms must be positive")
		}
		if cfg.Recorder.MinDecibels >= 0 {
			return errors.New("recorder.min_decibels must be negative")
		}
	}
	if cfg.Skins.Directory == "" {
		return errors.New("skins.directory must not be empty")
	}
	return nil
}
