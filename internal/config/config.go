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
	Tracing      bool   `yaml:"tracing"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Audio       AudioConfig      `yaml:"audio"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Session     SessionConfig    `yaml:"session"`
	History     HistoryConfig    `yaml:"history"`
	Console     ConsoleConfig    `yaml:"console"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	// Stream, when set, retains published transcripts in a JetStream stream of that name.
	Stream string `yaml:"stream"`
}

// AudioConfig selects the capture source. For source "wav" the device is the file path; for
// source "bus" it is the remote device name frames are published under.
type AudioConfig struct {
	Source          string `yaml:"source"` // microphone, wav, memory, bus
	Device          string `yaml:"device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	BacklogFrames   int    `yaml:"backlog_frames"`
	Pace            bool   `yaml:"pace"`
}

type RecognizerConfig struct {
	Mode            string            `yaml:"mode"` // vosk, exec, mock
	ModelPath       string            `yaml:"model_path"`
	ModelURL        string            `yaml:"model_url"`
	AutoDownload    bool              `yaml:"auto_download"`
	Command         string            `yaml:"command"`
	Language        string            `yaml:"language"`
	Words           bool              `yaml:"words"`
	PublishInterim  bool              `yaml:"publish_interim"`
	PartialEveryMS  int               `yaml:"partial_every_ms"`
	EnergyThreshold float64           `yaml:"energy_threshold"`
	HangoverMS      int               `yaml:"hangover_ms"`
	Symbols         map[string]string `yaml:"symbols"`
	DecoderLogs     bool              `yaml:"decoder_logs"`
}

type SessionConfig struct {
	QueueCapacity    int `yaml:"queue_capacity"`
	EnqueueTimeoutMS int `yaml:"enqueue_timeout_ms"`
	ReadTimeoutMS    int `yaml:"read_timeout_ms"`
	MaxReadTimeouts  int `yaml:"max_read_timeouts"`
	MaxDecodeErrors  int `yaml:"max_decode_errors"`
	EventBuffer      int `yaml:"event_buffer"`
}

// HistoryConfig controls the on-disk transcript archive. The in-memory history is always kept.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ConsoleConfig struct {
	Enabled  bool `yaml:"enabled"`
	Partials bool `yaml:"partials"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listen",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "listen",
		},
		Audio: AudioConfig{
			Source:          "microphone",
			Device:          "",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 100,
			BacklogFrames:   64,
		},
		Recognizer: RecognizerConfig{
			Mode:            "vosk",
			ModelPath:       "models/vosk-model-small-en-us-0.15",
			ModelURL:        "https://alphacephei.com/vosk/models",
			Words:           true,
			PublishInterim:  true,
			PartialEveryMS:  800,
			EnergyThreshold: 500,
			HangoverMS:      600,
			Symbols: map[string]string{
				"dash":   "-",
				"hyphen": "-",
				"minus":  "-",
			},
		},
		Session: SessionConfig{
			QueueCapacity:    32,
			EnqueueTimeoutMS: 50,
			ReadTimeoutMS:    1000,
			MaxReadTimeouts:  5,
			MaxDecodeErrors:  3,
			EventBuffer:      64,
		},
		History: HistoryConfig{
			Enabled:       false,
			Path:          "./data/loqa-listen.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Console: ConsoleConfig{
			Enabled:  true,
			Partials: true,
		},
	}
}

// Load reads path over Default, then applies LOQA_LISTEN_* environment overrides.
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
	overrideString(&cfg.RuntimeName, "LOQA_LISTEN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_LISTEN_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_LISTEN_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_LISTEN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_LISTEN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_LISTEN_TELEMETRY_LOG_LEVEL")
	overrideBool(&cfg.Telemetry.Tracing, "LOQA_LISTEN_TELEMETRY_TRACING")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_LISTEN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_LISTEN_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_LISTEN_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_LISTEN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_LISTEN_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_LISTEN_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_LISTEN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_LISTEN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_LISTEN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_LISTEN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_LISTEN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_LISTEN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_LISTEN_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Bus.Stream, "LOQA_LISTEN_BUS_STREAM")
	overrideString(&cfg.Audio.Source, "LOQA_LISTEN_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Device, "LOQA_LISTEN_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_LISTEN_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_LISTEN_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "LOQA_LISTEN_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.BacklogFrames, "LOQA_LISTEN_AUDIO_BACKLOG_FRAMES")
	overrideBool(&cfg.Audio.Pace, "LOQA_LISTEN_AUDIO_PACE")
	overrideString(&cfg.Recognizer.Mode, "LOQA_LISTEN_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.ModelPath, "LOQA_LISTEN_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.ModelURL, "LOQA_LISTEN_RECOGNIZER_MODEL_URL")
	overrideBool(&cfg.Recognizer.AutoDownload, "LOQA_LISTEN_RECOGNIZER_AUTO_DOWNLOAD")
	overrideString(&cfg.Recognizer.Command, "LOQA_LISTEN_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.Language, "LOQA_LISTEN_RECOGNIZER_LANGUAGE")
	overrideBool(&cfg.Recognizer.Words, "LOQA_LISTEN_RECOGNIZER_WORDS")
	overrideBool(&cfg.Recognizer.PublishInterim, "LOQA_LISTEN_RECOGNIZER_PUBLISH_INTERIM")
	overrideInt(&cfg.Recognizer.PartialEveryMS, "LOQA_LISTEN_RECOGNIZER_PARTIAL_EVERY_MS")
	overrideFloat(&cfg.Recognizer.EnergyThreshold, "LOQA_LISTEN_RECOGNIZER_ENERGY_THRESHOLD")
	overrideInt(&cfg.Recognizer.HangoverMS, "LOQA_LISTEN_RECOGNIZER_HANGOVER_MS")
	overrideBool(&cfg.Recognizer.DecoderLogs, "LOQA_LISTEN_RECOGNIZER_DECODER_LOGS")
	overrideInt(&cfg.Session.QueueCapacity, "LOQA_LISTEN_SESSION_QUEUE_CAPACITY")
	overrideInt(&cfg.Session.EnqueueTimeoutMS, "LOQA_LISTEN_SESSION_ENQUEUE_TIMEOUT_MS")
	overrideInt(&cfg.Session.ReadTimeoutMS, "LOQA_LISTEN_SESSION_READ_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxReadTimeouts, "LOQA_LISTEN_SESSION_MAX_READ_TIMEOUTS")
	overrideInt(&cfg.Session.MaxDecodeErrors, "LOQA_LISTEN_SESSION_MAX_DECODE_ERRORS")
	overrideInt(&cfg.Session.EventBuffer, "LOQA_LISTEN_SESSION_EVENT_BUFFER")
	overrideBool(&cfg.History.Enabled, "LOQA_LISTEN_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "LOQA_LISTEN_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_LISTEN_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_LISTEN_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "LOQA_LISTEN_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_LISTEN_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Console.Enabled, "LOQA_LISTEN_CONSOLE_ENABLED")
	overrideBool(&cfg.Console.Partials, "LOQA_LISTEN_CONSOLE_PARTIALS")
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

// Validate checks a fully merged configuration. The CLI calls it again after applying flags.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}

	switch cfg.Audio.Source {
	case "microphone", "wav", "memory", "bus":
	default:
		return errors.New("audio.source must be one of microphone|wav|memory|bus")
	}
	if cfg.Audio.Source == "bus" && !cfg.Bus.Enabled {
		return errors.New("bus.enabled must be true when source=bus")
	}
	if cfg.Audio.Source == "wav" && cfg.Audio.Device == "" {
		return errors.New("audio.device must name a file when source=wav")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}

	switch cfg.Recognizer.Mode {
	case "vosk", "exec", "mock":
	default:
		return errors.New("recognizer.mode must be one of vosk|exec|mock")
	}
	if cfg.Recognizer.Mode != "mock" && cfg.Recognizer.ModelPath == "" {
		return errors.New("recognizer.model_path must be set unless mode=mock")
	}
	if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
		return errors.New("recognizer.command must be set when mode=exec")
	}
	if cfg.Recognizer.AutoDownload && cfg.Recognizer.ModelURL == "" {
		return errors.New("recognizer.model_url must be set when auto_download is enabled")
	}
	if cfg.Recognizer.EnergyThreshold < 0 {
		return errors.New("recognizer.energy_threshold must be >= 0")
	}

	if cfg.Session.QueueCapacity <= 0 {
		return errors.New("session.queue_capacity must be >= 1")
	}
	if cfg.Session.EnqueueTimeoutMS < 0 {
		return errors.New("session.enqueue_timeout_ms must be >= 0")
	}
	if cfg.Session.ReadTimeoutMS <= 0 {
		return errors.New("session.read_timeout_ms must be positive")
	}
	if cfg.Session.MaxReadTimeouts <= 0 {
		return errors.New("session.max_read_timeouts must be >= 1")
	}
	if cfg.Session.MaxDecodeErrors <= 0 {
		return errors.New("session.max_decode_errors must be >= 1")
	}

	if cfg.History.Enabled {
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty")
		}
		switch cfg.History.RetentionMode {
		case "ephemeral", "session", "persistent":
			// ok
		default:
			return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.History.RetentionDays < 0 {
			return errors.New("history.retention_days must be >= 0")
		}
	}
	return nil
}
