package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// Level parses LogLevel, falling back to info.
func (t TelemetryConfig) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(t.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Node        NodeConfig      `yaml:"node"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
	Audio       AudioConfig     `yaml:"audio"`
	STT         STTConfig       `yaml:"stt"`
}

// NodeConfig identifies this listener to its peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
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
}

// JournalConfig controls the SQLite transcript journal.
type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	RecordPartial bool   `yaml:"record_partials"`
}

// AudioConfig selects and shapes the capture source.
type AudioConfig struct {
	Mode         string `yaml:"mode"` // wav, bus, mic
	WAVPath      string `yaml:"wav_path"`
	Source       string `yaml:"source"`
	SampleRate   int    `yaml:"sample_rate"`
	ChunkSamples int    `yaml:"chunk_samples"`
}

type STTConfig struct {
	Mode             string   `yaml:"mode"` // mock, exec, websocket, vosk
	Command          string   `yaml:"command"`
	ModelPath        string   `yaml:"model_path"`
	Endpoint         string   `yaml:"endpoint"`
	APIKey           string   `yaml:"api_key"`
	Language         string   `yaml:"language"`
	Languages        []string `yaml:"languages"`
	PartialEveryMS   int      `yaml:"partial_every_ms"`
	SilenceTimeoutMS int      `yaml:"silence_timeout_ms"`
	DialTimeoutMS    int      `yaml:"dial_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listen",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Node: NodeConfig{
			ID:                "loqa-listen-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-listen.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Mode:         "bus",
			Source:       "default",
			SampleRate:   16000,
			ChunkSamples: 1024,
		},
		STT: STTConfig{
			Mode:             "mock",
			Language:         "en-US",
			PartialEveryMS:   800,
			SilenceTimeoutMS: 1500,
			DialTimeoutMS:    5000,
		},
	}
}

// Redacted returns a copy with credentials masked, safe to print.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "<redacted>"
		}
	}
	c.Bus.Servers = append([]string(nil), c.Bus.Servers...)
	c.STT.Languages = append([]string(nil), c.STT.Languages...)
	mask(&c.Bus.Password)
	mask(&c.Bus.Token)
	mask(&c.STT.APIKey)
	return c
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
	if err := validate(cfg); err != nil {
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "LOQA_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "LOQA_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Journal.RecordPartial, "LOQA_JOURNAL_RECORD_PARTIALS")
	overrideString(&cfg.Audio.Mode, "LOQA_AUDIO_MODE")
	overrideString(&cfg.Audio.WAVPath, "LOQA_AUDIO_WAV_PATH")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.ChunkSamples, "LOQA_AUDIO_CHUNK_SAMPLES")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideStringSlice(&cfg.STT.Languages, "LOQA_STT_LANGUAGES")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.SilenceTimeoutMS, "LOQA_STT_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.STT.DialTimeoutMS, "LOQA_STT_DIAL_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Mode {
	case "wav":
		if cfg.Audio.WAVPath == "" {
			return errors.New("audio.wav_path must be set when mode=wav")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("audio.mode=bus requires bus.enabled")
		}
		if cfg.Audio.Source == "" {
			return errors.New("audio.source must be set when mode=bus")
		}
	case "mic":
	default:
		return errors.New("audio.mode must be one of wav|bus|mic")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.ChunkSamples <= 0 {
		return errors.New("audio.chunk_samples must be positive")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "websocket":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=websocket")
		}
	case "vosk":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=vosk")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|websocket|vosk")
	}
	if cfg.STT.Language == "" {
		return errors.New("stt.language must not be empty")
	}
	if cfg.STT.SilenceTimeoutMS <= 0 {
		return errors.New("stt.silence_timeout_ms must be positive")
	}
	if cfg.STT.PartialEveryMS < 0 {
		return errors.New("stt.partial_every_ms must be >= 0")
	}
	return nil
}
