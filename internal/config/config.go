package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	// TraceExporter is auto, otlp, stdout or none. Auto picks otlp when an
	// endpoint is set and drops spans otherwise.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
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
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Provider    ProviderConfig   `yaml:"provider"`
	Audio       AudioConfig      `yaml:"audio"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Service     ServiceConfig    `yaml:"service"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ExecConfig is the command line contract of a subprocess backend.
type ExecConfig struct {
	Command     string `yaml:"command"`
	VoicesFlag  string `yaml:"voices_flag"`
	SpeakFlag   string `yaml:"speak_flag"`
	FileFlag    string `yaml:"file_flag"`
	VoiceFlag   string `yaml:"voice_flag"`
	RateFlag    string `yaml:"rate_flag"`
	PitchFlag   string `yaml:"pitch_flag"`
	VolumeFlag  string `yaml:"volume_flag"`
	SSML        bool   `yaml:"ssml"`
	MaxStderrKB int    `yaml:"max_stderr_kb"`
}

type RangeConfig struct {
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
	Neutral int `yaml:"neutral"`
}

// ProsodyConfig maps request prosody onto the engine's native ranges.
type ProsodyConfig struct {
	Rate   RangeConfig `yaml:"rate"`
	Pitch  RangeConfig `yaml:"pitch"`
	Volume RangeConfig `yaml:"volume"`
}

type MockConfig struct {
	SampleRate  int `yaml:"sample_rate"`
	WordDelayMS int `yaml:"word_delay_ms"`
}

type ProviderConfig struct {
	Backend           string        `yaml:"backend"` // mock, exec
	Exec              ExecConfig    `yaml:"exec"`
	Mock              MockConfig    `yaml:"mock"`
	Prosody           ProsodyConfig `yaml:"prosody"`
	TimeoutMS         int           `yaml:"timeout_ms"`
	KilledExitCode    int           `yaml:"killed_exit_code"`
	DefaultVoice      string        `yaml:"default_voice"`
	DefaultCulture    string        `yaml:"default_culture"`
	Caching           bool          `yaml:"caching"`
	CachePolicy       string        `yaml:"cache_policy"` // snapshot, live
	LoadVoicesOnStart bool          `yaml:"load_voices_on_start"`
}

type AudioConfig struct {
	BasePath            string `yaml:"base_path"`
	Prefix              string `yaml:"prefix"`
	Extension           string `yaml:"extension"`
	MinSizeBytes        int64  `yaml:"min_size_bytes"`
	DeleteTempAfterCopy bool   `yaml:"delete_temp_after_copy"`
}

type PlaybackConfig struct {
	PollIntervalMS  int    `yaml:"poll_interval_ms"`
	Sink            string `yaml:"sink"` // null, exec, bus
	PlayerCommand   string `yaml:"player_command"`
	BusTarget       string `yaml:"bus_target"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type ServiceConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9092",
			TraceExporter:    "auto",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "tts.speak", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxRequests:   10000,
		},
		Provider: ProviderConfig{
			Backend: "mock",
			Exec: ExecConfig{
				VoicesFlag:  "--voices",
				SpeakFlag:   "--speak",
				FileFlag:    "--file",
				VoiceFlag:   "--voice",
				RateFlag:    "--rate",
				PitchFlag:   "--pitch",
				VolumeFlag:  "--volume",
				MaxStderrKB: 64,
			},
			Mock: MockConfig{
				SampleRate:  22050,
				WordDelayMS: 120,
			},
			Prosody: ProsodyConfig{
				Rate:   RangeConfig{Min: -10, Max: 10, Neutral: 0},
				Pitch:  RangeConfig{Min: -10, Max: 10, Neutral: 0},
				Volume: RangeConfig{Min: 0, Max: 100, Neutral: 100},
			},
			TimeoutMS:         60000,
			KilledExitCode:    137,
			DefaultCulture:    "en-US",
			Caching:           false,
			CachePolicy:       "snapshot",
			LoadVoicesOnStart: true,
		},
		Audio: AudioConfig{
			BasePath:            "./data/audio",
			Prefix:              "tts-",
			Extension:           ".wav",
			MinSizeBytes:        1024,
			DeleteTempAfterCopy: true,
		},
		Playback: PlaybackConfig{
			PollIntervalMS:  50,
			Sink:            "null",
			PlayerCommand:   "aplay -q -",
			BusTarget:       "default",
			ChunkDurationMS: 200,
		},
		Service: ServiceConfig{
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

	// Variables already set in the environment win over .env entries.
	_ = godotenv.Load()
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
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "LOQA_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Provider.Backend, "LOQA_PROVIDER_BACKEND")
	overrideString(&cfg.Provider.Exec.Command, "LOQA_PROVIDER_EXEC_COMMAND")
	overrideBool(&cfg.Provider.Exec.SSML, "LOQA_PROVIDER_EXEC_SSML")
	overrideInt(&cfg.Provider.Mock.SampleRate, "LOQA_PROVIDER_MOCK_SAMPLE_RATE")
	overrideInt(&cfg.Provider.Mock.WordDelayMS, "LOQA_PROVIDER_MOCK_WORD_DELAY_MS")
	overrideInt(&cfg.Provider.TimeoutMS, "LOQA_PROVIDER_TIMEOUT_MS")
	overrideInt(&cfg.Provider.KilledExitCode, "LOQA_PROVIDER_KILLED_EXIT_CODE")
	overrideString(&cfg.Provider.DefaultVoice, "LOQA_PROVIDER_DEFAULT_VOICE")
	overrideString(&cfg.Provider.DefaultCulture, "LOQA_PROVIDER_DEFAULT_CULTURE")
	overrideBool(&cfg.Provider.Caching, "LOQA_PROVIDER_CACHING")
	overrideString(&cfg.Provider.CachePolicy, "LOQA_PROVIDER_CACHE_POLICY")
	overrideBool(&cfg.Provider.LoadVoicesOnStart, "LOQA_PROVIDER_LOAD_VOICES_ON_START")
	overrideInt(&cfg.Provider.Prosody.Rate.Min, "LOQA_PROVIDER_PROSODY_RATE_MIN")
	overrideInt(&cfg.Provider.Prosody.Rate.Max, "LOQA_PROVIDER_PROSODY_RATE_MAX")
	overrideInt(&cfg.Provider.Prosody.Rate.Neutral, "LOQA_PROVIDER_PROSODY_RATE_NEUTRAL")
	overrideString(&cfg.Audio.BasePath, "LOQA_AUDIO_BASE_PATH")
	overrideString(&cfg.Audio.Prefix, "LOQA_AUDIO_PREFIX")
	overrideString(&cfg.Audio.Extension, "LOQA_AUDIO_EXTENSION")
	overrideInt64(&cfg.Audio.MinSizeBytes, "LOQA_AUDIO_MIN_SIZE_BYTES")
	overrideBool(&cfg.Audio.DeleteTempAfterCopy, "LOQA_AUDIO_DELETE_TEMP_AFTER_COPY")
	overrideInt(&cfg.Playback.PollIntervalMS, "LOQA_PLAYBACK_POLL_INTERVAL_MS")
	overrideString(&cfg.Playback.Sink, "LOQA_PLAYBACK_SINK")
	overrideString(&cfg.Playback.PlayerCommand, "LOQA_PLAYBACK_PLAYER_COMMAND")
	overrideString(&cfg.Playback.BusTarget, "LOQA_PLAYBACK_BUS_TARGET")
	overrideInt(&cfg.Playback.ChunkDurationMS, "LOQA_PLAYBACK_CHUNK_DURATION_MS")
	overrideBool(&cfg.Service.Enabled, "LOQA_SERVICE_ENABLED")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "auto", "otlp", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.trace_exporter must be auto, otlp, stdout or none (got %q)", cfg.Telemetry.TraceExporter)
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint is required when trace_exporter is otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	switch cfg.Provider.Backend {
	case "mock", "exec":
	default:
		return errors.New("provider.backend must be one of mock|exec")
	}
	if cfg.Provider.Backend == "exec" && strings.TrimSpace(cfg.Provider.Exec.Command) == "" {
		return errors.New("provider.exec.command must be set when backend=exec")
	}
	if cfg.Provider.TimeoutMS < 0 {
		return errors.New("provider.timeout_ms must be >= 0")
	}
	switch cfg.Provider.CachePolicy {
	case "snapshot", "live":
	default:
		return errors.New("provider.cache_policy must be one of snapshot|live")
	}
	for name, r := range map[string]RangeConfig{
		"rate":   cfg.Provider.Prosody.Rate,
		"pitch":  cfg.Provider.Prosody.Pitch,
		"volume": cfg.Provider.Prosody.Volume,
	} {
		if r.Min >= r.Max || r.Neutral < r.Min || r.Neutral > r.Max {
			return fmt.Errorf("provider.prosody.%s must satisfy min <= neutral <= max and min < max", name)
		}
	}
	if cfg.Audio.BasePath == "" {
		return errors.New("audio.base_path must not be empty")
	}
	if cfg.Audio.MinSizeBytes < 0 {
		return errors.New("audio.min_size_bytes must be >= 0")
	}
	if cfg.Playback.PollIntervalMS <= 0 {
		return errors.New("playback.poll_interval_ms must be positive")
	}
	switch cfg.Playback.Sink {
	case "null":
	case "exec":
		if strings.TrimSpace(cfg.Playback.PlayerCommand) == "" {
			return errors.New("playback.player_command must be set when sink=exec")
		}
	case "bus":
		if cfg.Playback.BusTarget == "" {
			return errors.New("playback.bus_target must be set when sink=bus")
		}
	default:
		return errors.New("playback.sink must be one of null|exec|bus")
	}
	return nil
}
