package config

import (
	"os"
	"path/filepath"
	"strings"
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
	if cfg.Provider.Backend != "mock" {
		t.Fatalf("expected mock backend by default, got %q", cfg.Provider.Backend)
	}
	if cfg.Provider.KilledExitCode != 137 {
		t.Fatalf("expected killed exit code 137, got %d", cfg.Provider.KilledExitCode)
	}
	if cfg.Provider.CachePolicy != "snapshot" {
		t.Fatalf("expected snapshot cache policy, got %q", cfg.Provider.CachePolicy)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.yaml")
	data := `
provider:
  backend: exec
  exec:
    command: "espeak-bridge --json"
    ssml: true
  caching: true
  cache_policy: live
audio:
  base_path: /tmp/voice
  min_size_bytes: 2048
playback:
  sink: bus
  bus_target: kitchen
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.Exec.Command != "espeak-bridge --json" || !cfg.Provider.Exec.SSML {
		t.Fatalf("unexpected exec config: %+v", cfg.Provider.Exec)
	}
	if cfg.Provider.Exec.VoicesFlag != "--voices" {
		t.Fatalf("expected default voices flag to survive partial override, got %q", cfg.Provider.Exec.VoicesFlag)
	}
	if !cfg.Provider.Caching || cfg.Provider.CachePolicy != "live" {
		t.Fatalf("unexpected caching config: %+v", cfg.Provider)
	}
	if cfg.Audio.MinSizeBytes != 2048 || cfg.Audio.Prefix != "tts-" {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Playback.Sink != "bus" || cfg.Playback.BusTarget != "kitchen" {
		t.Fatalf("unexpected playback config: %+v", cfg.Playback)
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
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_REQUESTS", "123")
	t.Setenv("LOQA_PROVIDER_BACKEND", "exec")
	t.Setenv("LOQA_PROVIDER_EXEC_COMMAND", "say-bridge")
	t.Setenv("LOQA_PROVIDER_TIMEOUT_MS", "1500")
	t.Setenv("LOQA_PROVIDER_KILLED_EXIT_CODE", "143")
	t.Setenv("LOQA_PROVIDER_CACHING", "true")
	t.Setenv("LOQA_PROVIDER_PROSODY_RATE_MAX", "20")
	t.Setenv("LOQA_AUDIO_MIN_SIZE_BYTES", "4096")
	t.Setenv("LOQA_PLAYBACK_SINK", "exec")
	t.Setenv("LOQA_PLAYBACK_POLL_INTERVAL_MS", "25")

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
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxRequests != 123 {
		t.Fatalf("unexpected event store config: %+v", cfg.EventStore)
	}
	if cfg.Provider.Backend != "exec" || cfg.Provider.Exec.Command != "say-bridge" {
		t.Fatalf("unexpected provider backend override: %+v", cfg.Provider)
	}
	if cfg.Provider.TimeoutMS != 1500 || cfg.Provider.KilledExitCode != 143 || !cfg.Provider.Caching {
		t.Fatalf("unexpected provider overrides: %+v", cfg.Provider)
	}
	if cfg.Provider.Prosody.Rate.Max != 20 {
		t.Fatalf("expected rate max override, got %v", cfg.Provider.Prosody.Rate.Max)
	}
	if cfg.Audio.MinSizeBytes != 4096 {
		t.Fatalf("expected min size override, got %d", cfg.Audio.MinSizeBytes)
	}
	if cfg.Playback.Sink != "exec" || cfg.Playback.PollIntervalMS != 25 {
		t.Fatalf("unexpected playback overrides: %+v", cfg.Playback)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"provider.backend":          func(c *Config) { c.Provider.Backend = "sapi" },
		"provider.exec.command":     func(c *Config) { c.Provider.Backend = "exec" },
		"provider.cache_policy":     func(c *Config) { c.Provider.CachePolicy = "sometimes" },
		"provider.prosody.volume":   func(c *Config) { c.Provider.Prosody.Volume = RangeConfig{Min: 0, Max: 100, Neutral: 150} },
		"playback.sink":             func(c *Config) { c.Playback.Sink = "speaker" },
		"playback.poll_interval":    func(c *Config) { c.Playback.PollIntervalMS = 0 },
		"audio.base_path":           func(c *Config) { c.Audio.BasePath = "" },
		"event_store.retention":     func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"node.heartbeat_timeout_ms": func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval },
		"telemetry.trace_exporter":  func(c *Config) { c.Telemetry.TraceExporter = "jaeger" },
		"telemetry.otlp_endpoint":   func(c *Config) { c.Telemetry.TraceExporter = "otlp" },
		"telemetry.sample_ratio":    func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := validate(cfg)
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !strings.Contains(err.Error(), strings.SplitN(name, ".", 2)[0]) {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
}
