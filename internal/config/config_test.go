package config

import (
	"math"
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
	if cfg.Provider.Params.TextSplitMethod != "cut5" {
		t.Fatalf("expected cut5 split method, got %q", cfg.Provider.Params.TextSplitMethod)
	}
	if cfg.Dispatcher.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Dispatcher.MaxAttempts)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice.yaml")
	data := `
cache:
  dir: /tmp/voices
provider:
  mode: gptsovits
  method: get
  base_url: http://tts.local/tts
  params:
    text_lang: en
    text_split_method: english_period
    media_type: wav
dispatcher:
  max_concurrent: 4
prefetch:
  text_list_path: script.txt
  count: 3
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.Dir != "/tmp/voices" {
		t.Fatalf("unexpected cache dir %q", cfg.Cache.Dir)
	}
	if cfg.Provider.Method != "GET" {
		t.Fatalf("expected method upper-cased, got %q", cfg.Provider.Method)
	}
	if cfg.Provider.Params.TextSplitMethod != "cut4" {
		t.Fatalf("expected alias normalized to cut4, got %q", cfg.Provider.Params.TextSplitMethod)
	}
	if cfg.Provider.Params.TopK != 5 {
		t.Fatalf("expected untouched defaults to survive, got top_k=%d", cfg.Provider.Params.TopK)
	}
	if cfg.Dispatcher.Concurrency != 4 || cfg.Prefetch.Count != 3 {
		t.Fatalf("unexpected dispatcher/prefetch values: %+v %+v", cfg.Dispatcher, cfg.Prefetch)
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
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "3")
	t.Setenv("LOQA_CACHE_DIR", "/var/cache/voice")
	t.Setenv("LOQA_PROVIDER_MODE", "mock")
	t.Setenv("LOQA_DISPATCHER_MAX_CONCURRENT", "6")
	t.Setenv("LOQA_DISPATCHER_MAX_ATTEMPTS", "5")
	t.Setenv("LOQA_PREFETCH_RATE_PER_SECOND", "2.5")
	t.Setenv("LOQA_LOG_FILE", "/var/log/voice.log")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 || cfg.Bus.Servers[1] != "nats://two:4222" {
		t.Fatalf("expected 2 trimmed servers, got %v", cfg.Bus.Servers)
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
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 3 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Cache.Dir != "/var/cache/voice" {
		t.Fatalf("expected cache dir override, got %q", cfg.Cache.Dir)
	}
	if cfg.Provider.Mode != "mock" {
		t.Fatalf("expected provider mode override")
	}
	if cfg.Dispatcher.Concurrency != 6 || cfg.Dispatcher.MaxAttempts != 5 {
		t.Fatalf("expected dispatcher overrides, got %+v", cfg.Dispatcher)
	}
	if cfg.Prefetch.RatePerSecond != 2.5 {
		t.Fatalf("expected prefetch rate override, got %v", cfg.Prefetch.RatePerSecond)
	}
	if cfg.Log.File != "/var/log/voice.log" {
		t.Fatalf("expected log file override, got %q", cfg.Log.File)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"concurrency":  func(c *Config) { c.Dispatcher.Concurrency = 0 },
		"attempts":     func(c *Config) { c.Dispatcher.MaxAttempts = 0 },
		"retry window": func(c *Config) { c.Dispatcher.RetryMaxMS = 1; c.Dispatcher.RetryBaseMS = 10 },
		"mode":         func(c *Config) { c.Provider.Mode = "cloud" },
		"exec command": func(c *Config) { c.Provider.Mode = "exec"; c.Provider.Command = "" },
		"method":       func(c *Config) { c.Provider.Method = "PUT" },
		"cache dir":    func(c *Config) { c.Cache.Dir = "" },
		"traces":       func(c *Config) { c.Telemetry.Traces = "jaeger" },
		"heartbeat":    func(c *Config) { c.Presence.HeartbeatTimeout = c.Presence.HeartbeatInterval },
		"nan param":    func(c *Config) { c.Provider.Params.TopP = math.NaN() },
		"inf param":    func(c *Config) { c.Provider.Params.Temperature = math.Inf(-1) },
		"http port":    func(c *Config) { c.HTTP.Port = 70000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadRejectsUnknownSplitMethod(t *testing.T) {
	t.Setenv("LOQA_PROVIDER_MODE", "mock")
	path := filepath.Join(t.TempDir(), "voice.yaml")
	if err := os.WriteFile(path, []byte("provider:\n  params:\n    text_split_method: cut9\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "text_split_method") {
		t.Fatalf("expected split method error, got %v", err)
	}
}

func TestLoadRejectsNonFiniteParams(t *testing.T) {
	t.Setenv("LOQA_PROVIDER_MODE", "mock")
	path := filepath.Join(t.TempDir(), "voice.yaml")
	if err := os.WriteFile(path, []byte("provider:\n  params:\n    speed_factor: .nan\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "speed_factor") {
		t.Fatalf("expected speed_factor error, got %v", err)
	}
}
