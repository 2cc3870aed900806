package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LOQA_"

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" env:"LOG_LEVEL"`
	Traces         string `yaml:"traces" env:"TRACES"` // none, stdout; otlp when otlp_endpoint is set
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" env:"OTLP_INSECURE"`
	PrometheusBind string `yaml:"prometheus_bind" env:"PROMETHEUS_BIND"`
}

type LogConfig struct {
	File string `yaml:"file" env:"FILE"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Bind    string `yaml:"bind" env:"BIND"`
	Port    int    `yaml:"port" env:"PORT"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" env:"RUNTIME_NAME"`
	Environment string           `yaml:"environment" env:"RUNTIME_ENVIRONMENT"`
	HTTP        HTTPConfig       `yaml:"http" envPrefix:"HTTP_"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Log         LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Bus         BusConfig        `yaml:"bus" envPrefix:"BUS_"`
	EventStore  EventStoreConfig `yaml:"event_store" envPrefix:"EVENT_STORE_"`
	Cache       CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Provider    ProviderConfig   `yaml:"provider" envPrefix:"PROVIDER_"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher" envPrefix:"DISPATCHER_"`
	Prefetch    PrefetchConfig   `yaml:"prefetch" envPrefix:"PREFETCH_"`
	Presence    PresenceConfig   `yaml:"presence" envPrefix:"PRESENCE_"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded" env:"EMBEDDED"`
	Host           string   `yaml:"host" env:"HOST"`
	Port           int      `yaml:"port" env:"PORT"`
	StoreDir       string   `yaml:"store_dir" env:"STORE_DIR"`
	Servers        []string `yaml:"servers" env:"SERVERS"`
	Username       string   `yaml:"username" env:"USERNAME"`
	Password       string   `yaml:"password" env:"PASSWORD"`
	Token          string   `yaml:"token" env:"TOKEN"`
	TLSInsecure    bool     `yaml:"tls_insecure" env:"TLS_INSECURE"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" env:"CONNECT_TIMEOUT_MS"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" env:"PATH"`
	RetentionMode string `yaml:"retention_mode" env:"RETENTION_MODE"`
	RetentionDays int    `yaml:"retention_days" env:"RETENTION_DAYS"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" env:"VACUUM_ON_START"`
}

type CacheConfig struct {
	Dir string `yaml:"dir" env:"DIR"`
}

type ProviderConfig struct {
	Mode          string `yaml:"mode" env:"MODE"` // gptsovits, exec, mock
	BaseURL       string `yaml:"base_url" env:"BASE_URL"`
	Method        string `yaml:"method" env:"METHOD"`
	Command       string `yaml:"command" env:"COMMAND"`
	TimeoutMS     int    `yaml:"timeout_ms" env:"TIMEOUT_MS"`
	StreamingMode bool   `yaml:"streaming_mode" env:"STREAMING_MODE"`
	MockDelayMS   int    `yaml:"mock_delay_ms" env:"MOCK_DELAY_MS"`

	Params fingerprint.Params `yaml:"params"`
}

type DispatcherConfig struct {
	Concurrency        int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	MaxAttempts        int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryBaseMS        int `yaml:"retry_base_ms" env:"RETRY_BASE_MS"`
	RetryMaxMS         int `yaml:"retry_max_ms" env:"RETRY_MAX_MS"`
	RetentionMS        int `yaml:"retention_ms" env:"RETENTION_MS"`
	FailureRetentionMS int `yaml:"failure_retention_ms" env:"FAILURE_RETENTION_MS"`
	RetentionCapacity  int `yaml:"retention_capacity" env:"RETENTION_CAPACITY"`
}

type PrefetchConfig struct {
	Enabled        bool    `yaml:"enabled" env:"ENABLED"`
	TextListPath   string  `yaml:"text_list_path" env:"TEXT_LIST_PATH"`
	Count          int     `yaml:"count" env:"COUNT"`
	RatePerSecond  float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	QueueMultiple  int     `yaml:"queue_multiple" env:"QUEUE_MULTIPLE"`
	IdleIntervalMS int     `yaml:"idle_interval_ms" env:"IDLE_INTERVAL_MS"`
}

type PresenceConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval_ms" env:"HEARTBEAT_INTERVAL_MS"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_ms" env:"HEARTBEAT_TIMEOUT_MS"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			Traces:         "none",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-voice-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
		},
		Cache: CacheConfig{
			Dir: "./cache",
		},
		Provider: ProviderConfig{
			Mode:        "gptsovits",
			BaseURL:     "http://127.0.0.1:9880/tts",
			Method:      "POST",
			TimeoutMS:   60000,
			MockDelayMS: 50,
			Params: fingerprint.Params{
				TextLang:          "zh",
				PromptLang:        "zh",
				TopK:              5,
				TopP:              1,
				Temperature:       1,
				TextSplitMethod:   "cut5",
				BatchSize:         1,
				BatchThreshold:    0.75,
				SplitBucket:       true,
				SpeedFactor:       1,
				FragmentInterval:  0.3,
				Seed:              -1,
				RepetitionPenalty: 1.35,
				MediaType:         "wav",
			},
		},
		Dispatcher: DispatcherConfig{
			Concurrency:        2,
			MaxAttempts:        3,
			RetryBaseMS:        500,
			RetryMaxMS:         10000,
			RetentionMS:        60000,
			FailureRetentionMS: 30000,
			RetentionCapacity:  4096,
		},
		Prefetch: PrefetchConfig{
			Enabled:        true,
			Count:          10,
			RatePerSecond:  5,
			QueueMultiple:  2,
			IdleIntervalMS: 200,
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
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

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := normalize(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	var servers []string
	for _, s := range cfg.Bus.Servers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	cfg.Bus.Servers = servers
	return nil
}

// normalize expands home-relative paths and canonicalizes the split method so
// that the fingerprint does not depend on which alias was configured.
func normalize(cfg *Config) error {
	for _, p := range []*string{
		&cfg.Cache.Dir,
		&cfg.Log.File,
		&cfg.EventStore.Path,
		&cfg.Bus.StoreDir,
		&cfg.Prefetch.TextListPath,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	method, err := fingerprint.ParseSplitMethod(cfg.Provider.Params.TextSplitMethod)
	if err != nil {
		return fmt.Errorf("provider.params.text_split_method: %w", err)
	}
	cfg.Provider.Params.TextSplitMethod = string(method)
	cfg.Provider.Method = strings.ToUpper(cfg.Provider.Method)
	return nil
}

// Validate re-checks cfg after callers apply their own overrides.
func (c Config) Validate() error { return validate(c) }

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Telemetry.Traces {
	case "", "none", "stdout":
	default:
		return errors.New("telemetry.traces must be one of none|stdout")
	}
	if cfg.Cache.Dir == "" {
		return errors.New("cache.dir must not be empty")
	}
	switch cfg.Provider.Mode {
	case "gptsovits":
		if cfg.Provider.BaseURL == "" {
			return errors.New("provider.base_url must be set when mode=gptsovits")
		}
		if cfg.Provider.Method != "GET" && cfg.Provider.Method != "POST" {
			return errors.New("provider.method must be GET or POST")
		}
	case "exec":
		if cfg.Provider.Command == "" {
			return errors.New("provider.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("provider.mode must be one of gptsovits|exec|mock")
	}
	if cfg.Provider.TimeoutMS <= 0 {
		return errors.New("provider.timeout_ms must be positive")
	}
	if cfg.Provider.Params.MediaType == "" {
		return errors.New("provider.params.media_type must not be empty")
	}
	if err := validateFinite(cfg.Provider.Params); err != nil {
		return err
	}
	if cfg.Dispatcher.Concurrency <= 0 {
		return errors.New("dispatcher.max_concurrent must be >= 1")
	}
	if cfg.Dispatcher.MaxAttempts <= 0 {
		return errors.New("dispatcher.max_attempts must be >= 1")
	}
	if cfg.Dispatcher.RetryBaseMS <= 0 || cfg.Dispatcher.RetryMaxMS < cfg.Dispatcher.RetryBaseMS {
		return errors.New("dispatcher.retry_base_ms must be positive and not exceed retry_max_ms")
	}
	if cfg.Dispatcher.RetentionMS < 0 || cfg.Dispatcher.FailureRetentionMS < 0 {
		return errors.New("dispatcher retention windows must be >= 0")
	}
	if cfg.Dispatcher.RetentionCapacity <= 0 {
		return errors.New("dispatcher.retention_capacity must be >= 1")
	}
	if cfg.Presence.HeartbeatInterval <= 0 {
		return errors.New("presence.heartbeat_interval_ms must be positive")
	}
	if cfg.Presence.HeartbeatTimeout <= cfg.Presence.HeartbeatInterval {
		return errors.New("presence.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
	}
	if cfg.Prefetch.Enabled {
		if cfg.Prefetch.Count < 0 {
			return errors.New("prefetch.count must be >= 0")
		}
		if cfg.Prefetch.RatePerSecond <= 0 {
			return errors.New("prefetch.rate_per_second must be positive")
		}
		if cfg.Prefetch.QueueMultiple <= 0 {
			return errors.New("prefetch.queue_multiple must be >= 1")
		}
		if cfg.Prefetch.IdleIntervalMS <= 0 {
			return errors.New("prefetch.idle_interval_ms must be positive")
		}
	}
	return nil
}

func validateFinite(p fingerprint.Params) error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"top_p", p.TopP},
		{"temperature", p.Temperature},
		{"batch_threshold", p.BatchThreshold},
		{"speed_factor", p.SpeedFactor},
		{"fragment_interval", p.FragmentInterval},
		{"repetition_penalty", p.RepetitionPenalty},
	} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("provider.params.%s must be a finite number", f.name)
		}
	}
	return nil
}
