package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/agentserver/agent"
)

// maxFileSize bounds the config file read.
const maxFileSize = 1 << 20

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the agent server configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Log        LogConfig         `yaml:"log"`
	Storage    StorageConfig     `yaml:"storage"`
	Runs       RunsConfig        `yaml:"runs"`
	Auth       AuthConfig        `yaml:"auth"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
	Tracing    TracingConfig     `yaml:"tracing"`
	Webhooks   WebhooksConfig    `yaml:"webhooks"`
	OpenAI     OpenAIConfig      `yaml:"openai"`
	Assistants []agent.Assistant `yaml:"assistants"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// WaitTimeout bounds the blocking wait endpoints.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// RunsConfig tunes run execution.
type RunsConfig struct {
	// Timeout applies to runs whose config sets none. Zero disables it.
	Timeout           time.Duration `yaml:"timeout"`
	StreamBuffer      int           `yaml:"stream_buffer"`
	ReplayLimit       int           `yaml:"replay_limit"`
	MaxQueuePerThread int           `yaml:"max_queue_per_thread"`
}

// AuthConfig lists the accepted API keys. With none configured every
// request runs as the anonymous owner.
type AuthConfig struct {
	APIKeys []APIKey `yaml:"api_keys"`
}

type APIKey struct {
	Key   string `yaml:"key"`
	Owner string `yaml:"owner"`
	Name  string `yaml:"name"`
}

// RateLimitConfig throttles run creation per owner. A zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type TracingConfig struct {
	Exporter    string            `yaml:"exporter"`
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
}

// WebhooksConfig relaxes the outbound URL checks for run webhooks.
type WebhooksConfig struct {
	AllowedHosts []string      `yaml:"allowed_hosts"`
	AllowPrivate bool          `yaml:"allow_private"`
	Timeout      time.Duration `yaml:"timeout"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Default returns the configuration used without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML file, applies defaults and then environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WaitTimeout == 0 {
		c.Server.WaitTimeout = 10 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Runs.StreamBuffer == 0 {
		c.Runs.StreamBuffer = 64
	}
	if c.Runs.ReplayLimit == 0 {
		c.Runs.ReplayLimit = 1024
	}
	if c.Runs.MaxQueuePerThread == 0 {
		c.Runs.MaxQueuePerThread = 100
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = int(c.RateLimit.RequestsPerSecond) + 1
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Webhooks.Timeout == 0 {
		c.Webhooks.Timeout = 10 * time.Second
	}
}

// applyEnv overlays environment variables on the loaded file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"AGENTSERVER_ADDR":            &c.Server.Addr,
		"LOG_LEVEL":                   &c.Log.Level,
		"LOG_FORMAT":                  &c.Log.Format,
		"STORAGE_BACKEND":             &c.Storage.Backend,
		"REDIS_ADDR":                  &c.Storage.Redis.Addr,
		"REDIS_PASSWORD":              &c.Storage.Redis.Password,
		"OPENAI_API_KEY":              &c.OpenAI.APIKey,
		"OPENAI_BASE_URL":             &c.OpenAI.BaseURL,
		"OTEL_EXPORTER":               &c.Tracing.Exporter,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &c.Tracing.Endpoint,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Storage.Redis.DB = db
	}
	if v, ok := lookup("RUN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RUN_TIMEOUT: %w", err)
		}
		c.Runs.Timeout = d
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}
	if c.Runs.Timeout < 0 {
		return fmt.Errorf("runs.timeout must not be negative")
	}

	seen := make(map[string]bool, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" || k.Owner == "" {
			return fmt.Errorf("auth.api_keys[%d]: key and owner are required", i)
		}
		if seen[k.Key] {
			return fmt.Errorf("auth.api_keys[%d]: duplicate key", i)
		}
		seen[k.Key] = true
	}
	for i, a := range c.Assistants {
		if a.AssistantID == "" || a.GraphID == "" {
			return fmt.Errorf("assistants[%d]: assistant_id and graph_id are required", i)
		}
	}
	return nil
}
