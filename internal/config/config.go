package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models practiceflow.yml.
type Config struct {
	Engine     EngineConfig    `yaml:"engine"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Email      EmailConfig     `yaml:"email"`
	Agents     AgentsConfig    `yaml:"agents"`
	Forwarding []ForwardTarget `yaml:"forwarding"`
	Server     ServerConfig    `yaml:"server"`
}

type EngineConfig struct {
	// MaxChainDepth bounds trigger cascades. A follow-up deeper than this is
	// recorded as failed instead of dispatched.
	MaxChainDepth int           `yaml:"max_chain_depth"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	Timezone      string        `yaml:"timezone"`
	Retry         RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Daily         string        `yaml:"daily"`
	Hourly        string        `yaml:"hourly"`
	Frequent      string        `yaml:"frequent"`
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	QueueSize     int           `yaml:"queue_size"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Lock          LockConfig    `yaml:"lock"`
	ScanTimeout   time.Duration `yaml:"scan_timeout"`
}

type LockConfig struct {
	// Backend is local or redis.
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

type EmailConfig struct {
	// RelayURL is the HTTP relay accepting outbound mail. Empty means no
	// sender is configured and every email falls back to a notification.
	RelayURL string        `yaml:"relay_url"`
	From     string        `yaml:"from"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	Breaker  BreakerConfig `yaml:"breaker"`

	// FallbackUserID is notified when an email fails and no assignee is known.
	FallbackUserID string `yaml:"fallback_user_id"`
}

type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type AgentsConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// ForwardTarget receives trigger events as they are appended.
type ForwardTarget struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Types   []string      `yaml:"types"`
	Enabled *bool         `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

func (f ForwardTarget) Active() bool {
	return (f.Enabled == nil || *f.Enabled) && strings.TrimSpace(f.URL) != ""
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.MaxChainDepth < 1 {
		return fmt.Errorf("config.engine.max_chain_depth must be at least 1")
	}
	if c.Engine.ActionTimeout <= 0 {
		return fmt.Errorf("config.engine.action_timeout must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.engine.timezone: %w", err)
	}
	if c.Engine.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.engine.retry.max_attempts must be at least 1")
	}
	for name, spec := range map[string]string{"daily": c.Scheduler.Daily, "hourly": c.Scheduler.Hourly, "frequent": c.Scheduler.Frequent} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("config.scheduler.%s: %w", name, err)
		}
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("config.scheduler.workers must be at least 1")
	}
	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("config.scheduler.batch_size must be at least 1")
	}
	if c.Scheduler.RatePerSecond < 0 {
		return fmt.Errorf("config.scheduler.rate_per_second must not be negative")
	}
	switch c.Scheduler.Lock.Backend {
	case "local":
	case "redis":
		if c.Scheduler.Lock.RedisAddr == "" {
			return fmt.Errorf("config.scheduler.lock.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.scheduler.lock.backend must be local or redis")
	}
	if c.Scheduler.Lock.TTL <= 0 {
		return fmt.Errorf("config.scheduler.lock.ttl must be positive")
	}
	if strings.TrimSpace(c.Email.FallbackUserID) == "" {
		return fmt.Errorf("config.email.fallback_user_id is required")
	}
	for i, f := range c.Forwarding {
		if strings.TrimSpace(f.URL) == "" {
			return fmt.Errorf("config.forwarding[%d].url is required", i)
		}
	}
	return nil
}

// Location returns the timezone used for calendar math.
func (c *Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Engine.Timezone)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "practiceflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with practiceflow config default", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config from raw YAML bytes over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  max_chain_depth: 10
  action_timeout: 5s
  timezone: UTC
  retry:
    max_attempts: 3
    initial_interval: 200ms
    max_interval: 2s

scheduler:
  enabled: true
  daily: "@daily"
  hourly: "@hourly"
  frequent: "@every 1m"
  workers: 4
  batch_size: 500
  queue_size: 256
  rate_per_second: 50
  scan_timeout: 5m
  lock:
    backend: local
    ttl: 10m
    key_prefix: "practiceflow:scan:"

email:
  relay_url: ""
  from: no-reply@practiceflow.local
  fallback_user_id: org-admin
  timeout: 5s
  breaker:
    max_failures: 5
    open_timeout: 30s

agents:
  base_url: ""
  timeout: 30s

forwarding: []

server:
  addr: 127.0.0.1:8080
`
