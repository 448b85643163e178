package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models civicflow.yml.
type Config struct {
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Server struct {
		Addr               string   `yaml:"addr"`
		BasePath           string   `yaml:"base_path"`
		CORSOrigins        []string `yaml:"cors_origins"`
		RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	} `yaml:"server"`
	Auth struct {
		JWTSecretEnv        string `yaml:"jwt_secret_env"`
		AllowDevActorHeader bool   `yaml:"allow_dev_actor_header"`
	} `yaml:"auth"`
	Notifications NotificationConfig `yaml:"notifications"`
	Assignment    struct {
		DefaultStrategy string `yaml:"default_strategy"`
		DefaultPriority int    `yaml:"default_priority"`
	} `yaml:"assignment"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type NotificationConfig struct {
	RedisAddr     string          `yaml:"redis_addr"`
	RedisPassword string          `yaml:"redis_password"`
	RedisDB       int             `yaml:"redis_db"`
	QueueKey      string          `yaml:"queue_key"`
	DeadKey       string          `yaml:"dead_key"`
	MaxAttempts   int             `yaml:"max_attempts"`
	Webhooks      []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Kinds          []string `yaml:"kinds"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Timeout returns the per-delivery timeout, falling back to def.
func (w WebhookConfig) Timeout(def time.Duration) time.Duration {
	if w.TimeoutSeconds > 0 {
		return time.Duration(w.TimeoutSeconds) * time.Second
	}
	return def
}

// Active reports whether the webhook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

// Load reads config from the workspace, falling back to defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("config.server.rate_limit_per_minute must not be negative")
	}
	switch c.Assignment.DefaultStrategy {
	case "least_busy", "balanced":
	default:
		return fmt.Errorf("config.assignment.default_strategy must be least_busy or balanced")
	}
	if c.Assignment.DefaultPriority < 1 || c.Assignment.DefaultPriority > 10 {
		return fmt.Errorf("config.assignment.default_priority must be between 1 and 10")
	}
	if c.Notifications.MaxAttempts < 1 {
		return fmt.Errorf("config.notifications.max_attempts must be at least 1")
	}
	if c.Notifications.QueueKey == "" || c.Notifications.DeadKey == "" {
		return fmt.Errorf("config.notifications queue_key and dead_key are required")
	}
	if c.Notifications.QueueKey == c.Notifications.DeadKey {
		return fmt.Errorf("config.notifications queue_key and dead_key must differ")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civicflow.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
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

const defaultTemplate = `database:
  driver: sqlite
  dsn: ""

server:
  addr: "127.0.0.1:8080"
  base_path: /v1
  cors_origins: ["*"]
  rate_limit_per_minute: 200

auth:
  jwt_secret_env: CIVICFLOW_JWT_SECRET
  allow_dev_actor_header: false

notifications:
  redis_addr: ""
  redis_db: 0
  queue_key: "notifications:pending"
  dead_key: "notifications:dead"
  max_attempts: 5
  webhooks: []

assignment:
  default_strategy: least_busy
  default_priority: 5

log:
  level: info
  format: json
`
