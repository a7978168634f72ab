// Package config handles configuration loading for guardpost.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"guardpost/internal/alerting"
	"guardpost/internal/ingest"
	"guardpost/internal/middleware"
	"guardpost/internal/monitor"
	"guardpost/internal/rules"
	"guardpost/internal/storage"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Ingest     IngestConfig               `yaml:"ingest"`
	Queue      QueueConfig                `yaml:"queue"`
	Monitor    monitor.Config             `yaml:"monitor"`
	Thresholds rules.Thresholds           `yaml:"alert_thresholds"`
	Patterns   []rules.Pattern            `yaml:"threat_patterns"`
	Alerting   AlertingConfig             `yaml:"alerting"`
	Kafka      ingest.KafkaConfig         `yaml:"kafka"`
	Archive    ArchiveConfig              `yaml:"archive"`
	RateLimit  middleware.RateLimitConfig `yaml:"rate_limit"`
	Logging    LoggingConfig              `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size"`
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// QueueConfig holds queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// AlertingConfig holds alert lifecycle and delivery settings.
type AlertingConfig struct {
	MaxHistory int                     `yaml:"max_history"`
	Dispatch   alerting.DispatchConfig `yaml:"dispatch"`
	Channels   []ChannelConfig         `yaml:"channels"`
	Redis      RedisConfig             `yaml:"redis"`
}

// ChannelConfig describes one delivery channel. Type is "webhook" or
// "log"; URL and Headers apply to webhooks only.
type ChannelConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// RedisConfig holds live-update publishing settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// ArchiveConfig holds resolved-alert archival settings.
type ArchiveConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
	Batch      storage.ArchiveConfig    `yaml:"batch"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Monitor:    monitor.DefaultConfig(),
		Thresholds: rules.DefaultThresholds(),
		Alerting: AlertingConfig{
			MaxHistory: 1000,
			Dispatch:   alerting.DefaultDispatchConfig(),
			Channels: []ChannelConfig{
				{Name: "dashboard", Type: "log"},
				{Name: "log", Type: "log"},
			},
			Redis: RedisConfig{
				Enabled: false,
				Addr:    "localhost:6379",
				Channel: "guardpost.alerts",
			},
		},
		Kafka: ingest.KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			Topic:         "metric-samples",
			ConsumerGroup: "guardpost",
		},
		Archive: ArchiveConfig{
			Enabled:    false, // ClickHouse not assumed in development
			ClickHouse: storage.DefaultClickHouseConfig(),
			Batch:      storage.DefaultArchiveConfig(),
		},
		RateLimit: middleware.DefaultRateLimitConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("GUARDPOST_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("GUARDPOST_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("GUARDPOST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if addr := os.Getenv("GUARDPOST_REDIS_ADDR"); addr != "" {
		c.Alerting.Redis.Addr = addr
		c.Alerting.Redis.Enabled = true
	}

	if pass := os.Getenv("GUARDPOST_REDIS_PASSWORD"); pass != "" {
		c.Alerting.Redis.Password = pass
	}

	if brokers := os.Getenv("GUARDPOST_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}

	if enabled := os.Getenv("GUARDPOST_ARCHIVE_ENABLED"); enabled == "true" {
		c.Archive.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Archive.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Archive.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Archive.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Archive.ClickHouse.Password = pass
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}

	if c.Monitor.Workers <= 0 {
		return fmt.Errorf("monitor workers must be positive")
	}

	for _, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "log":
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("channel %q: webhook requires a url", ch.Name)
			}
		default:
			return fmt.Errorf("channel %q: unknown type %q", ch.Name, ch.Type)
		}
	}

	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}

	return nil
}

// BuildRegistry compiles the configured threat patterns. An empty
// pattern list falls back to the builtin set scaled by the configured
// thresholds.
func (c *Config) BuildRegistry() (*rules.Registry, error) {
	patterns := c.Patterns
	if len(patterns) == 0 {
		patterns = rules.BuiltinPatterns(c.Thresholds)
	}
	return rules.NewRegistry(patterns)
}
