package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	InvalidTimestampNow    = "now"
	InvalidTimestampReject = "reject"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"auto"`

	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	DBMinConns    int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns    int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	MergeExactOnly      bool          `envconfig:"MERGE_EXACT_ONLY" default:"false"`
	MergeTimeWindowMS   int           `envconfig:"MERGE_TIME_WINDOW_MS" default:"60000"`
	MergeNearBatchLimit int           `envconfig:"MERGE_NEAR_BATCH_LIMIT" default:"200"`
	MergeNearLookback   time.Duration `envconfig:"MERGE_NEAR_LOOKBACK" default:"0s"`

	ReactiveCooldownMS       int  `envconfig:"REACTIVE_COOLDOWN_MS" default:"2000"`
	ReactiveWindowMS         int  `envconfig:"REACTIVE_WINDOW_MS" default:"30000"`
	MergeDebounceMS          int  `envconfig:"MERGE_DEBOUNCE_MS" default:"1000"`
	SchedulerIntervalMinutes int  `envconfig:"SCHEDULER_INTERVAL_MINUTES" default:"5"`
	GateSecondWindow         bool `envconfig:"GATE_SECOND_WINDOW" default:"true"`

	OnInvalidTimestamp string `envconfig:"ON_INVALID_TIMESTAMP" default:"now"`
	RetentionDays      int    `envconfig:"RETENTION_DAYS" default:"30"`

	MQTTBrokerURL   string `envconfig:"MQTT_BROKER_URL" default:""`
	MQTTTopicPrefix string `envconfig:"MQTT_TOPIC_PREFIX" default:"greenhouse/sensors"`
	MQTTClientID    string `envconfig:"MQTT_CLIENT_ID" default:"greenhouse-ingest"`
	MQTTUsername    string `envconfig:"MQTT_USERNAME" default:""`
	MQTTPassword    string `envconfig:"MQTT_PASSWORD" default:""`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=postgres")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q", StorageDriverPostgres, StorageDriverMemory)
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "":
		c.LogFormat = "auto"
	case "auto", "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be auto, json or console")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.MergeTimeWindowMS < 1 {
		return fmt.Errorf("MERGE_TIME_WINDOW_MS must be >= 1")
	}
	if c.MergeNearBatchLimit < 1 {
		return fmt.Errorf("MERGE_NEAR_BATCH_LIMIT must be >= 1")
	}
	if c.MergeNearLookback < 0 {
		return fmt.Errorf("MERGE_NEAR_LOOKBACK must be >= 0")
	}
	if c.ReactiveCooldownMS < 0 {
		return fmt.Errorf("REACTIVE_COOLDOWN_MS must be >= 0")
	}
	if c.ReactiveWindowMS < 1 {
		return fmt.Errorf("REACTIVE_WINDOW_MS must be >= 1")
	}
	if c.MergeDebounceMS < 0 {
		return fmt.Errorf("MERGE_DEBOUNCE_MS must be >= 0")
	}
	if c.SchedulerIntervalMinutes < 1 {
		return fmt.Errorf("SCHEDULER_INTERVAL_MINUTES must be >= 1")
	}
	c.OnInvalidTimestamp = strings.ToLower(strings.TrimSpace(c.OnInvalidTimestamp))
	if c.OnInvalidTimestamp != InvalidTimestampNow && c.OnInvalidTimestamp != InvalidTimestampReject {
		return fmt.Errorf("ON_INVALID_TIMESTAMP must be %q or %q", InvalidTimestampNow, InvalidTimestampReject)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be >= 1")
	}
	if strings.TrimSpace(c.MQTTBrokerURL) != "" && strings.Trim(strings.TrimSpace(c.MQTTTopicPrefix), "/") == "" {
		return fmt.Errorf("MQTT_TOPIC_PREFIX is required when MQTT_BROKER_URL is set")
	}
	return nil
}

func (c *Config) MergeWindow() time.Duration {
	return time.Duration(c.MergeTimeWindowMS) * time.Millisecond
}

func (c *Config) ReactiveCooldown() time.Duration {
	return time.Duration(c.ReactiveCooldownMS) * time.Millisecond
}

func (c *Config) ReactiveWindow() time.Duration {
	return time.Duration(c.ReactiveWindowMS) * time.Millisecond
}

func (c *Config) MergeDebounce() time.Duration {
	return time.Duration(c.MergeDebounceMS) * time.Millisecond
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalMinutes) * time.Minute
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
