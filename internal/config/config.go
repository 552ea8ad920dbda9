// Package config loads server configuration from a yaml file with
// COLLAB_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Storage struct {
		// Driver is "badger" or "mysql".
		Driver string `mapstructure:"driver"`
		Badger struct {
			Path       string `mapstructure:"path"`
			InMemory   bool   `mapstructure:"in_memory"`
			SyncWrites bool   `mapstructure:"sync_writes"`
		} `mapstructure:"badger"`
		MySQL struct {
			DSN string `mapstructure:"dsn"`
		} `mapstructure:"mysql"`
	} `mapstructure:"storage"`

	Compaction struct {
		Threshold int           `mapstructure:"threshold"`
		Keep      int           `mapstructure:"keep"`
		Workers   int           `mapstructure:"workers"`
		QueueSize int           `mapstructure:"queue_size"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"compaction"`

	Session struct {
		BufferSize    int           `mapstructure:"buffer_size"`
		SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	} `mapstructure:"session"`

	Registry struct {
		IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"registry"`

	Redis struct {
		// Presence falls back to in-process tracking when Addrs is empty.
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"redis"`

	Kafka struct {
		// Publishing is disabled when Brokers is empty.
		Brokers  []string `mapstructure:"brokers"`
		Topic    string   `mapstructure:"topic"`
		ClientID string   `mapstructure:"client_id"`
		// Dispatcher queue and per-event retry with exponential backoff.
		QueueSize   int           `mapstructure:"queue_size"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"max_retry"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.driver", "badger")
	v.SetDefault("storage.badger.path", "data/badger")
	v.SetDefault("storage.badger.in_memory", false)
	v.SetDefault("storage.badger.sync_writes", false)
	v.SetDefault("storage.mysql.dsn", "")

	v.SetDefault("compaction.threshold", 200)
	v.SetDefault("compaction.keep", 50)
	v.SetDefault("compaction.workers", 2)
	v.SetDefault("compaction.queue_size", 256)
	v.SetDefault("compaction.timeout", 10*time.Second)

	v.SetDefault("session.buffer_size", 256)
	v.SetDefault("session.submit_timeout", 5*time.Second)

	v.SetDefault("registry.idle_timeout", 30*time.Minute)
	v.SetDefault("registry.sweep_interval", time.Minute)

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presence_ttl", time.Minute)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collab.document-ops")
	v.SetDefault("kafka.client_id", "collab-engine")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.base_backoff", 50*time.Millisecond)
	v.SetDefault("kafka.max_backoff", time.Second)
}

// Load reads the config file at path, or looks for collab.yaml under
// ./config and . when path is empty. A missing file is not an error;
// defaults and the environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collab")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "badger":
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			return errors.New("storage.badger.path is required unless in_memory is set")
		}
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			return errors.New("storage.mysql.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Compaction.Threshold <= 0 {
		return fmt.Errorf("compaction.threshold must be positive, got %d", c.Compaction.Threshold)
	}
	if c.Compaction.Keep < 0 {
		return fmt.Errorf("compaction.keep must not be negative, got %d", c.Compaction.Keep)
	}
	if c.Kafka.MaxRetry < 0 {
		return fmt.Errorf("kafka.max_retry must not be negative, got %d", c.Kafka.MaxRetry)
	}
	if c.Kafka.MaxBackoff < c.Kafka.BaseBackoff {
		return fmt.Errorf("kafka.max_backoff %s is below kafka.base_backoff %s", c.Kafka.MaxBackoff, c.Kafka.BaseBackoff)
	}
	return nil
}
