// Package config loads the secure-entry CLI configuration using Viper.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "SECURE_ENTRY"

const (
	StorageFile   = "file"
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

type Config struct {
	TimeSync TimeSyncConfig `mapstructure:"timesync" json:"timesync"`
	Storage  StorageConfig  `mapstructure:"storage" json:"storage"`
	Redis    RedisConfig    `mapstructure:"redis" json:"redis"`
	Refresh  RefreshConfig  `mapstructure:"refresh" json:"refresh"`
	Logger   LoggerConfig   `mapstructure:"logger" json:"logger"`
	Metrics  MetricsConfig  `mapstructure:"metrics" json:"metrics"`
}

type TimeSyncConfig struct {
	Endpoint      string        `mapstructure:"endpoint" json:"endpoint"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval" json:"retry_interval"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
}

// StorageConfig selects where the time delta cache lives. An empty Path
// with the file driver means the user cache directory.
type StorageConfig struct {
	Driver string `mapstructure:"driver" json:"driver"`
	Path   string `mapstructure:"path" json:"path"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db" json:"db"`
	Prefix   string `mapstructure:"prefix" json:"prefix"`
}

// Address returns the Redis address.
func (c *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RefreshConfig struct {
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// MetricsConfig enables the Prometheus collectors. A non-empty Addr also
// serves them over HTTP while a command runs.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr"`
}

func (c Config) String() string {
	bytes, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		panic(fmt.Sprintf("failed to marshal config: %v", err))
	}
	return string(bytes)
}

// Load reads configuration from path, or from config.yaml in the working
// directory when path is empty, and applies SECURE_ENTRY_* environment
// overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timesync.endpoint", "https://app.ticketmaster.com/safetix/configuration/v1/config")
	v.SetDefault("timesync.timeout", 3*time.Second)
	v.SetDefault("timesync.retry_interval", 500*time.Millisecond)
	v.SetDefault("timesync.cache_ttl", 15*time.Minute)

	v.SetDefault("storage.driver", StorageFile)
	v.SetDefault("storage.path", "")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "secure-entry:")

	v.SetDefault("refresh.interval", 15*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "")
}

// Validate rejects values the CLI cannot act on.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageFile, StorageMemory, StorageRedis:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.TimeSync.Timeout <= 0 {
		return fmt.Errorf("timesync.timeout must be positive, got %s", c.TimeSync.Timeout)
	}
	if c.TimeSync.RetryInterval <= 0 {
		return fmt.Errorf("timesync.retry_interval must be positive, got %s", c.TimeSync.RetryInterval)
	}
	if c.TimeSync.CacheTTL <= 0 {
		return fmt.Errorf("timesync.cache_ttl must be positive, got %s", c.TimeSync.CacheTTL)
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be positive, got %s", c.Refresh.Interval)
	}
	return nil
}
