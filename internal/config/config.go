// Package config loads offline sync configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

// EnvPrefix prefixes every environment override, e.g. OFFLINESYNC_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "OFFLINESYNC"

// DatabaseConfig configures the SQLite queue store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig configures the mutation queue.
type QueueConfig struct {
	Capacity  int `mapstructure:"capacity"`   // 0 means unbounded
	BatchSize int `mapstructure:"batch_size"` // page size for each sweep
}

// RetryConfig configures transient-failure backoff.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// ExecuteConfig configures execute calls.
type ExecuteConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"` // independent chains in flight
}

// BreakerConfig configures the transport circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// ConnectivityConfig configures the connectivity monitor.
type ConnectivityConfig struct {
	Debounce      time.Duration `mapstructure:"debounce"`
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// SchedulerConfig configures background sync.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty logs to stdout
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ServerConfig configures the desktop host HTTP server.
type ServerConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// BackendConfig configures the HTTP executor.
type BackendConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// Config holds the complete configuration.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Execute      ExecuteConfig      `mapstructure:"execute"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	Backend      BackendConfig      `mapstructure:"backend"`
}

// Load reads configuration from path (optional) and OFFLINESYNC_* variables.
// With an empty path it looks for offlinesync.yaml in the working directory
// and tolerates its absence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("offlinesync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "unmarshal config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with only defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "offlinesync.db")

	v.SetDefault("queue.capacity", 0)
	v.SetDefault("queue.batch_size", 50)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_interval", 1*time.Second)
	v.SetDefault("retry.max_interval", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("execute.timeout", 15*time.Second)
	v.SetDefault("execute.concurrency", 4)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)

	v.SetDefault("connectivity.debounce", 1*time.Second)
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 5*time.Second)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("server.listen_address", "127.0.0.1:8090")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)

	v.SetDefault("backend.base_url", "")
}

// MinDebounce is the shortest accepted connectivity debounce window.
const MinDebounce = time.Second

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Queue.Capacity < 0 {
		problems = append(problems, "queue.capacity must be >= 0")
	}
	if c.Queue.BatchSize < 1 {
		problems = append(problems, "queue.batch_size must be >= 1")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be >= 1")
	}
	if c.Retry.InitialInterval <= 0 {
		problems = append(problems, "retry.initial_interval must be positive")
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		problems = append(problems, "retry.max_interval must be >= retry.initial_interval")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be >= 1")
	}
	if c.Execute.Timeout <= 0 {
		problems = append(problems, "execute.timeout must be positive")
	}
	if c.Execute.Concurrency < 1 {
		problems = append(problems, "execute.concurrency must be >= 1")
	}
	if c.Breaker.Enabled && c.Breaker.FailureThreshold < 1 {
		problems = append(problems, "breaker.failure_threshold must be >= 1")
	}
	if c.Connectivity.Debounce < MinDebounce {
		problems = append(problems, fmt.Sprintf("connectivity.debounce must be >= %s", MinDebounce))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		problems = append(problems, "scheduler.interval must be positive")
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
