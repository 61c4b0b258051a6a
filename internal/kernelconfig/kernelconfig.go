// Package kernelconfig loads the kernel daemon's configuration from a
// config.yaml file, environment variables, and defaults, adapted from
// the retrieval pack's viper-based config loader (same layered
// precedence, same mapstructure-tagged section shape) to the kernel's
// own server/database/worker/security/log sections.
package kernelconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for cmd/bosd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Worker   WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
}

// ServerConfig configures the metrics/health HTTP listener.
type ServerConfig struct {
	MetricsPort     int           `mapstructure:"metrics_port" yaml:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the Postgres-backed event store and
// snapshot store. Mode selects "memory" (development, no DSN needed)
// or "postgres".
type DatabaseConfig struct {
	Mode            string        `mapstructure:"mode" yaml:"mode"`
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time" yaml:"max_conn_idle_time"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// WorkerConfig sizes the cross-tenant dispatch pool.
type WorkerConfig struct {
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
}

// SecurityConfig holds the API-key signing secret and default token
// lifetime. SigningKey is auto-generated on first boot if empty, like
// the pack's session-secret bootstrap, so a development instance never
// starts with a blank HMAC key.
type SecurityConfig struct {
	SigningKey     string        `mapstructure:"signing_key" yaml:"signing_key"`
	TokenExpiresIn time.Duration `mapstructure:"token_expires_in" yaml:"token_expires_in"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// Load reads configuration from config.yaml (if present), environment
// variables, and defaults, in that order of increasing precedence.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/bos")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("kernelconfig: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("kernelconfig: unmarshal: %w", err)
	}

	if err := cfg.ensureSigningKey(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernelconfig: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks for configuration errors that must halt startup.
func (c *Config) Validate() error {
	switch c.Database.Mode {
	case "memory", "postgres":
	default:
		return fmt.Errorf("database.mode must be \"memory\" or \"postgres\", got %q", c.Database.Mode)
	}
	if c.Database.Mode == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required when database.mode is \"postgres\"")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.mode", "memory")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("worker.pool_size", 64)

	v.SetDefault("security.token_expires_in", "2160h")
	v.SetDefault("security.rate_limit_rps", 20)
	v.SetDefault("security.rate_limit_burst", 40)
}
