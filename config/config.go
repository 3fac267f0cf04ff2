// Package config loads the daemon configuration.
//
// Precedence, highest first:
//  1. Environment variables (MIDDLEWARED_*, "." replaced by "_", e.g.
//     MIDDLEWARED_AUTH_MODE=token)
//  2. The YAML configuration file
//  3. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"middlewared/logger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MIDDLEWARED"

// Authentication modes.
const (
	AuthSocketOwner = "socket-owner"
	AuthToken       = "token"
	AuthAny         = "any" // socket owner or token
	AuthNone        = "none"
)

type Config struct {
	Listen          ListenConfig    `mapstructure:"listen"`
	Auth            AuthConfig      `mapstructure:"auth"`
	Logging         LoggingConfig   `mapstructure:"logging"`
	Metrics         MetricsConfig   `mapstructure:"metrics"`
	Limits          LimitsConfig    `mapstructure:"limits"`
	Datastore       DatastoreConfig `mapstructure:"datastore"`
	Discovery       DiscoveryConfig `mapstructure:"discovery"`
	PIDFile         string          `mapstructure:"pid_file"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type ListenConfig struct {
	// Websocket is the host:port of the websocket endpoint; empty disables it.
	Websocket string `mapstructure:"websocket" validate:"omitempty,hostname_port"`
	Path      string `mapstructure:"path" validate:"startswith=/"`
	// Stream is a framed TCP host:port or "unix:/path"; empty disables it.
	Stream string `mapstructure:"stream"`
}

type AuthConfig struct {
	Mode          string `mapstructure:"mode" validate:"oneof=socket-owner token any none"`
	PrivilegedUID uint32 `mapstructure:"privileged_uid"`
	TokenSecret   string `mapstructure:"token_secret" validate:"required_if=Mode token,required_if=Mode any"`
	TokenIssuer   string `mapstructure:"token_issuer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console text"`
	File   string `mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true"`
}

type LimitsConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout" validate:"gte=0"`
	Rate           float64       `mapstructure:"rate" validate:"gte=0"`
	Burst          int           `mapstructure:"burst" validate:"gte=0"`
	MaxMessageSize int64         `mapstructure:"max_message_size" validate:"gte=0,lte=4294967295"`
	Heartbeat      time.Duration `mapstructure:"heartbeat" validate:"gte=0"`
}

type DatastoreConfig struct {
	// Path of the sqlite database; empty runs without a datastore.
	Path string `mapstructure:"path"`
}

type DiscoveryConfig struct {
	Endpoints []string `mapstructure:"endpoints"`
	Advertise string   `mapstructure:"advertise"`
	TTL       int64    `mapstructure:"ttl" validate:"gte=1"`
	Balancer  string   `mapstructure:"balancer" validate:"oneof=round-robin weighted-random consistent-hash"`
}

// Logger returns the logger settings.
func (c *Config) Logger() logger.Config {
	return logger.Config{Level: c.Logging.Level, Format: c.Logging.Format, File: c.Logging.File}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.websocket", "127.0.0.1:6000")
	v.SetDefault("listen.path", "/websocket")
	v.SetDefault("listen.stream", "")
	v.SetDefault("auth.mode", AuthSocketOwner)
	v.SetDefault("auth.privileged_uid", 0)
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_issuer", "middlewared")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9100")
	v.SetDefault("limits.call_timeout", "0s")
	v.SetDefault("limits.rate", 0)
	v.SetDefault("limits.burst", 0)
	v.SetDefault("limits.max_message_size", 16<<20)
	v.SetDefault("limits.heartbeat", "30s")
	v.SetDefault("datastore.path", "")
	v.SetDefault("discovery.endpoints", []string{})
	v.SetDefault("discovery.advertise", "")
	v.SetDefault("discovery.ttl", 10)
	v.SetDefault("discovery.balancer", "round-robin")
	v.SetDefault("pid_file", "/var/run/middlewared.pid")
	v.SetDefault("shutdown_timeout", "10s")
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() (*Config, error) {
	return Load("")
}

// Load reads path (optional), applies environment overrides and defaults,
// and validates the result. A path that does not exist is an error; an
// empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("configuration file: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Listen.Websocket == "" && cfg.Listen.Stream == "" {
		return errors.New("at least one of listen.websocket and listen.stream must be set")
	}
	if len(cfg.Discovery.Endpoints) > 0 && cfg.Discovery.Advertise == "" {
		return errors.New("discovery.advertise is required when discovery.endpoints is set")
	}
	return nil
}
