// Package config loads worker process configuration from a YAML file
// and environment variables, with validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/courierq/courier"
)

// Config holds all configuration for a courier worker process. The
// mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	// BrokerURL is the Redis connection URL for the broker,
	// e.g. "redis://localhost:6379/0".
	BrokerURL string `mapstructure:"broker_url" validate:"required"`

	// StoreDriver selects the result store backend.
	StoreDriver string `mapstructure:"store_driver" validate:"oneof=memory redis postgres"`

	// StoreURL is the store connection URL. Required for the postgres
	// driver; the redis driver reuses BrokerURL when empty.
	StoreURL string `mapstructure:"store_url"`

	Concurrency int      `mapstructure:"concurrency" validate:"min=1"`
	Queues      []string `mapstructure:"queues" validate:"min=1,dive,required"`

	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	// LogFormat is one of json, text.
	LogFormat string `mapstructure:"log_format" validate:"oneof=json text"`
}

// Runtime converts the loaded configuration into the engine's runtime
// Config.
func (c *Config) Runtime() courier.Config {
	cfg := courier.DefaultConfig()
	cfg.Concurrency = c.Concurrency
	cfg.Queues = c.Queues
	cfg.BrokerEndpoint = c.BrokerURL
	if c.TaskTimeout > 0 {
		cfg.TaskTimeout = c.TaskTimeout
	}
	if c.BaseBackoff > 0 {
		cfg.BaseBackoff = c.BaseBackoff
	}
	if c.MaxBackoff > 0 {
		cfg.MaxBackoff = c.MaxBackoff
	}
	if c.VisibilityTimeout > 0 {
		cfg.VisibilityTimeout = c.VisibilityTimeout
	}
	if c.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = c.ShutdownTimeout
	}
	if c.StaleThreshold > 0 {
		cfg.StaleThreshold = c.StaleThreshold
	}
	if c.SweepInterval > 0 {
		cfg.SweepInterval = c.SweepInterval
	}
	return cfg
}

// Load reads configuration from config.yaml and COURIER_-prefixed
// environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("broker_url", "redis://localhost:6379/0")
	v.SetDefault("store_driver", "redis")
	v.SetDefault("concurrency", 2)
	v.SetDefault("queues", []string{"default"})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine: defaults and env vars carry it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	val := validator.New()
	if err := val.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid fields: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("config: validate: %w", err)
	}

	if cfg.StoreDriver == "postgres" && cfg.StoreURL == "" {
		return fmt.Errorf("config: store_url is required for the postgres driver")
	}
	return nil
}
