// Package config loads admitd configuration from defaults, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/nhalm/admit/ratelimit"
	"github.com/nhalm/admit/retry"
	"github.com/spf13/viper"
)

// Backends accepted by RATE_LIMIT_BACKEND.
const (
	BackendMemory = "memory"
	BackendRemote = "remote"
)

// Config is the complete admitd configuration. Keys are the lower-cased
// environment variable names.
type Config struct {
	RateLimitBackend       string `mapstructure:"rate_limit_backend" validate:"oneof=memory remote"`
	RateLimitWindowSeconds int    `mapstructure:"rate_limit_window_seconds" validate:"gte=1"`
	RateLimitMaxRequests   int64  `mapstructure:"rate_limit_max_requests" validate:"gte=1"`
	// RateLimitReadMaxRequests admits document reads separately. Zero
	// leaves reads unadmitted.
	RateLimitReadMaxRequests int64 `mapstructure:"rate_limit_read_max_requests" validate:"gte=0"`
	RateLimitFailOpen        bool  `mapstructure:"rate_limit_fail_open"`
	RateLimitLocalFallback   bool  `mapstructure:"rate_limit_local_fallback"`
	RateLimitStats           bool  `mapstructure:"rate_limit_stats"`

	RetryMaxAttempts       int     `mapstructure:"retry_max_attempts" validate:"gte=0"`
	RetryInitialDelayMS    int     `mapstructure:"retry_initial_delay_ms" validate:"gt=0"`
	RetryMaxDelayMS        int     `mapstructure:"retry_max_delay_ms" validate:"gtefield=RetryInitialDelayMS"`
	RetryBackoffMultiplier float64 `mapstructure:"retry_backoff_multiplier" validate:"gte=1"`
	RetryJitter            bool    `mapstructure:"retry_jitter"`

	RedisURL      string `mapstructure:"redis_url" validate:"required_if=RateLimitBackend remote"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" validate:"gte=0"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	ListenAddr   string `mapstructure:"listen_addr" validate:"required"`
	DatabasePath string `mapstructure:"database_path" validate:"required"`
	LogLevel     string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

var defaults = map[string]any{
	"rate_limit_backend":           BackendMemory,
	"rate_limit_window_seconds":    60,
	"rate_limit_max_requests":      100,
	"rate_limit_read_max_requests": 0,
	"rate_limit_fail_open":         false,
	"rate_limit_local_fallback":    false,
	"rate_limit_stats":             false,
	"retry_max_attempts":           3,
	"retry_initial_delay_ms":       100,
	"retry_max_delay_ms":           5000,
	"retry_backoff_multiplier":     2.0,
	"retry_jitter":                 true,
	"redis_url":                    "localhost:6379",
	"redis_password":               "",
	"redis_db":                     0,
	"redis_prefix":                 "admit:",
	"listen_addr":                  ":8080",
	"database_path":                "admit.db",
	"log_level":                    "info",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalid is returned by Load when a value fails validation.
var ErrInvalid = errors.New("config: invalid configuration")

// Load reads configuration. An empty file skips the YAML layer.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.AllowEmptyEnv(true)
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("config: create decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cfg.RateLimitBackend = strings.ToLower(strings.TrimSpace(cfg.RateLimitBackend))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Limit is the configured per-identity limit.
func (c *Config) Limit() ratelimit.Limit {
	return ratelimit.Limit{
		Max:    c.RateLimitMaxRequests,
		Window: time.Duration(c.RateLimitWindowSeconds) * time.Second,
	}
}

// ReadLimit is the per-identity read limit. It shares the write window; a
// zero Max disables read admission.
func (c *Config) ReadLimit() ratelimit.Limit {
	if c.RateLimitReadMaxRequests == 0 {
		return ratelimit.Limit{}
	}
	return ratelimit.Limit{
		Max:    c.RateLimitReadMaxRequests,
		Window: time.Duration(c.RateLimitWindowSeconds) * time.Second,
	}
}

// Retry is the configured retry policy.
func (c *Config) Retry() retry.Config {
	return retry.Config{
		MaxRetries:   c.RetryMaxAttempts,
		InitialDelay: time.Duration(c.RetryInitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(c.RetryMaxDelayMS) * time.Millisecond,
		Multiplier:   c.RetryBackoffMultiplier,
		Jitter:       c.RetryJitter,
	}
}
