package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "SOULSYNC"

// defaults are applied before the config file and environment.
var defaults = map[string]any{
	"server.port":             8080,
	"server.log_level":        "info",
	"server.shutdown_timeout": 30 * time.Second,

	"queue.concurrency":          2,
	"queue.min_concurrency":      1,
	"queue.max_concurrency":      10,
	"queue.min_priority":         -100,
	"queue.max_priority":         100,
	"queue.default_max_retries":  3,
	"queue.max_retries_cap":      20,
	"queue.backoff_base":         time.Second,
	"queue.backoff_max":          5 * time.Minute,
	"queue.poll_interval":        250 * time.Millisecond,
	"queue.reject_unknown_types": true,
	"queue.purge_after":          time.Duration(0),
	"queue.purge_interval":       time.Minute,

	"database.url":               "",
	"database.history_retention": 30 * 24 * time.Hour,

	"auth.jwt_secret": "",
	"auth.token_ttl":  24 * time.Hour,

	"fetch.library_dir":         "./library",
	"fetch.requests_per_second": 2.0,
	"fetch.burst":               1,
	"fetch.timeout":             5 * time.Minute,
	"fetch.max_bytes":           int64(0),
	"fetch.user_agent":          "soulsync/1.0",
}

// Load configuration from defaults, an optional YAML file and environment
// variables, in increasing order of precedence. When configPath is empty,
// config.yaml in the working directory is read if present.
// Returns a populated Config struct or an error if loading/validation fails.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets have no meaningful default; bind them explicitly.
	for _, key := range []string{"database.url", "auth.jwt_secret"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}
