package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Fetch    FetchConfig    `mapstructure:"fetch" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// QueueConfig contains the job queue settings: dispatch concurrency,
// accepted priority range, retry behaviour and retention.
type QueueConfig struct {
	Concurrency    int `mapstructure:"concurrency" validate:"gtefield=MinConcurrency,ltefield=MaxConcurrency"`
	MinConcurrency int `mapstructure:"min_concurrency" validate:"gte=1"`
	MaxConcurrency int `mapstructure:"max_concurrency" validate:"gtefield=MinConcurrency"`

	MinPriority int `mapstructure:"min_priority"`
	MaxPriority int `mapstructure:"max_priority" validate:"gtefield=MinPriority"`

	DefaultMaxRetries int           `mapstructure:"default_max_retries" validate:"gte=0,ltefield=MaxRetriesCap"`
	MaxRetriesCap     int           `mapstructure:"max_retries_cap" validate:"gte=0"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" validate:"gte=0"`

	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	RejectUnknownTypes bool          `mapstructure:"reject_unknown_types"`

	// PurgeAfter of zero keeps terminal jobs until an explicit purge.
	PurgeAfter    time.Duration `mapstructure:"purge_after" validate:"gte=0"`
	PurgeInterval time.Duration `mapstructure:"purge_interval" validate:"gt=0"`
}

// DatabaseConfig contains the job history database settings. An empty URL
// disables the history archive.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`

	// HistoryRetention of zero keeps archived jobs forever.
	HistoryRetention time.Duration `mapstructure:"history_retention" validate:"gte=0"`
}

// AuthConfig contains API authentication settings. An empty secret
// disables authentication.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
}

// FetchConfig contains settings for the fetch job handler.
type FetchConfig struct {
	LibraryDir        string        `mapstructure:"library_dir" validate:"required"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=1"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxBytes          int64         `mapstructure:"max_bytes" validate:"gte=0"`
	UserAgent         string        `mapstructure:"user_agent" validate:"required"`
}

// HistoryEnabled reports whether a history database is configured.
func (c *Config) HistoryEnabled() bool {
	return c.Database.URL != ""
}

// AuthEnabled reports whether API requests must carry a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.Auth.JWTSecret != ""
}
