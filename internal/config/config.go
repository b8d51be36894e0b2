// Package config loads core configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all tunables of the sync engine. The app shell sets
// these through the process environment before starting the core.
type Config struct {
	// DataDir is where the local durable store lives.
	DataDir string `env:"EXPOSURELOG_DATA_DIR" envDefault:"./data"`

	// APIBaseURL is the remote store endpoint.
	APIBaseURL string `env:"EXPOSURELOG_API_URL" envDefault:"https://api.exposurelog.app"`

	// RequestTimeout bounds every remote call. Expiry classifies as a
	// transient failure and feeds the backoff policy.
	RequestTimeout time.Duration `env:"EXPOSURELOG_REQUEST_TIMEOUT" envDefault:"30s"`

	// BackoffBase and BackoffCap bound the exponential retry delay.
	BackoffBase time.Duration `env:"EXPOSURELOG_BACKOFF_BASE" envDefault:"1s"`
	BackoffCap  time.Duration `env:"EXPOSURELOG_BACKOFF_CAP" envDefault:"60s"`

	// PhotoMaxRetries bounds photo upload attempts before an entry is
	// marked error and surfaced for manual retry. Exposure retries are
	// unbounded.
	PhotoMaxRetries int `env:"EXPOSURELOG_PHOTO_MAX_RETRIES" envDefault:"5"`

	// PhotoConcurrency is the number of simultaneous photo transfers.
	PhotoConcurrency int `env:"EXPOSURELOG_PHOTO_CONCURRENCY" envDefault:"2"`

	// DebounceWindow coalesces flapping connectivity transitions.
	DebounceWindow time.Duration `env:"EXPOSURELOG_DEBOUNCE_WINDOW" envDefault:"2s"`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `env:"EXPOSURELOG_LOG_LEVEL" envDefault:"info"`

	// ListenAddr is the desktop shell's local server address.
	ListenAddr string `env:"EXPOSURELOG_LISTEN_ADDR" envDefault:"localhost:8090"`
}

// Load parses configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %s", c.BackoffBase)
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff cap %s below base %s", c.BackoffCap, c.BackoffBase)
	}
	if c.PhotoMaxRetries < 1 {
		return fmt.Errorf("photo max retries must be at least 1, got %d", c.PhotoMaxRetries)
	}
	if c.PhotoConcurrency < 1 {
		return fmt.Errorf("photo concurrency must be at least 1, got %d", c.PhotoConcurrency)
	}
	return nil
}
