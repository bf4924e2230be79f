package app

import (
	"errors"
	"fmt"
	stdruntime "runtime"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all the necessary configuration for an App instance to run.
// Precedence: CLI flags, then BUILDGRID_* environment variables, then
// defaults.
type Config struct {
	PlanPath string

	Runtime   string        `env:"BUILDGRID_RUNTIME"`
	LogFormat string        `env:"BUILDGRID_LOG_FORMAT"`
	LogLevel  string        `env:"BUILDGRID_LOG_LEVEL"`
	Workers   int           `env:"BUILDGRID_WORKERS"`
	Timeout   time.Duration `env:"BUILDGRID_TIMEOUT"`
}

// NewConfig fills unset fields from the environment, then from defaults, and
// validates the result.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.PlanPath == "" {
		return nil, errors.New("PlanPath is a required configuration field and cannot be empty")
	}

	fromEnv := Config{}
	if err := env.Parse(&fromEnv); err != nil {
		return nil, fmt.Errorf("invalid BUILDGRID_* environment: %w", err)
	}
	if cfg.Runtime == "" {
		cfg.Runtime = fromEnv.Runtime
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = fromEnv.LogFormat
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = fromEnv.LogLevel
	}
	if cfg.Workers == 0 {
		cfg.Workers = fromEnv.Workers
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = fromEnv.Timeout
	}

	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Workers == 0 {
		cfg.Workers = stdruntime.NumCPU()
	}

	if cfg.Runtime != "docker" {
		return nil, fmt.Errorf("unknown runtime %q: only 'docker' is supported", cfg.Runtime)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Workers)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", cfg.LogFormat)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}

	return &cfg, nil
}
