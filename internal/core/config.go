package core

import (
	"fmt"
	"os"
	"strconv"
)

// DefaultMaxLoadBatchSize bounds the number of ids sent to a provider per Load.
const DefaultMaxLoadBatchSize = 500

// Environment variables read by ConfigFromEnv.
const (
	EnvLoadBatchSize = "RELKEEPER_LOAD_BATCH_SIZE"
	EnvLogLevel      = "RELKEEPER_LOG_LEVEL"
)

// Config carries engine tunables shared by all transactions of a hierarchy.
type Config struct {
	MaxLoadBatchSize int
	LogLevel         string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{MaxLoadBatchSize: DefaultMaxLoadBatchSize, LogLevel: "info"}
}

// ConfigFromEnv overlays the RELKEEPER_* environment variables on the defaults.
//
//	RELKEEPER_LOAD_BATCH_SIZE: positive integer (default 500)
//	RELKEEPER_LOG_LEVEL: debug|info|warn|error (default info)
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if raw := os.Getenv(EnvLoadBatchSize); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%s must be a positive integer, got %q", EnvLoadBatchSize, raw)
		}
		cfg.MaxLoadBatchSize = n
	}
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		switch lvl {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = lvl
		default:
			return Config{}, fmt.Errorf("%s: unknown level %q", EnvLogLevel, lvl)
		}
	}
	return cfg, nil
}

func (c Config) batchSize() int {
	if c.MaxLoadBatchSize <= 0 {
		return DefaultMaxLoadBatchSize
	}
	return c.MaxLoadBatchSize
}
