package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables that override file values. DATABASE_URL is honoured
// as a fallback DSN for deployments that already export it.
const (
	EnvStorageDriver = "CRONOSPHERE_STORAGE_DRIVER"
	EnvStorageDSN    = "CRONOSPHERE_STORAGE_DSN"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvLogLevel      = "CRONOSPHERE_LOG_LEVEL"
	EnvVerbose       = "VERBOSE_LOGS"
)

// ApplyEnv overlays environment overrides on cfg using lookup (os.LookupEnv
// when nil).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvStorageDriver); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := get(EnvStorageDSN); ok {
		cfg.Storage.DSN = v
	} else if v, ok := get(EnvDatabaseURL); ok && strings.TrimSpace(cfg.Storage.DSN) == "" {
		cfg.Storage.DSN = v
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvVerbose); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Verbose = b
		}
	}
}

// EffectiveLevel maps the verbose switch onto the log level.
func (l LoggingConfig) EffectiveLevel() string {
	if l.Verbose {
		return "DEBUG"
	}
	if strings.TrimSpace(l.Level) == "" {
		return "INFO"
	}
	return l.Level
}
