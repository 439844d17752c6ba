package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "cronosphere/pkg/logx"
)

// Default returns the configuration used when a key is omitted.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Console: true},
		Storage: StorageConfig{Driver: "sqlite", DSN: "./data/cronosphere.db"},
		Scheduler: SchedulerConfig{
			RetentionSpec: "0 0 * * *",
		},
		Executor: ExecutorConfig{
			ShellTimeout:       "5m",
			NodeTimeout:        "30m",
			LongRunningTimeout: "12h",
			KillGrace:          "5s",
			Overlap:            "allow",
		},
		Workspace: WorkspaceConfig{Prefix: "user_", StaleAfter: "24h"},
		Retention: RetentionConfig{Window: "720h"},
	}
}

// Validate runs the checks that need nothing outside this package.
// Cross-component checks (driver names, denylist patterns, cron specs) are
// installed by the app as a Manager validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return errors.Newf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidFormat(cfg.Logging.Format) {
		return errors.Newf("logging.format: want console or json, got %q", cfg.Logging.Format)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return errors.New("logging.file.path is required when logging.file.enabled is true")
	}

	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"executor.shell_timeout", cfg.Executor.ShellTimeout},
		{"executor.node_timeout", cfg.Executor.NodeTimeout},
		{"executor.long_running_timeout", cfg.Executor.LongRunningTimeout},
		{"executor.kill_grace", cfg.Executor.KillGrace},
		{"workspace.stale_after", cfg.Workspace.StaleAfter},
		{"retention.window", cfg.Retention.Window},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.Wrapf(err, "scheduler.timezone: invalid %q", tz)
		}
	}

	e := cfg.Executor
	if e.MaxOutputBytes < 0 {
		return errors.New("executor.max_output_bytes must be >= 0")
	}
	if e.SpawnRate < 0 {
		return errors.New("executor.spawn_rate must be >= 0")
	}
	if e.SpawnBurst < 0 {
		return errors.New("executor.spawn_burst must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(e.Overlap)) {
	case "", "allow", "skip":
	default:
		return errors.Newf("executor.overlap: must be allow or skip, got %q", e.Overlap)
	}

	if p := cfg.Workspace.Prefix; strings.ContainsAny(p, `/\`) {
		return errors.Newf("workspace.prefix must not contain path separators: %q", p)
	}
	return nil
}
