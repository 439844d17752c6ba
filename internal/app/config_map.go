package app

import (
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"cronosphere/internal/config"
	"cronosphere/internal/cronspec"
	"cronosphere/internal/denylist"
	"cronosphere/internal/executor"
	"cronosphere/internal/observability/debugsrv"
	"cronosphere/internal/retention"
	"cronosphere/internal/storage"
	"cronosphere/internal/workspace"
	logx "cronosphere/pkg/logx"
)

func mapLogConfig(cfg *config.Config, out io.Writer) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.EffectiveLevel(),
		Console: cfg.Logging.Console,
		JSON:    strings.EqualFold(strings.TrimSpace(cfg.Logging.Format), "json"),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Output: out,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if !storage.ValidDriver(driver) {
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
	dsn := strings.TrimSpace(sc.DSN)
	if dsn == "" && driver != "memory" && driver != "mem" {
		return storage.Config{}, errors.Newf("storage.dsn is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, DSN: dsn, BusyTimeout: busy}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	e := cfg.Executor
	var out executor.Config
	var err error
	if out.ShellTimeout, err = config.ParseDurationOrDefault("executor.shell_timeout", e.ShellTimeout, executor.DefaultShellTimeout); err != nil {
		return out, err
	}
	if out.NodeTimeout, err = config.ParseDurationOrDefault("executor.node_timeout", e.NodeTimeout, executor.DefaultNodeTimeout); err != nil {
		return out, err
	}
	if out.LongRunningTimeout, err = config.ParseDurationOrDefault("executor.long_running_timeout", e.LongRunningTimeout, executor.DefaultLongRunningTimeout); err != nil {
		return out, err
	}
	if out.KillGrace, err = config.ParseDurationOrDefault("executor.kill_grace", e.KillGrace, 5*time.Second); err != nil {
		return out, err
	}
	if out.Overlap, err = executor.ParseOverlap(e.Overlap); err != nil {
		return out, errors.Wrap(err, "executor.overlap")
	}
	out.MaxOutput = e.MaxOutputBytes
	out.SpawnRate = rate.Limit(e.SpawnRate)
	out.SpawnBurst = e.SpawnBurst

	// One shell line serves both inline commands (argv + "-c") and scripts.
	if shell, err := executor.ParseInterpreter(e.Interpreters.Shell); err != nil {
		return out, errors.Wrap(err, "executor.interpreters.shell")
	} else if shell != nil {
		out.ScriptShell = shell
		out.CommandShell = append(append([]string(nil), shell...), "-c")
	}
	if out.Node, err = executor.ParseInterpreter(e.Interpreters.Node); err != nil {
		return out, errors.Wrap(err, "executor.interpreters.node")
	}
	return out, nil
}

func mapWorkspaceConfig(cfg *config.Config) (workspace.Config, time.Duration, error) {
	stale, err := config.ParseDurationOrDefault("workspace.stale_after", cfg.Workspace.StaleAfter, 24*time.Hour)
	if err != nil {
		return workspace.Config{}, 0, err
	}
	return workspace.Config{Root: cfg.Workspace.Root, Prefix: cfg.Workspace.Prefix}, stale, nil
}

func mapRetentionConfig(cfg *config.Config) (retention.Config, string, error) {
	window, err := config.ParseDurationOrDefault("retention.window", cfg.Retention.Window, retention.DefaultWindow)
	if err != nil {
		return retention.Config{}, "", err
	}
	spec := strings.TrimSpace(cfg.Scheduler.RetentionSpec)
	if spec == "" {
		spec = "0 0 * * *"
	}
	if _, err := cronspec.Parse(spec); err != nil {
		return retention.Config{}, "", errors.Wrap(err, "scheduler.retention_spec")
	}
	return retention.Config{Window: window, Verbose: cfg.Logging.Verbose}, spec, nil
}

func denylistPatterns(cfg *config.Config) []string {
	return cfg.Denylist.Effective(denylist.DefaultPatterns)
}

// validateConfig runs config.Validate plus the checks that need other
// packages. It is the reload validator, so a bad edit never replaces a
// working config.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapWorkspaceConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRetentionConfig(cfg); err != nil {
		return err
	}
	if err := denylist.Compile(denylistPatterns(cfg)); err != nil {
		return errors.Wrap(err, "denylist")
	}
	return debugsrv.CheckAddr(mapDebugConfig(cfg))
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	return debugsrv.Config{
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

// CheckConfig loads and validates the config at path without opening
// anything. lookup may be nil.
func CheckConfig(path string, lookup func(string) (string, bool)) error {
	m := config.NewManager(path)
	if lookup != nil {
		m.SetLookup(lookup)
	}
	cfg, err := m.Load()
	if err != nil {
		return err
	}
	return validateConfig(cfg)
}
