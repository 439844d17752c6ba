package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronosphere/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Storage DSNs may carry credentials and are never logged.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.EffectiveLevel()),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_changed", oldCfg.Storage.DSN != newCfg.Storage.DSN),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.retention_spec", newCfg.Scheduler.RetentionSpec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.shell_timeout", newCfg.Executor.ShellTimeout),
			logx.String("executor.node_timeout", newCfg.Executor.NodeTimeout),
			logx.String("executor.overlap", newCfg.Executor.Overlap),
		)
	}
	if !reflect.DeepEqual(oldCfg.Workspace, newCfg.Workspace) {
		changed = append(changed, "workspace")
	}
	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
		attrs = append(attrs, logx.String("retention.window", newCfg.Retention.Window))
	}
	if !reflect.DeepEqual(oldCfg.Denylist, newCfg.Denylist) {
		changed = append(changed, "denylist")
		attrs = append(attrs,
			logx.Int("denylist.patterns", len(newCfg.Denylist.Patterns)),
			logx.Int("denylist.extra", len(newCfg.Denylist.Extra)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone ||
		oldCfg.Scheduler.IsEnabled() != newCfg.Scheduler.IsEnabled() ||
		oldCfg.Scheduler.RetentionSpec != newCfg.Scheduler.RetentionSpec {
		out = append(out, "scheduler")
	}
	if !reflect.DeepEqual(oldCfg.Workspace, newCfg.Workspace) {
		out = append(out, "workspace")
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		out = append(out, "debug")
	}
	return out
}
