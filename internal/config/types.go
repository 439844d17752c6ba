package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("30s", "5m", "720h"); empty strings select the documented defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Workspace WorkspaceConfig `json:"workspace"`
	Retention RetentionConfig `json:"retention"`
	Denylist  DenylistConfig  `json:"denylist"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`

	// Format is "console" (default) or "json" for the stdout sink.
	Format string `json:"format,omitempty"`
	// Verbose forces DEBUG and enables retention before/after counts.
	Verbose bool `json:"verbose,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./data/cronosphere.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | postgres | memory
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls cron triggering.
//
// Enabled is a pointer so an omitted key defaults to true while an explicit
// false still disables firing (useful for a CLI-only node).
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// RetentionSpec is the cron expression of the retention sweep.
	RetentionSpec string `json:"retention_spec,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// ExecutorConfig controls process execution.
//
// Defaults:
//   - shell_timeout: "5m"
//   - node_timeout: "30m"
//   - long_running_timeout: "12h"
//   - kill_grace: "5s"
//   - max_output_bytes: 1 MiB per stream
//   - spawn_rate: 0 (unlimited), spawn_burst: 8
//   - overlap: "allow"
type ExecutorConfig struct {
	ShellTimeout       string            `json:"shell_timeout,omitempty"`
	NodeTimeout        string            `json:"node_timeout,omitempty"`
	LongRunningTimeout string            `json:"long_running_timeout,omitempty"`
	KillGrace          string            `json:"kill_grace,omitempty"`
	MaxOutputBytes     int               `json:"max_output_bytes,omitempty"`
	SpawnRate          float64           `json:"spawn_rate,omitempty"` // spawns per second
	SpawnBurst         int               `json:"spawn_burst,omitempty"`
	Overlap            string            `json:"overlap,omitempty"` // allow | skip
	Interpreters       InterpreterConfig `json:"interpreters,omitempty"`
}

// InterpreterConfig holds interpreter command lines. They are split with
// shell quoting rules; the script path or inline command is appended.
type InterpreterConfig struct {
	Shell string `json:"shell,omitempty"` // default: "/bin/sh -c" for commands, "bash" for scripts
	Node  string `json:"node,omitempty"`  // default: "node"
}

type WorkspaceConfig struct {
	Root       string `json:"root,omitempty"`   // default: os.TempDir()
	Prefix     string `json:"prefix,omitempty"` // default: "user_"
	StaleAfter string `json:"stale_after,omitempty"`
}

type RetentionConfig struct {
	Window string `json:"window,omitempty"` // default: "720h"
}

// DenylistConfig lists forbidden-content patterns. Entries are regular
// expressions, or globs when prefixed with "glob:". An empty Patterns keeps
// the built-in set; Extra is appended to whichever set is active.
type DenylistConfig struct {
	Patterns []string `json:"patterns,omitempty"`
	Extra    []string `json:"extra,omitempty"`
}

// Effective returns the pattern list to compile, or nil for the defaults
// without extras.
func (d DenylistConfig) Effective(defaults []string) []string {
	if len(d.Patterns) == 0 && len(d.Extra) == 0 {
		return nil
	}
	base := d.Patterns
	if len(base) == 0 {
		base = defaults
	}
	out := make([]string, 0, len(base)+len(d.Extra))
	out = append(out, base...)
	return append(out, d.Extra...)
}

// DebugConfig enables the operator HTTP endpoint (healthz, schedule
// snapshot, pprof). Empty Addr keeps it off.
type DebugConfig struct {
	Addr          string `json:"addr,omitempty"` // e.g. "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
