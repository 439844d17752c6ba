package executor

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	shellquote "github.com/kballard/go-shellquote"
	"golang.org/x/time/rate"

	"cronosphere/internal/runner"
)

const (
	DefaultShellTimeout       = 5 * time.Minute
	DefaultNodeTimeout        = 30 * time.Minute
	DefaultLongRunningTimeout = 12 * time.Hour
	DefaultSpawnBurst         = 8
)

type OverlapPolicy int

const (
	// OverlapAllow lets firings of the same job run side by side.
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning drops a firing while the job has a live process.
	OverlapSkipIfRunning
)

func (p OverlapPolicy) String() string {
	if p == OverlapSkipIfRunning {
		return "skip"
	}
	return "allow"
}

// ParseOverlap accepts "allow" (or empty) and "skip".
func ParseOverlap(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow":
		return OverlapAllow, nil
	case "skip", "skip_if_running":
		return OverlapSkipIfRunning, nil
	default:
		return OverlapAllow, errors.Newf("unknown overlap policy %q", s)
	}
}

// Config controls execution. The app layer maps config.executor into it.
type Config struct {
	ShellTimeout       time.Duration
	NodeTimeout        time.Duration
	LongRunningTimeout time.Duration
	KillGrace          time.Duration
	MaxOutput          int

	// SpawnRate <= 0 disables spawn throttling.
	SpawnRate  rate.Limit
	SpawnBurst int

	Overlap OverlapPolicy

	// Interpreter argv prefixes. Inline commands get the command string
	// appended as one argument; scripts get the script file path.
	CommandShell []string
	ScriptShell  []string
	Node         []string
}

func (c Config) withDefaults() Config {
	if c.ShellTimeout <= 0 {
		c.ShellTimeout = DefaultShellTimeout
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = DefaultNodeTimeout
	}
	if c.LongRunningTimeout <= 0 {
		c.LongRunningTimeout = DefaultLongRunningTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = runner.DefaultKillGrace
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = runner.DefaultMaxOutput
	}
	if c.SpawnBurst <= 0 {
		c.SpawnBurst = DefaultSpawnBurst
	}
	if len(c.CommandShell) == 0 {
		c.CommandShell = []string{"/bin/sh", "-c"}
	}
	if len(c.ScriptShell) == 0 {
		c.ScriptShell = []string{"bash"}
	}
	if len(c.Node) == 0 {
		c.Node = []string{"node"}
	}
	return c
}

// ParseInterpreter splits an interpreter command line with shell quoting
// rules. An empty line yields nil (use the default).
func ParseInterpreter(line string) ([]string, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.Wrapf(err, "interpreter %q", line)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("interpreter %q is empty", line)
	}
	return argv, nil
}
