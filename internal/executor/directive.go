package executor

import (
	"regexp"
	"time"

	"cronosphere/internal/job"
)

// longRunningRe matches the opt-in comment and the ws client usages that
// mark a node script as a persistent connection.
var longRunningRe = regexp.MustCompile(`(?i:@cronosphere\s+long-running)|require\(\s*['"]ws['"]\s*\)|from\s+['"]ws['"]|\bnew\s+WebSocket\s*\(`)

// IsLongRunning reports whether node script content asks for the extended
// timeout.
func IsLongRunning(content string) bool {
	return longRunningRe.MatchString(content)
}

// timeoutFor picks the wall-clock bound for one execution. The job
// attribute selects the extended bound for any payload; the content
// directive only counts in node scripts.
func (c Config) timeoutFor(j job.Job, kind job.ScriptKind, content string) time.Duration {
	if j.LongRunning {
		return c.LongRunningTimeout
	}
	if kind != job.KindNode {
		return c.ShellTimeout
	}
	if IsLongRunning(content) {
		return c.LongRunningTimeout
	}
	return c.NodeTimeout
}
