package job

import (
	"strings"
	"time"
)

// Status is the lifecycle status of a job.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

func (s Status) Valid() bool { return s == StatusActive || s == StatusPaused }

// RunStatus is the outcome of a run. Only running → success|error is legal.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// ScriptKind selects the interpreter for a stored script.
type ScriptKind string

const (
	KindShell ScriptKind = "bash"
	KindNode  ScriptKind = "node"
)

// ParseScriptKind maps user input to a kind; anything that is not "node"
// runs under the shell.
func ParseScriptKind(s string) ScriptKind {
	if strings.EqualFold(strings.TrimSpace(s), string(KindNode)) {
		return KindNode
	}
	return KindShell
}

const (
	// PlaceholderOutput is stored when a finished process printed nothing.
	PlaceholderOutput = "(no output)"

	// MaxCommandLength bounds inline commands at submission.
	MaxCommandLength = 2000
)

// Job is a user-defined unit of scheduled work.
type Job struct {
	ID       int64
	Owner    int64
	Name     string
	Payload  Payload
	Schedule string
	Status   Status

	// LongRunning grants the extended timeout regardless of script content.
	LongRunning bool

	CreatedAt time.Time
}

// Command returns the inline command, or "" for script jobs.
func (j Job) Command() string {
	if p, ok := j.Payload.(CommandPayload); ok {
		return p.Command
	}
	return ""
}

// ScriptID returns the referenced script id, or 0 for command jobs.
func (j Job) ScriptID() int64 {
	if p, ok := j.Payload.(ScriptPayload); ok {
		return p.ScriptID
	}
	return 0
}

func (j Job) Paused() bool { return j.Status == StatusPaused }

// Validate checks the submission invariants. validExpr reports cron
// validity; it is injected so this package stays free of the parser.
func (j Job) Validate(validExpr func(string) bool) error {
	if strings.TrimSpace(j.Name) == "" {
		return Validationf("name required")
	}
	if j.Payload == nil {
		return Validationf("command or script required")
	}
	if err := j.Payload.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(j.Schedule) == "" {
		return Validationf("schedule required")
	}
	if validExpr != nil && !validExpr(j.Schedule) {
		return InvalidExpression(j.Schedule)
	}
	if j.Status != "" && !j.Status.Valid() {
		return Validationf("invalid status %q", j.Status)
	}
	return nil
}

// Script is a stored script body, read once per run.
type Script struct {
	ID        int64
	Owner     int64
	Name      string
	Content   string
	Kind      ScriptKind
	CreatedAt time.Time
}

// Run is one recorded execution attempt.
//
// FinishedAt and Output are nil exactly while Status is RunRunning.
type Run struct {
	ID         int64
	JobID      int64
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Output     *string
}

func (r Run) Finished() bool { return r.Status != RunRunning }

// Consistent reports whether the running/finished invariant holds.
func (r Run) Consistent() bool {
	running := r.Status == RunRunning
	return running == (r.FinishedAt == nil) && running == (r.Output == nil)
}

// OutputText returns the output or "" while running.
func (r Run) OutputText() string {
	if r.Output == nil {
		return ""
	}
	return *r.Output
}
