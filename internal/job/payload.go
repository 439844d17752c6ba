package job

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Payload is what a job executes: either an inline command or a reference to
// a stored script. The interface is sealed; use NewPayload or the concrete
// types.
type Payload interface {
	isPayload()
	validate() error
}

// CommandPayload runs Command through the shell.
type CommandPayload struct {
	Command string
}

// ScriptPayload runs the stored script ScriptID.
type ScriptPayload struct {
	ScriptID int64
}

func (CommandPayload) isPayload() {}
func (ScriptPayload) isPayload()  {}

func (p CommandPayload) validate() error {
	if strings.TrimSpace(p.Command) == "" {
		return Validationf("command required")
	}
	if len(p.Command) > MaxCommandLength {
		return Validationf("command too long (%d > %d)", len(p.Command), MaxCommandLength)
	}
	return nil
}

func (p ScriptPayload) validate() error {
	if p.ScriptID <= 0 {
		return Validationf("script id required")
	}
	return nil
}

// NewPayload builds a payload from the two optional submission fields.
// Exactly one must be set.
func NewPayload(command string, scriptID int64) (Payload, error) {
	hasCmd := strings.TrimSpace(command) != ""
	hasScript := scriptID > 0
	switch {
	case hasCmd && hasScript:
		return nil, Validationf("set either command or script, not both")
	case hasCmd:
		p := CommandPayload{Command: command}
		return p, p.validate()
	case hasScript:
		return ScriptPayload{ScriptID: scriptID}, nil
	default:
		return nil, Validationf("command or script required")
	}
}

// InvalidExpression returns an error marked with both ErrInvalidExpression
// and ErrValidation.
func InvalidExpression(expr string) error {
	err := errors.Newf("invalid cron expression %q", expr)
	return errors.Mark(errors.Mark(err, ErrInvalidExpression), ErrValidation)
}
