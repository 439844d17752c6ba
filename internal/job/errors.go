package job

import "github.com/cockroachdb/errors"

// Error kinds. Concrete errors are marked with one of these so callers can
// classify them with errors.Is while the message keeps the detail.
var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrForbidden         = errors.New("command contains forbidden operations")
	ErrNotFound          = errors.New("not found")
	ErrScriptNotFound    = errors.New("script not found")
	ErrWorkspace         = errors.New("workspace error")
	ErrSpawn             = errors.New("process spawn failed")
	ErrPersistence       = errors.New("persistence error")

	// ErrPausedSkip is not a failure: the job was paused (or deleted) when
	// the execution attempt re-read it.
	ErrPausedSkip = errors.New("job paused; execution skipped")
)

// Validationf returns a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// Persistence wraps a storage error and marks it as ErrPersistence.
func Persistence(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrPersistence)
}
