package eventbus

import "time"

// Run lifecycle event types.
const (
	RunStarted  = "run.started"
	RunFinished = "run.finished"
	RunSkipped  = "run.skipped"
	RunRejected = "run.rejected" // finalized as error without spawning
)

// RunEvent is the Data of every run.* event.
type RunEvent struct {
	JobID    int64
	RunID    int64
	Owner    int64
	Trigger  string
	Status   string
	Output   string
	Duration time.Duration
	TimedOut bool
	Reason   string
}

// WaitRun blocks until a finished or rejected event for runID arrives on ch,
// or until done is closed.
func WaitRun(ch <-chan Event, runID int64, done <-chan struct{}) (RunEvent, bool) {
	for {
		select {
		case <-done:
			return RunEvent{}, false
		case e, ok := <-ch:
			if !ok {
				return RunEvent{}, false
			}
			if e.Type != RunFinished && e.Type != RunRejected {
				continue
			}
			re, ok := e.Data.(RunEvent)
			if ok && re.RunID == runID {
				return re, true
			}
		}
	}
}
