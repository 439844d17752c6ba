// Package runner spawns one child process with a wall-clock bound and
// captures its output.
//
// A started Process resolves exactly once into a Result; callers wait on
// Done() or Wait() instead of registering callbacks. Children are placed in
// their own process group so timeouts and Terminate reach anything the
// payload forked.
package runner

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"cronosphere/internal/job"
)

const (
	DefaultKillGrace = 5 * time.Second
	DefaultMaxOutput = 1 << 20
)

// Spec describes one process to run.
type Spec struct {
	Path string
	Args []string
	Dir  string

	// Env is added on top of the parent environment.
	Env map[string]string

	// Timeout of 0 means unbounded.
	Timeout time.Duration
	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// MaxOutput caps each of stdout and stderr in bytes.
	MaxOutput int
}

// Result is the outcome of a finished process.
type Result struct {
	PID      int
	ExitCode int    // -1 when killed by a signal or never started
	Signal   string // terminating signal, if any
	Output   string // stdout followed by stderr, trimmed
	Duration time.Duration

	TimedOut   bool
	Terminated bool // Terminate() or context cancellation
	Err        error
}

// Success reports a clean zero exit.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0 && r.Signal == "" && !r.TimedOut
}

// Process is a running child. Safe for concurrent use.
type Process struct {
	cmd   *exec.Cmd
	spec  Spec
	start time.Time

	stdout *cappedBuffer
	stderr *cappedBuffer

	done       chan struct{}
	res        Result
	timedOut   atomic.Bool
	terminated atomic.Bool
	killOnce   sync.Once
	timer      *time.Timer
}

// Start spawns the process described by spec. The returned Process is
// already running; the context only bounds its lifetime (cancellation
// terminates it like Terminate).
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return nil, errors.Mark(errors.New("executable required"), job.ErrSpawn)
	}
	if spec.KillGrace <= 0 {
		spec.KillGrace = DefaultKillGrace
	}
	if spec.MaxOutput <= 0 {
		spec.MaxOutput = DefaultMaxOutput
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	setProcessGroup(cmd)
	// Pipes held open by orphaned grandchildren must not block Wait forever.
	cmd.WaitDelay = spec.KillGrace

	p := &Process{
		cmd:    cmd,
		spec:   spec,
		stdout: newCappedBuffer(spec.MaxOutput),
		stderr: newCappedBuffer(spec.MaxOutput),
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "start %s", spec.Path), job.ErrSpawn)
	}
	p.start = time.Now()

	if spec.Timeout > 0 {
		p.timer = time.AfterFunc(spec.Timeout, func() {
			p.timedOut.Store(true)
			p.kill()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				p.Terminate()
			case <-p.done:
			}
		}()
	}

	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if p.timer != nil {
		p.timer.Stop()
	}

	res := Result{
		PID:        p.cmd.Process.Pid,
		ExitCode:   -1,
		Duration:   time.Since(p.start),
		TimedOut:   p.timedOut.Load(),
		Terminated: p.terminated.Load(),
		Output:     combineOutput(p.stdout.String(), p.stderr.String()),
	}
	if ps := p.cmd.ProcessState; ps != nil {
		res.ExitCode = ps.ExitCode()
		res.Signal = signalName(ps)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		// Non-zero exit or signal; captured in ExitCode/Signal.
	case errors.Is(err, exec.ErrWaitDelay):
		// Process exited but a descendant kept the pipes open.
	default:
		res.Err = err
	}
	p.res = res
	close(p.done)
}

// PID returns the child's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time { return p.start }

// Done is closed once the process has exited and the Result is available.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits.
func (p *Process) Wait() Result {
	<-p.done
	return p.res
}

// Terminate asks the process group to stop (SIGTERM, then SIGKILL after the
// grace period). It does not wait for the exit.
func (p *Process) Terminate() {
	select {
	case <-p.done:
		return
	default:
	}
	p.terminated.Store(true)
	p.kill()
}

func (p *Process) kill() {
	p.killOnce.Do(func() {
		_ = signalGroup(p.cmd, syscall.SIGTERM)
		go func() {
			t := time.NewTimer(p.spec.KillGrace)
			defer t.Stop()
			select {
			case <-p.done:
			case <-t.C:
				_ = signalGroup(p.cmd, syscall.SIGKILL)
			}
		}()
	})
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, override := extra[k]; override {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func combineOutput(stdout, stderr string) string {
	return strings.TrimSpace(stdout + stderr)
}
