// Package task runs workspace commands for task.run and task.test.
//
// Every invocation is an explicit state machine (see state.go) driven by the
// spawn result, process exit, the task deadline and request cancellation.
// Output is captured into bounded tail buffers.
package task

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/lydakis/cws/internal/protocol"
	"github.com/lydakis/cws/internal/sandbox"
)

// waitDelay bounds how long Wait keeps draining pipes after the process is
// gone, in case a detached grandchild still holds them open.
const waitDelay = 2 * time.Second

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("task executor is shut down")

// Spec describes one invocation. Dir must already be sandbox-resolved and
// Timeout must be positive.
type Spec struct {
	Command string
	Args    []string
	Dir     sandbox.Path
	Timeout time.Duration
}

// Record is the task execution record returned to the client.
type Record struct {
	ID              string    `json:"taskId"`
	Command         string    `json:"command"`
	Args            []string  `json:"args"`
	Cwd             string    `json:"cwd"`
	State           State     `json:"state"`
	ExitCode        *int      `json:"exitCode"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	StdoutTruncated bool      `json:"stdoutTruncated"`
	StderrTruncated bool      `json:"stderrTruncated"`
	StartedAt       time.Time `json:"startedAt"`
	DurationMs      int64     `json:"durationMs"`
}

// Executor starts tasks and tracks the ones still running.
type Executor struct {
	root      *sandbox.Root
	maxOutput int
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewExecutor creates an Executor. maxOutput caps each captured stream.
func NewExecutor(root *sandbox.Root, maxOutput int, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		root:      root,
		maxOutput: maxOutput,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
	}
}

// Running returns the number of tasks in flight.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Close kills every running task and waits for them to be reaped. Later
// calls to Run fail with ErrClosed.
func (e *Executor) Close() {
	e.mu.Lock()
	e.closed = true
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Run executes spec to completion. A natural exit, whatever its code, is
// a successful result. TimedOut, Killed and SpawnError are returned as a
// *protocol.Error whose data carries the partial record.
func (e *Executor) Run(ctx context.Context, spec Spec) (*Record, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := uuid.NewString()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.running[id] = cancel
	e.wg.Add(1)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
		e.wg.Done()
	}()

	x := &execution{
		rec: &Record{
			ID:      id,
			Command: spec.Command,
			Args:    append([]string{}, spec.Args...),
			Cwd:     spec.Dir.Rel(),
			State:   Pending,
		},
		stdout: newTailBuffer(e.maxOutput),
		stderr: newTailBuffer(e.maxOutput),
		logger: e.logger.With(zap.String("task", id)),
	}
	return x.run(ctx, e.root, spec)
}

type execution struct {
	rec    *Record
	stdout *tailBuffer
	stderr *tailBuffer
	logger *zap.Logger
	start  time.Time
}

func (x *execution) fire(ev event) bool {
	to, moved := next(x.rec.State, ev)
	if moved {
		x.logger.Debug("task transition",
			zap.String("from", string(x.rec.State)),
			zap.String("to", string(to)),
			zap.Stringer("event", ev))
		x.rec.State = to
	}
	return moved
}

func (x *execution) run(ctx context.Context, root *sandbox.Root, spec Spec) (*Record, error) {
	dir, err := root.Reverify(spec.Dir)
	if err != nil {
		return nil, err
	}
	path, err := resolveCommand(root, spec.Command)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = dir.Abs()
	cmd.Stdout = x.stdout
	cmd.Stderr = x.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	x.start = time.Now()
	x.rec.StartedAt = x.start.UTC()
	if err := cmd.Start(); err != nil {
		x.fire(evSpawnFailed)
		x.finish()
		x.logger.Info("task spawn failed", zap.String("command", spec.Command), zap.Error(err))
		return nil, protocol.NewError(protocol.SpawnError, "starting %s: %s", spec.Command, spawnReason(err)).
			WithData("task", x.rec)
	}
	x.fire(evSpawned)
	x.logger.Debug("task started", zap.String("command", spec.Command), zap.Int("pid", cmd.Process.Pid))

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-exited:
		x.fire(evExited)
	case <-timer.C:
		x.fire(evDeadline)
		killGroup(cmd)
		waitErr = <-exited
	case <-ctx.Done():
		x.fire(evCanceled)
		killGroup(cmd)
		waitErr = <-exited
	}

	if code := exitCode(cmd, waitErr); code != nil && x.rec.State == Exited {
		x.rec.ExitCode = code
	}
	x.finish()

	switch x.rec.State {
	case Exited:
		// ExitCode stays nil when an outside signal ended the process.
		x.logger.Debug("task exited", zap.Error(waitErr), zap.Int64("duration_ms", x.rec.DurationMs))
		return x.rec, nil
	case TimedOut:
		x.logger.Warn("task timed out", zap.String("command", spec.Command), zap.Duration("timeout", spec.Timeout))
		return nil, protocol.NewError(protocol.TimedOut, "task exceeded its %d ms timeout and was killed", spec.Timeout.Milliseconds()).
			WithData("task", x.rec)
	default:
		x.logger.Info("task killed", zap.String("command", spec.Command), zap.Error(ctx.Err()))
		if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
			return nil, protocol.NewError(protocol.TimedOut, "task killed: request deadline exceeded").
				WithData("task", x.rec)
		}
		return nil, protocol.NewError(protocol.InternalError, "task killed: %v", context.Cause(ctx)).
			WithData("task", x.rec)
	}
}

func (x *execution) finish() {
	if !x.start.IsZero() {
		x.rec.DurationMs = time.Since(x.start).Milliseconds()
	}
	x.rec.Stdout = x.stdout.String()
	x.rec.Stderr = x.stderr.String()
	x.rec.StdoutTruncated = x.stdout.Truncated()
	x.rec.StderrTruncated = x.stderr.Truncated()
}

// resolveCommand maps a relative command with a path separator onto the
// workspace. Bare names are looked up on PATH by exec; absolute paths run
// as given.
func resolveCommand(root *sandbox.Root, command string) (string, error) {
	if !strings.Contains(command, "/") || filepath.IsAbs(command) {
		return command, nil
	}
	p, err := root.Resolve(command)
	if err != nil {
		return "", err
	}
	return p.Abs(), nil
}

// killGroup kills the task's whole process group, falling back to the
// process itself.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) *int {
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		code := 0
		return &code
	case errors.As(waitErr, &exitErr):
		code := exitErr.ExitCode()
		if code < 0 {
			return nil
		}
		return &code
	case errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		code := cmd.ProcessState.ExitCode()
		return &code
	default:
		return nil
	}
}

// spawnReason describes a start failure without host paths.
func spawnReason(err error) string {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return "executable not found in PATH"
	case errors.Is(err, syscall.ENOENT):
		return "no such file or directory"
	case errors.Is(err, syscall.EACCES):
		return "permission denied"
	case errors.Is(err, syscall.ENOEXEC):
		return "exec format error"
	default:
		return "spawn failed"
	}
}
