package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskwright/taskwright/types"
)

// Dispatch is the resolved unit of work handed to an executor: all template
// tokens are substituted before dispatch.
type Dispatch struct {
	TaskID  int
	Target  string
	Command string
	Args    []string
	Timeout time.Duration
}

// DispatchResult is the raw outcome of one dispatch attempt, before the
// success predicate is applied.
type DispatchResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Executor is the dispatch contract. The engine is agnostic to how the
// target is reached: a local process or a named remote backend resolved by
// the registry.
type Executor interface {
	Run(ctx context.Context, d Dispatch) (*DispatchResult, error)
}

// Registry resolves execution targets to backends. The empty target and
// "local" resolve to the local executor.
type Registry struct {
	mu       sync.RWMutex
	local    Executor
	backends map[string]Executor
}

// NewRegistry creates a registry with the given local executor.
func NewRegistry(local Executor) *Registry {
	return &Registry{
		local:    local,
		backends: make(map[string]Executor),
	}
}

// Register adds a named remote-execution backend.
func (r *Registry) Register(name string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = ex
}

// Resolve returns the executor for a resolved target name.
func (r *Registry) Resolve(target string) (Executor, error) {
	if target == "" || target == "local" {
		return r.local, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ex, ok := r.backends[target]; ok {
		return ex, nil
	}
	return nil, types.Errorf(types.ErrValidation, "unknown execution target %q", target)
}

// LocalExecutor dispatches commands as local subprocesses. Timeouts kill the
// process and yield the reserved timeout exit code; a shutdown request asks
// the process to terminate and escalates to SIGKILL after the grace period.
type LocalExecutor struct {
	shutdown *Shutdown
	logger   *zap.Logger
}

// NewLocalExecutor creates a local executor observing the given shutdown flag.
func NewLocalExecutor(shutdown *Shutdown, logger *zap.Logger) *LocalExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalExecutor{
		shutdown: shutdown,
		logger:   logger.With(zap.String("component", "local_executor")),
	}
}

// Run executes the dispatch and always returns a result for a started
// process; only failures to start surface as a result with exit code 127.
func (e *LocalExecutor) Run(ctx context.Context, d Dispatch) (*DispatchResult, error) {
	cmd := exec.Command(d.Command, d.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group: timeout and shutdown kills must reach children of
	// a spawned shell, not just the shell itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &DispatchResult{
			ExitCode: 127,
			Stderr:   fmt.Sprintf("start failed: %v", err),
			Duration: time.Since(start),
		}, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if d.Timeout > 0 {
		timer := time.NewTimer(d.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var timedOut bool
	select {
	case <-done:
	case <-timeoutCh:
		timedOut = true
		e.logger.Warn("task timed out, killing process",
			zap.Int("task_id", d.TaskID),
			zap.Duration("timeout", d.Timeout),
		)
		signalGroup(cmd, syscall.SIGKILL)
		<-done
	case <-e.shutdownCh():
		e.terminate(cmd, done, d.TaskID)
	case <-ctx.Done():
		e.terminate(cmd, done, d.TaskID)
	}

	res := &DispatchResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	res.ExitCode = exitCodeOf(cmd)
	if timedOut {
		res.ExitCode = types.TimeoutExitCode
	}
	return res, nil
}

func (e *LocalExecutor) shutdownCh() <-chan struct{} {
	if e.shutdown == nil {
		return nil
	}
	return e.shutdown.Done()
}

// terminate asks the process to stop and escalates to SIGKILL after the
// grace period, then waits for the process to settle.
func (e *LocalExecutor) terminate(cmd *exec.Cmd, done <-chan error, taskID int) {
	grace := 5 * time.Second
	if e.shutdown != nil && e.shutdown.Requested() {
		grace = e.shutdown.Grace()
	}
	e.logger.Warn("asking in-flight process to terminate",
		zap.Int("task_id", taskID),
		zap.Duration("grace", grace),
	)
	signalGroup(cmd, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("grace period elapsed, killing process group", zap.Int("task_id", taskID))
		signalGroup(cmd, syscall.SIGKILL)
		<-done
	}
}

// signalGroup delivers sig to the dispatch's whole process group, falling
// back to the direct child when the group is gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// exitCodeOf extracts the exit status, mapping signal-terminated processes
// to the 128+signo convention.
func exitCodeOf(cmd *exec.Cmd) int {
	ps := cmd.ProcessState
	if ps == nil {
		return 1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	code := ps.ExitCode()
	if code < 0 {
		return 1
	}
	return code
}
