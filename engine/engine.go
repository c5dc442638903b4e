package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwright/taskwright/internal/metrics"
	"github.com/taskwright/taskwright/internal/tmpfiles"
	"github.com/taskwright/taskwright/types"
	"github.com/taskwright/taskwright/workflow"
)

// Options configures an Engine run.
type Options struct {
	MaxWorkers     int
	RetryPoll      time.Duration
	SpillThreshold int
	DispatchRate   float64
	TerminateGrace time.Duration
	InterruptGrace time.Duration

	// StateDir holds lock files and recovery records.
	StateDir string
	// TempDir holds spilled task output; empty means the system default.
	TempDir string

	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// RunReport summarises a finished run for callers and the history store.
type RunReport struct {
	RunID     string
	Resumed   bool
	TasksRun  int
	Duration  time.Duration
	ExitCode  int
	Succeeded bool
}

// Engine owns the run lifecycle: the single-instance lock, crash recovery,
// signal handling, and the execution controller. One Engine runs one
// workflow at a time.
type Engine struct {
	opts     Options
	locks    *LockManager
	recovery *RecoveryManager
	backends map[string]Executor
	logger   *zap.Logger
}

// New creates an engine with the given options.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	shared := logger
	return &Engine{
		opts:     opts,
		locks:    NewLockManager(opts.StateDir, shared),
		recovery: NewRecoveryManager(opts.StateDir, shared),
		backends: make(map[string]Executor),
		logger:   shared.With(zap.String("component", "engine")),
	}
}

// RegisterExecutor adds a named dispatch backend alongside the built-in
// local one. Must be called before Run.
func (e *Engine) RegisterExecutor(name string, ex Executor) {
	e.backends[name] = ex
}

// Run executes the workflow from its first task. Exactly one run per
// workflow identity may be active; a second invocation fails with a lock
// conflict unless the holder is gone.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow) (*RunReport, error) {
	return e.execute(ctx, wf, false)
}

// Resume restores execution state from the recovery record for this
// workflow identity and continues after the last completed task, replaying
// its persisted routing decision. It refuses to resume when the task file
// changed since the record was written or when a remaining task depends on
// output the record does not carry.
func (e *Engine) Resume(ctx context.Context, wf *workflow.Workflow) (*RunReport, error) {
	return e.execute(ctx, wf, true)
}

func (e *Engine) execute(ctx context.Context, wf *workflow.Workflow, resume bool) (*RunReport, error) {
	identity := IdentityKey(wf.Path, wf.Globals)
	runID := uuid.NewString()
	started := time.Now()

	report := &RunReport{RunID: runID, Resumed: resume}
	fail := func(err error) (*RunReport, error) {
		report.Duration = time.Since(started)
		report.ExitCode = types.ExitCodeFor(err)
		return report, err
	}

	var state *workflow.ExecutionState
	start := wf.First()
	if resume {
		record := e.recovery.Load(identity)
		if record == nil {
			return fail(types.Errorf(types.ErrRecoveryStale,
				"no recovery record for %s", wf.Path))
		}
		if err := e.recovery.Validate(record, wf); err != nil {
			return fail(err)
		}
		resumeAt, err := ResumePoint(wf, record)
		if err != nil {
			return fail(err)
		}
		state = workflow.RestoreState(&record.StateSnapshot)
		report.RunID = state.RunID
		start = resumeAt
		e.logger.Info("resuming workflow",
			zap.String("run_id", state.RunID),
			zap.String("path", wf.Path),
			zap.Int("completed_tasks", state.Results.Len()),
			zap.Int("resume_at", resumeAt),
		)
	} else {
		state = workflow.NewExecutionState(runID, wf.Globals)
	}

	if err := e.locks.Acquire(identity, state.RunID); err != nil {
		return fail(err)
	}
	released := false
	release := func() {
		if !released {
			released = true
			e.locks.Release()
		}
	}
	defer release()

	if resume && start == workflow.NoTask {
		// The previous run had already reached its terminal transition.
		e.recovery.Clear(identity)
		e.logger.Info("nothing to resume, workflow already complete",
			zap.String("path", wf.Path))
		report.Succeeded = true
		report.TasksRun = 0
		report.Duration = time.Since(started)
		return report, nil
	}

	tmp := tmpfiles.NewRegistry(e.opts.TempDir, e.logger)
	if resume {
		// Spill files referenced by restored results belong to this run
		// again; re-register them so clean completion sweeps them.
		seen := make(map[int]bool)
		for _, id := range state.Results.Path() {
			if seen[id] {
				continue
			}
			seen[id] = true
			if res, ok := state.Results.Get(id); ok {
				if res.StdoutFile != "" {
					tmp.Track(res.StdoutFile)
				}
				if res.StderrFile != "" {
					tmp.Track(res.StderrFile)
				}
			}
		}
	}
	shutdown := NewShutdown()
	signals := NewSignalController(shutdown, e.opts.TerminateGrace, e.opts.InterruptGrace, func() {
		// Forced exit path: the process is about to die, leave no lock behind.
		release()
		tmp.Sweep()
	}, e.logger)
	signals.Start()
	defer signals.Stop()

	registry := NewRegistry(NewLocalExecutor(shutdown, e.opts.Logger))
	for name, ex := range e.backends {
		registry.Register(name, ex)
	}

	before := len(state.Results.Path())
	controller := NewController(wf, state, ControllerConfig{
		MaxWorkers:     e.opts.MaxWorkers,
		SpillThreshold: e.opts.SpillThreshold,
		DispatchRate:   e.opts.DispatchRate,
	}, ControllerDeps{
		Registry: registry,
		Retry:    NewRetryManager(e.opts.RetryPoll, e.logger),
		Shutdown: shutdown,
		Metrics:  e.opts.Metrics,
		Tmp:      tmp,
		Logger:   e.opts.Logger,
	})

	e.logger.Info("workflow starting",
		zap.String("run_id", state.RunID),
		zap.String("path", wf.Path),
		zap.Int("tasks", wf.Len()),
		zap.Int("first_task", start),
		zap.Bool("resumed", resume),
	)
	runErr := controller.Run(ctx, start)

	report.TasksRun = len(state.Results.Path()) - before
	report.Duration = time.Since(started)

	if runErr == nil {
		e.recovery.Clear(identity)
		tmp.Sweep()
		report.Succeeded = true
		report.ExitCode = types.ExitSuccess
		e.observeRun("succeeded", report.Duration)
		e.logger.Info("workflow completed",
			zap.String("run_id", state.RunID),
			zap.Int("tasks_run", report.TasksRun),
			zap.Duration("elapsed", report.Duration),
		)
		return report, nil
	}

	// A run that completed at least one task leaves a recovery record so it
	// can be resumed. Spilled output stays on disk because the record's
	// results reference it.
	if state.Results.Len() > 0 {
		if err := e.recovery.Save(identity, state.Snapshot(), wf.Fingerprint); err != nil {
			e.logger.Error("failed to persist recovery record", zap.Error(err))
		}
	} else {
		tmp.Sweep()
	}

	report.ExitCode = types.ExitCodeFor(runErr)
	if types.IsCode(runErr, types.ErrInterrupted) && shutdown.Requested() {
		report.ExitCode = types.ExitFromSignal(shutdown.Signal())
		e.observeRun("interrupted", report.Duration)
		e.logger.Warn("workflow interrupted",
			zap.String("run_id", state.RunID),
			zap.String("signal", shutdown.Signal().String()),
			zap.Int("tasks_run", report.TasksRun),
		)
	} else {
		e.observeRun("failed", report.Duration)
		e.logger.Error("workflow failed",
			zap.String("run_id", state.RunID),
			zap.Error(runErr),
		)
	}
	return report, runErr
}

func (e *Engine) observeRun(status string, d time.Duration) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordRun(status, d)
	}
}
