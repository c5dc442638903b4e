package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/taskwright/taskwright/internal/metrics"
	"github.com/taskwright/taskwright/internal/tmpfiles"
	"github.com/taskwright/taskwright/types"
	"github.com/taskwright/taskwright/workflow"
)

// ControllerConfig tunes the interpreter.
type ControllerConfig struct {
	// MaxWorkers bounds the parallel block worker pool, further capped by
	// the pool's hard ceiling.
	MaxWorkers int
	// SpillThreshold is the output size in bytes above which stdout/stderr
	// move to temporary files. Zero disables spilling.
	SpillThreshold int
	// DispatchRate limits parallel member dispatches per second.
	// Zero means unlimited.
	DispatchRate float64
}

// ControllerDeps carries the collaborators of the controller.
type ControllerDeps struct {
	Registry *Registry
	Retry    *RetryManager
	Shutdown *Shutdown
	Metrics  *metrics.Collector
	Tmp      *tmpfiles.Registry
	Logger   *zap.Logger
}

// Controller interprets the task graph: the sequential driver, conditional
// and loop handling, routing decisions, and retry integration. Parallel
// blocks are delegated to the Coordinator, which feeds results back through
// the same state.
type Controller struct {
	wf       *workflow.Workflow
	state    *workflow.ExecutionState
	resolver *workflow.Resolver
	registry *Registry
	retry    *RetryManager
	shutdown *Shutdown
	metrics  *metrics.Collector
	tmp      *tmpfiles.Registry
	coord    *Coordinator
	cfg      ControllerConfig
	logger   *zap.Logger
}

// NewController creates a controller over the given workflow and state.
func NewController(wf *workflow.Workflow, state *workflow.ExecutionState, cfg ControllerConfig, deps ControllerDeps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		wf:       wf,
		state:    state,
		resolver: workflow.NewResolver(logger),
		registry: deps.Registry,
		retry:    deps.Retry,
		shutdown: deps.Shutdown,
		metrics:  deps.Metrics,
		tmp:      deps.Tmp,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "controller")),
	}
	c.coord = NewCoordinator(c, state, cfg, deps)
	return c
}

// Run interprets the graph starting at the given task id until a terminal
// transition, a workflow-terminating failure, or a shutdown request.
func (c *Controller) Run(ctx context.Context, start int) error {
	cur := start
	for cur != workflow.NoTask {
		if c.shutdown.Requested() {
			return types.Errorf(types.ErrInterrupted,
				"shutdown requested by %s", c.shutdown.Signal())
		}
		if err := ctx.Err(); err != nil {
			return types.NewError(types.ErrInterrupted, "run context cancelled").WithCause(err)
		}
		t, ok := c.wf.Task(cur)
		if !ok {
			return types.Errorf(types.ErrValidation, "routing reached non-existent task %d", cur)
		}

		// A replayed routing decision can land inside a conditional branch.
		// The member must finish the branch as a subpath, not run top-level
		// where implicit routing would cross into the other branch.
		if coord, ok := c.wf.BranchOf(cur); ok {
			next, err := c.resumeBranch(ctx, coord, cur)
			if err != nil {
				return err
			}
			cur = next
			continue
		}

		next, err := c.step(ctx, t)
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// step executes one task (or block) and returns the next task id. Exactly
// one interpreter case per block kind.
func (c *Controller) step(ctx context.Context, t *workflow.Task) (int, error) {
	c.logger.Debug("interpreting task",
		zap.Int("task_id", t.ID),
		zap.String("kind", t.Kind.String()),
	)
	switch t.Kind {
	case workflow.BlockSequential:
		return c.stepSequential(ctx, t)
	case workflow.BlockConditional:
		return c.stepConditional(ctx, t)
	case workflow.BlockLoop:
		return c.stepLoop(ctx, t)
	case workflow.BlockParallel:
		return c.stepParallel(ctx, t)
	default:
		return workflow.NoTask, types.Errorf(types.ErrValidation, "task %d: unknown block kind", t.ID)
	}
}

func (c *Controller) stepSequential(ctx context.Context, t *workflow.Task) (int, error) {
	res, err := c.RunTask(ctx, t)
	if err != nil {
		return workflow.NoTask, err
	}
	c.state.Results.Record(res)

	decision, routeErr := c.route(t, res.Success)
	c.state.SetRouting(decision)
	if routeErr != nil {
		return workflow.NoTask, routeErr
	}
	return decision.NextID, nil
}

// stepConditional evaluates the branch expression against already-completed
// results, records the chosen branch in routing state before any downstream
// task starts, runs the branch subpath, and resumes at the continuation id.
func (c *Controller) stepConditional(ctx context.Context, t *workflow.Task) (int, error) {
	start := time.Now()
	expr, ok := c.resolver.Resolve(t.Condition, c.state.Globals, c.state.Results)
	if !ok {
		return workflow.NoTask, c.unresolvedErr(t, "condition", t.Condition)
	}
	truth, err := workflow.EvalCondition(expr)
	if err != nil {
		return workflow.NoTask, types.Errorf(types.ErrValidation,
			"task %d: condition %q: %v", t.ID, expr, err).WithTask(t.ID)
	}

	branch := t.IfFalse
	branchName := "false"
	if truth {
		branch = t.IfTrue
		branchName = "true"
	}
	c.logger.Info("conditional branch selected",
		zap.Int("task_id", t.ID),
		zap.String("branch", branchName),
		zap.Ints("subpath", branch),
	)

	decision := workflow.RoutingDecision{
		TaskID: t.ID,
		NextID: t.ContinueAt,
		Via:    workflow.ViaContinue,
		Branch: branchName,
	}
	if len(branch) > 0 {
		decision.NextID = branch[0]
	}

	// The coordinator reaches its terminal state at branch selection; the
	// decision is persisted before the subpath begins.
	c.state.Results.Record(&workflow.TaskResult{
		TaskID:   t.ID,
		Success:  true,
		Attempts: 1,
		Duration: time.Since(start),
	})
	c.state.SetRouting(decision)

	for i, id := range branch {
		nextID := t.ContinueAt
		if i+1 < len(branch) {
			nextID = branch[i+1]
		}
		if err := c.runInline(ctx, id, nextID, id); err != nil {
			return workflow.NoTask, err
		}
	}
	return t.ContinueAt, nil
}

// resumeBranch re-enters a conditional branch at the given member and runs
// the remaining members as a subpath, then continues at the coordinator's
// continuation. The branch recorded with the coordinator's decision wins
// when the member appears in both lists.
func (c *Controller) resumeBranch(ctx context.Context, coord *workflow.Task, member int) (int, error) {
	branch := coord.IfTrue
	if !containsID(branch, member) {
		branch = coord.IfFalse
	}
	if d, ok := c.state.Routing(coord.ID); ok {
		switch {
		case d.Branch == "true" && containsID(coord.IfTrue, member):
			branch = coord.IfTrue
		case d.Branch == "false" && containsID(coord.IfFalse, member):
			branch = coord.IfFalse
		}
	}

	idx := -1
	for i, id := range branch {
		if id == member {
			idx = i
			break
		}
	}
	if idx < 0 {
		return workflow.NoTask, types.Errorf(types.ErrValidation,
			"task %d is not a member of conditional %d's branch", member, coord.ID)
	}

	c.logger.Info("re-entering conditional branch",
		zap.Int("coordinator", coord.ID),
		zap.Int("member", member),
	)
	for i := idx; i < len(branch); i++ {
		nextID := coord.ContinueAt
		if i+1 < len(branch) {
			nextID = branch[i+1]
		}
		if err := c.runInline(ctx, branch[i], nextID, branch[i]); err != nil {
			return workflow.NoTask, err
		}
	}
	return coord.ContinueAt, nil
}

func containsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// stepLoop re-runs the body until the counter reaches its bound or the stop
// condition holds, persisting the counter after every iteration. A resumed
// run re-enters here with the restored counter.
func (c *Controller) stepLoop(ctx context.Context, t *workflow.Task) (int, error) {
	start := time.Now()
	count := c.state.LoopCount(t.ID)
	for {
		if t.LoopMax > 0 && count >= t.LoopMax {
			break
		}
		if c.shutdown.Requested() {
			return workflow.NoTask, types.Errorf(types.ErrInterrupted,
				"shutdown requested by %s", c.shutdown.Signal())
		}

		c.logger.Debug("loop iteration",
			zap.Int("task_id", t.ID),
			zap.Int("iteration", count+1),
		)
		for _, id := range t.Members {
			// Body members route back to the coordinator so a resumed run
			// re-enters the loop with its restored counter.
			if err := c.runInline(ctx, id, t.ID, t.ID); err != nil {
				return workflow.NoTask, err
			}
		}
		count++
		c.state.SetLoop(t.ID, count)

		if t.LoopUntil != "" {
			expr, ok := c.resolver.Resolve(t.LoopUntil, c.state.Globals, c.state.Results)
			if !ok {
				return workflow.NoTask, c.unresolvedErr(t, "loop_until", t.LoopUntil)
			}
			stop, err := workflow.EvalCondition(expr)
			if err != nil {
				return workflow.NoTask, types.Errorf(types.ErrValidation,
					"task %d: loop_until %q: %v", t.ID, expr, err).WithTask(t.ID)
			}
			if stop {
				break
			}
		}
	}

	c.logger.Info("loop completed",
		zap.Int("task_id", t.ID),
		zap.Int("iterations", count),
	)
	c.state.Results.Record(&workflow.TaskResult{
		TaskID:   t.ID,
		Success:  true,
		Attempts: 1,
		Duration: time.Since(start),
	})
	decision, routeErr := c.route(t, true)
	c.state.SetRouting(decision)
	if routeErr != nil {
		return workflow.NoTask, routeErr
	}
	return decision.NextID, nil
}

// stepParallel delegates to the coordinator and records the aggregate
// outcome and chosen route before continuing.
func (c *Controller) stepParallel(ctx context.Context, t *workflow.Task) (int, error) {
	start := time.Now()
	agg, err := c.coord.Run(ctx, c.wf, t)
	if err != nil {
		return workflow.NoTask, err
	}

	exit := 0
	if !agg.Success {
		exit = 1
	}
	c.state.Results.Record(&workflow.TaskResult{
		TaskID:   t.ID,
		ExitCode: exit,
		Success:  agg.Success,
		Attempts: 1,
		Duration: time.Since(start),
	})

	decision, routeErr := c.route(t, agg.Success)
	c.state.SetRouting(decision)
	if routeErr != nil {
		return workflow.NoTask, routeErr
	}
	return decision.NextID, nil
}

// runInline executes one subpath member to a terminal state. Member routing
// fields are not followed inside a subpath; the recorded decision points at
// the statically known successor so recovery can replay it. A member failure
// terminates the workflow unsuccessfully with a halt decision pointing at
// haltID, the task a resumed run re-attempts (the member itself inside a
// conditional branch, the coordinator for a loop body).
func (c *Controller) runInline(ctx context.Context, id, nextID, haltID int) error {
	if c.shutdown.Requested() {
		return types.Errorf(types.ErrInterrupted, "shutdown requested by %s", c.shutdown.Signal())
	}
	t, ok := c.wf.Task(id)
	if !ok {
		return types.Errorf(types.ErrValidation, "subpath references non-existent task %d", id)
	}

	switch t.Kind {
	case workflow.BlockSequential:
		res, err := c.RunTask(ctx, t)
		if err != nil {
			return err
		}
		c.state.Results.Record(res)
		if !res.Success {
			c.state.SetRouting(workflow.RoutingDecision{
				TaskID: t.ID, NextID: haltID, Via: workflow.ViaHalt,
			})
			return types.Errorf(types.ErrExecution, "task %d failed in subpath", t.ID).WithTask(t.ID)
		}
		c.state.SetRouting(workflow.RoutingDecision{
			TaskID: t.ID, NextID: nextID, Via: workflow.ViaSubpath,
		})
		return nil

	case workflow.BlockParallel:
		agg, err := c.coord.Run(ctx, c.wf, t)
		if err != nil {
			return err
		}
		exit := 0
		if !agg.Success {
			exit = 1
		}
		c.state.Results.Record(&workflow.TaskResult{
			TaskID: t.ID, ExitCode: exit, Success: agg.Success, Attempts: 1,
		})
		if !agg.Success {
			c.state.SetRouting(workflow.RoutingDecision{
				TaskID: t.ID, NextID: haltID, Via: workflow.ViaHalt,
			})
			return types.Errorf(types.ErrExecution, "parallel block %d failed in subpath", t.ID).WithTask(t.ID)
		}
		c.state.SetRouting(workflow.RoutingDecision{
			TaskID: t.ID, NextID: nextID, Via: workflow.ViaSubpath,
		})
		return nil

	default:
		return types.Errorf(types.ErrValidation,
			"task %d: %s blocks cannot nest inside subpaths", t.ID, t.Kind)
	}
}

// RunTask dispatches one task with retry and timeout policy and returns its
// final result. Unresolved required fields are fatal validation errors; an
// ordinary failure always comes back as a result, never an error.
func (c *Controller) RunTask(ctx context.Context, t *workflow.Task) (*workflow.TaskResult, error) {
	command, ok := c.resolver.Resolve(t.Command, c.state.Globals, c.state.Results)
	if !ok {
		return nil, c.unresolvedErr(t, "command", t.Command)
	}
	argStr, ok := c.resolver.Resolve(t.Arguments, c.state.Globals, c.state.Results)
	if !ok {
		return nil, c.unresolvedErr(t, "arguments", t.Arguments)
	}
	args, err := shellquote.Split(argStr)
	if err != nil {
		return nil, types.Errorf(types.ErrValidation,
			"task %d: arguments %q: %v", t.ID, argStr, err).WithTask(t.ID)
	}
	target, ok := c.resolver.Resolve(t.Target, c.state.Globals, c.state.Results)
	if !ok {
		return nil, c.unresolvedErr(t, "target", t.Target)
	}
	executor, err := c.registry.Resolve(target)
	if err != nil {
		return nil, err
	}

	c.logger.Info("dispatching task",
		zap.Int("task_id", t.ID),
		zap.String("command", command),
		zap.String("target", target),
	)

	for attempt := 1; ; attempt++ {
		dres, derr := executor.Run(ctx, Dispatch{
			TaskID:  t.ID,
			Target:  target,
			Command: command,
			Args:    args,
			Timeout: t.Timeout,
		})
		if derr != nil {
			// Backend faults count as failed attempts, not engine errors.
			dres = &DispatchResult{ExitCode: 1, Stderr: derr.Error()}
		}

		success := c.evalSuccess(t, dres)
		c.observeAttempt(t, target, dres, success)

		if !success && !c.shutdown.Requested() {
			if retry, delay := c.retry.Decide(attempt, t.Retry); retry {
				if c.metrics != nil {
					c.metrics.RecordRetry()
				}
				c.logger.Warn("task failed, retrying",
					zap.Int("task_id", t.ID),
					zap.Int("attempt", attempt),
					zap.Int("exit_code", dres.ExitCode),
					zap.Duration("delay", delay),
				)
				if err := c.retry.Wait(ctx, delay, c.shutdown); err == nil {
					continue
				}
			}
		}
		if !success && c.shutdown.Requested() {
			// The attempt ended under a termination request: the process was
			// (or is being) terminated, not failed. No result is recorded, so
			// the execution path keeps only completed tasks and a resumed run
			// re-attempts this one.
			return nil, types.Errorf(types.ErrInterrupted,
				"task %d interrupted by %s", t.ID, c.shutdown.Signal()).WithTask(t.ID)
		}

		res := &workflow.TaskResult{
			TaskID:   t.ID,
			ExitCode: dres.ExitCode,
			Stdout:   dres.Stdout,
			Stderr:   dres.Stderr,
			Success:  success,
			TimedOut: dres.TimedOut,
			Duration: dres.Duration,
			Attempts: attempt,
		}
		if err := c.spill(res); err != nil {
			return nil, err
		}
		return res, nil
	}
}

// evalSuccess applies the task's success predicate. The default predicate is
// exit code 0; a custom expression sees prior results plus the reserved
// names exit, stdout and stderr for the current attempt. A predicate that
// cannot be resolved or parsed fails the attempt rather than the run.
func (c *Controller) evalSuccess(t *workflow.Task, dres *DispatchResult) bool {
	if dres.TimedOut {
		return false
	}
	if t.Success == "" {
		return dres.ExitCode == 0
	}

	overlay := make(map[string]string, len(c.state.Globals)+3)
	for k, v := range c.state.Globals {
		overlay[k] = v
	}
	overlay["exit"] = strconv.Itoa(dres.ExitCode)
	overlay["stdout"] = strings.TrimSpace(dres.Stdout)
	overlay["stderr"] = strings.TrimSpace(dres.Stderr)

	expr, ok := c.resolver.Resolve(t.Success, overlay, c.state.Results)
	if !ok {
		c.logger.Warn("success predicate not fully resolved, treating as failed",
			zap.Int("task_id", t.ID),
			zap.String("predicate", t.Success),
		)
		return false
	}
	truth, err := workflow.EvalCondition(expr)
	if err != nil {
		c.logger.Warn("success predicate evaluation failed, treating as failed",
			zap.Int("task_id", t.ID),
			zap.String("predicate", expr),
			zap.Error(err),
		)
		return false
	}
	return truth
}

// route implements the next-task decision ladder. Ordinary failure resolves
// to a routing decision; only a failure with no route terminates the
// workflow unsuccessfully, recorded so a resumed run re-attempts the task.
func (c *Controller) route(t *workflow.Task, success bool) (workflow.RoutingDecision, error) {
	d := workflow.RoutingDecision{TaskID: t.ID, NextID: workflow.NoTask}
	r := t.Routing
	switch {
	case r.NextNever:
		d.Via = workflow.ViaNever
	case r.Next != workflow.NoTask:
		d.Via, d.NextID = workflow.ViaNext, r.Next
	case success && r.OnSuccess != workflow.NoTask:
		d.Via, d.NextID = workflow.ViaOnSuccess, r.OnSuccess
	case !success && r.OnFailure != workflow.NoTask:
		d.Via, d.NextID = workflow.ViaOnFailure, r.OnFailure
	case success:
		if c.wf.HasTask(t.ID + 1) {
			d.Via, d.NextID = workflow.ViaImplicit, t.ID+1
		} else {
			d.Via = workflow.ViaTerminal
		}
	default:
		d.Via, d.NextID = workflow.ViaHalt, t.ID
		return d, types.Errorf(types.ErrExecution,
			"task %d failed with no failure route", t.ID).WithTask(t.ID)
	}
	return d, nil
}

// spill moves over-threshold output to registered temporary files.
func (c *Controller) spill(res *workflow.TaskResult) error {
	threshold := c.cfg.SpillThreshold
	if threshold <= 0 || c.tmp == nil {
		return nil
	}
	if len(res.Stdout) > threshold {
		path, err := c.tmp.Spill(res.TaskID, "stdout", []byte(res.Stdout))
		if err != nil {
			return types.NewError(types.ErrInternal, "spill stdout").WithCause(err).WithTask(res.TaskID)
		}
		res.StdoutFile, res.Stdout = path, ""
		if c.metrics != nil {
			c.metrics.RecordSpill()
		}
	}
	if len(res.Stderr) > threshold {
		path, err := c.tmp.Spill(res.TaskID, "stderr", []byte(res.Stderr))
		if err != nil {
			return types.NewError(types.ErrInternal, "spill stderr").WithCause(err).WithTask(res.TaskID)
		}
		res.StderrFile, res.Stderr = path, ""
		if c.metrics != nil {
			c.metrics.RecordSpill()
		}
	}
	return nil
}

func (c *Controller) observeAttempt(t *workflow.Task, target string, dres *DispatchResult, success bool) {
	if c.metrics == nil {
		return
	}
	status := "failed"
	switch {
	case success:
		status = "succeeded"
	case dres.TimedOut:
		status = "timed_out"
	}
	if target == "" {
		target = "local"
	}
	c.metrics.RecordTask(status, target, dres.Duration)
}

func (c *Controller) unresolvedErr(t *workflow.Task, field, template string) error {
	missing := workflow.UnresolvedTokens(template, c.state.Globals, c.state.Results)
	return types.Errorf(types.ErrValidation,
		"task %d: %s has unresolved tokens %v", t.ID, field, missing).WithTask(t.ID)
}
