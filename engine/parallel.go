package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taskwright/taskwright/internal/metrics"
	"github.com/taskwright/taskwright/internal/pool"
	"github.com/taskwright/taskwright/types"
	"github.com/taskwright/taskwright/workflow"
)

// taskRunner runs one leaf task to its final result. Satisfied by the
// Controller; narrowed here so the coordinator stays testable in isolation.
type taskRunner interface {
	RunTask(ctx context.Context, t *workflow.Task) (*workflow.TaskResult, error)
}

// Aggregate is the collective outcome of a parallel block.
type Aggregate struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int // members completed before this run (resume)
	Success   bool
}

// Coordinator fans a parallel block's members out over a bounded worker
// pool, waits for every dispatched member, and folds the individual
// outcomes into one aggregate under the block's quorum policy. Each member
// runs against a cloned task so no worker shares mutable task state.
type Coordinator struct {
	runner   taskRunner
	state    *workflow.ExecutionState
	shutdown *Shutdown
	metrics  *metrics.Collector
	cfg      ControllerConfig
	logger   *zap.Logger
}

// NewCoordinator wires a coordinator over the controller's state.
func NewCoordinator(runner taskRunner, state *workflow.ExecutionState, cfg ControllerConfig, deps ControllerDeps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		runner:   runner,
		state:    state,
		shutdown: deps.Shutdown,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "parallel")),
	}
}

// Run executes the block's members and returns the aggregate outcome.
// Members that already carry a result are counted without re-running, so a
// resumed run re-enters a partially completed block safely. Every dispatched
// member is waited for even when the quorum is already decided.
func (p *Coordinator) Run(ctx context.Context, wf *workflow.Workflow, block *workflow.Task) (*Aggregate, error) {
	agg := &Aggregate{Total: len(block.Members)}

	var pending []*workflow.Task
	for _, id := range block.Members {
		member, ok := wf.Task(id)
		if !ok {
			return nil, types.Errorf(types.ErrValidation,
				"parallel block %d references non-existent member %d", block.ID, id)
		}
		if prior, ok := p.state.Results.Get(id); ok {
			agg.Skipped++
			if prior.Success {
				agg.Succeeded++
			} else {
				agg.Failed++
			}
			continue
		}
		pending = append(pending, member.Clone())
	}

	p.logger.Info("parallel block starting",
		zap.Int("task_id", block.ID),
		zap.Int("members", agg.Total),
		zap.Int("pending", len(pending)),
		zap.String("quorum", block.Quorum.String()),
	)

	var limiter *rate.Limiter
	if p.cfg.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.DispatchRate), 1)
	}

	workers := pool.New(p.cfg.MaxWorkers, p.logger)
	var mu sync.Mutex
	var fatal error

	start := time.Now()
	for _, member := range pending {
		member := member
		// No member may start after the first termination signal. Checked
		// again inside the worker: admission can block on a pool slot across
		// the signal's arrival.
		if p.shutdown != nil && p.shutdown.Requested() {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		err := workers.Go(ctx, func(ctx context.Context) error {
			if p.shutdown != nil && p.shutdown.Requested() {
				return nil
			}
			if p.metrics != nil {
				p.metrics.WorkerStarted()
				defer p.metrics.WorkerDone()
			}
			res, err := p.runner.RunTask(ctx, member)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if fatal == nil {
					fatal = err
				}
				return err
			}
			p.state.Results.Record(res)
			// Members route back to the coordinator; a resumed run re-enters
			// the block and skips members that already completed.
			p.state.SetRouting(workflow.RoutingDecision{
				TaskID: member.ID, NextID: block.ID, Via: workflow.ViaSubpath,
			})
			if res.Success {
				agg.Succeeded++
			} else {
				agg.Failed++
			}
			return nil
		})
		if err != nil {
			// Pool admission failed (context cancelled); stop dispatching
			// and settle with what is already in flight.
			break
		}
	}
	workers.Wait()

	if fatal != nil {
		return nil, fatal
	}
	dispatched := agg.Succeeded + agg.Failed - agg.Skipped
	if missing := agg.Total - agg.Succeeded - agg.Failed; missing > 0 {
		return nil, types.Errorf(types.ErrInterrupted,
			"parallel block %d interrupted with %d members not dispatched", block.ID, missing).WithTask(block.ID)
	}

	agg.Success = block.Quorum.Satisfied(agg.Succeeded, agg.Total)
	p.logger.Info("parallel block settled",
		zap.Int("task_id", block.ID),
		zap.Int("succeeded", agg.Succeeded),
		zap.Int("failed", agg.Failed),
		zap.Int("skipped", agg.Skipped),
		zap.Int("dispatched", dispatched),
		zap.Bool("quorum_met", agg.Success),
		zap.Duration("elapsed", time.Since(start)),
	)
	return agg, nil
}
