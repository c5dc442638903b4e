// Package pool provides a bounded worker pool for parallel block dispatch.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// HardCeiling caps worker counts regardless of configuration, so a
// misconfigured parallel block cannot create unbounded goroutines or
// processes.
const HardCeiling = 32

// Pool runs submitted functions on at most size concurrent workers. It is
// created per parallel block and joined with Wait before the block's quorum
// is evaluated.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	wg     sync.WaitGroup
	logger *zap.Logger

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a pool bounded by min(size, HardCeiling), at least 1.
func New(size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if size > HardCeiling {
		size = HardCeiling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: logger.With(zap.String("component", "worker_pool")),
	}
}

// Size returns the effective worker bound.
func (p *Pool) Size() int {
	return p.size
}

// Go acquires a worker slot (blocking, context-aware) and runs fn on its own
// goroutine. It returns an error only when the slot could not be acquired;
// fn errors are counted in stats and otherwise left to the caller's own
// result channel.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.submitted.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.active.Add(1)
		defer p.active.Add(-1)

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

// Wait blocks until every submitted function has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stats reports pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		Active:    int(p.active.Load()),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds pool counters.
type Stats struct {
	Size      int   `json:"size"`
	Active    int   `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
