package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/taskwright/taskwright/types"
	"github.com/taskwright/taskwright/workflow"
)

// defaultRetryPoll bounds how long a shutdown request can go unnoticed
// during a retry delay.
const defaultRetryPoll = 100 * time.Millisecond

// RetryManager answers "retry now, after how long" as a pure function of the
// attempt index and the task's policy. Delay waits are poll-granularity and
// cancellable so shutdown is observed within one poll interval.
type RetryManager struct {
	poll   time.Duration
	logger *zap.Logger
}

// NewRetryManager creates a retry manager with the given poll interval.
func NewRetryManager(poll time.Duration, logger *zap.Logger) *RetryManager {
	if poll <= 0 {
		poll = defaultRetryPoll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryManager{
		poll:   poll,
		logger: logger.With(zap.String("component", "retry_manager")),
	}
}

// Decide reports whether a task that just finished its attempt-th try should
// be re-dispatched, and after what delay. attempt is 1-based.
func (m *RetryManager) Decide(attempt int, policy workflow.RetryPolicy) (bool, time.Duration) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return false, 0
	}
	return true, m.delayFor(attempt, policy)
}

// delayFor computes the wait before attempt+1. Exponential policies step a
// deterministic backoff schedule; fixed policies always use the base delay.
func (m *RetryManager) delayFor(attempt int, policy workflow.RetryPolicy) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}
	if !policy.Exponential {
		return policy.Delay
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.Delay
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = 10 * policy.Delay

	delay := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = eb.NextBackOff()
	}
	return delay
}

// Wait blocks for the delay in poll-interval steps. It returns early with an
// INTERRUPTED error when shutdown is requested, or the context error when
// the context is cancelled.
func (m *RetryManager) Wait(ctx context.Context, delay time.Duration, shutdown *Shutdown) error {
	if delay <= 0 {
		return nil
	}
	deadline := time.Now().Add(delay)
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-shutdown.Done():
			m.logger.Debug("retry wait interrupted by shutdown")
			return types.NewError(types.ErrInterrupted, "retry wait interrupted by shutdown")
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				return nil
			}
		}
	}
}
