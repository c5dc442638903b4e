package engine

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskwright/taskwright/types"
)

// Shutdown is the cooperative stop flag observed by the controller, the
// parallel coordinator, retry waits, and in-flight local dispatches. It is
// requested at most once; later requests are ignored.
type Shutdown struct {
	once sync.Once
	ch   chan struct{}

	mu    sync.Mutex
	sig   os.Signal
	grace time.Duration
}

// NewShutdown creates an unrequested shutdown flag.
func NewShutdown() *Shutdown {
	return &Shutdown{ch: make(chan struct{})}
}

// Request marks shutdown with the triggering signal and the grace period
// granted to in-flight work.
func (s *Shutdown) Request(sig os.Signal, grace time.Duration) {
	s.once.Do(func() {
		s.mu.Lock()
		s.sig = sig
		s.grace = grace
		s.mu.Unlock()
		close(s.ch)
	})
}

// Requested reports whether shutdown has been requested.
func (s *Shutdown) Requested() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when shutdown is requested.
func (s *Shutdown) Done() <-chan struct{} {
	return s.ch
}

// Signal returns the triggering signal, or nil if not requested.
func (s *Shutdown) Signal() os.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sig
}

// Grace returns the grace period granted to in-flight work.
func (s *Shutdown) Grace() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grace
}

// SignalController intercepts terminate and interrupt signals. The first
// signal requests cooperative shutdown; a second signal while shutdown is in
// progress skips the graceful path: best-effort resource release, then
// immediate exit with the signal-derived status.
type SignalController struct {
	shutdown       *Shutdown
	terminateGrace time.Duration
	interruptGrace time.Duration
	onForced       func()
	logger         *zap.Logger

	sigCh  chan os.Signal
	stopCh chan struct{}
	exit   func(int) // overridable for tests
}

// NewSignalController creates a controller. onForced runs before a forced
// exit and must be safe to call at any point of the run (lock release,
// temp-file sweep).
func NewSignalController(shutdown *Shutdown, terminateGrace, interruptGrace time.Duration, onForced func(), logger *zap.Logger) *SignalController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalController{
		shutdown:       shutdown,
		terminateGrace: terminateGrace,
		interruptGrace: interruptGrace,
		onForced:       onForced,
		logger:         logger.With(zap.String("component", "signal_controller")),
		sigCh:          make(chan os.Signal, 2),
		stopCh:         make(chan struct{}),
		exit:           os.Exit,
	}
}

// Start registers the signal handlers and begins observing.
func (c *SignalController) Start() {
	signal.Notify(c.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go c.observe()
}

// Stop unregisters the handlers, for clean completion paths.
func (c *SignalController) Stop() {
	signal.Stop(c.sigCh)
	close(c.stopCh)
}

func (c *SignalController) observe() {
	var first os.Signal
	select {
	case first = <-c.sigCh:
	case <-c.stopCh:
		return
	}

	grace := c.graceFor(first)
	c.logger.Warn("termination signal received, starting graceful shutdown",
		zap.String("signal", first.String()),
		zap.Duration("grace", grace),
	)
	c.shutdown.Request(first, grace)

	select {
	case second := <-c.sigCh:
		c.logger.Warn("second signal received, forcing exit",
			zap.String("signal", second.String()),
		)
		if c.onForced != nil {
			c.onForced()
		}
		c.exit(types.ExitFromSignal(second))
	case <-c.stopCh:
	}
}

// graceFor gives interrupts a shorter grace period than terminates.
func (c *SignalController) graceFor(sig os.Signal) time.Duration {
	if sig == syscall.SIGINT {
		return c.interruptGrace
	}
	return c.terminateGrace
}
