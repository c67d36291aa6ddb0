package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Runner is what the scheduler flushes.
type Runner interface {
	// Busy reports whether a flush run is in progress.
	Busy() bool

	// ScheduledFlush runs one flush. It may refuse to start, for example
	// once shutdown has begun.
	ScheduledFlush(ctx context.Context)
}

// Scheduler fires a flush every interval. Each tick re-arms the timer after
// the tick's work completes, so ticks never pile up, and a tick that finds a
// flush already running is skipped.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewScheduler creates a stopped scheduler. A nil clock uses the real clock.
func NewScheduler(runner Runner, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &Scheduler{
		runner:   runner,
		interval: interval,
		clock:    clock,
		logger:   logger.With("component", "flush-scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the timer loop. Subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

// Stop prevents any further tick from flushing. It does not wait for a
// flush already in progress; use Done for that.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Done is closed when the timer loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	timer := s.clock.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.Chan():
			if s.stopped() {
				return
			}
			if s.runner.Busy() {
				s.logger.Debug("flush in progress, skipping tick")
			} else {
				s.runner.ScheduledFlush(ctx)
			}
			timer.Reset(s.interval)
		}
	}
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
