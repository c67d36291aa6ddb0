// Package service wraps the window filter with rotation and metrics.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/SebastienMelki/itly/internal/dedup/internal/domain"
	"github.com/SebastienMelki/itly/internal/observability"
)

// DedupService rotates the window filter every window/2 and counts
// duplicate batches.
type DedupService struct {
	filter   *domain.WindowFilter
	clock    clockwork.Clock
	metrics  *observability.CollectorMetrics
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDedupService creates a dedup service. metrics may be nil; a nil clock
// means the real clock.
func NewDedupService(
	window time.Duration,
	capacity uint,
	fpRate float64,
	clock clockwork.Clock,
	metrics *observability.CollectorMetrics,
	logger *slog.Logger,
) *DedupService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DedupService{
		filter:  domain.NewWindowFilter(window, capacity, fpRate),
		clock:   clock,
		metrics: metrics,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Seen reports whether the batch key was accepted within the window.
// Empty keys are never seen.
func (s *DedupService) Seen(key string) bool {
	if key == "" {
		return false
	}

	if !s.filter.Contains(key) {
		return false
	}

	if s.metrics != nil {
		s.metrics.BatchesDuplicate.Add(context.Background(), 1)
	}
	s.logger.Debug("duplicate batch", "idempotency_key", key)
	return true
}

// MarkSeen records an accepted batch key. Empty keys are ignored.
func (s *DedupService) MarkSeen(key string) {
	if key == "" {
		return
	}
	s.filter.Add(key)
}

// Start launches the rotation goroutine. It stops when ctx is canceled or
// Stop is called.
func (s *DedupService) Start(ctx context.Context) {
	rotateInterval := s.filter.Window() / 2
	s.logger.Info("dedup service started",
		"window", s.filter.Window(),
		"rotate_interval", rotateInterval,
	)

	go func() {
		defer close(s.doneCh)
		ticker := s.clock.NewTicker(rotateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				s.filter.Rotate()
				s.logger.Debug("bloom filter rotated")
			case <-ctx.Done():
				s.logger.Info("dedup service stopping (context cancelled)")
				return
			case <-s.stopCh:
				s.logger.Info("dedup service stopping (stop requested)")
				return
			}
		}
	}()
}

// Stop signals the rotation goroutine and waits for it. Start must have
// been called.
func (s *DedupService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}
