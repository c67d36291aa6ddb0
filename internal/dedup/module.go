package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/SebastienMelki/itly/internal/dedup/internal/service"
	"github.com/SebastienMelki/itly/internal/observability"
)

// Config holds the dedup module configuration.
//
// Environment variable overrides:
//   - DEDUP_WINDOW:   sliding window duration (default: 10m)
//   - DEDUP_CAPACITY: expected batches per window (default: 1000000)
//   - DEDUP_FP_RATE:  bloom filter false positive rate (default: 0.0001)
type Config struct {
	Window   time.Duration `env:"DEDUP_WINDOW"   envDefault:"10m"`
	Capacity uint          `env:"DEDUP_CAPACITY" envDefault:"1000000"`
	FPRate   float64       `env:"DEDUP_FP_RATE"  envDefault:"0.0001"`
}

// DefaultConfig returns a 10 minute window sized for 1M batches at a 0.01%
// false positive rate.
func DefaultConfig() Config {
	return Config{
		Window:   10 * time.Minute,
		Capacity: 1_000_000,
		FPRate:   0.0001,
	}
}

// Module is the dedup module facade.
type Module struct {
	svc *service.DedupService
}

var _ Deduplicator = (*Module)(nil)

// New creates a dedup Module. clock and metrics may be nil.
func New(cfg Config, clock clockwork.Clock, metrics *observability.CollectorMetrics, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "dedup")

	return &Module{
		svc: service.NewDedupService(cfg.Window, cfg.Capacity, cfg.FPRate, clock, metrics, logger),
	}
}

// Start begins the background bloom filter rotation goroutine.
func (m *Module) Start(ctx context.Context) {
	m.svc.Start(ctx)
}

// Stop signals the rotation goroutine to stop and waits for completion.
func (m *Module) Stop() {
	m.svc.Stop()
}

// Seen reports whether the batch key was accepted within the window.
func (m *Module) Seen(key string) bool {
	return m.svc.Seen(key)
}

// MarkSeen records the key of a batch that was fully published.
func (m *Module) MarkSeen(key string) {
	m.svc.MarkSeen(key)
}
