package iteratively

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/SebastienMelki/itly/internal/observability"
	"github.com/SebastienMelki/itly/internal/record"
	"github.com/SebastienMelki/itly/sdk/iteratively/internal/batch"
	"github.com/SebastienMelki/itly/sdk/iteratively/internal/buffer"
	"github.com/SebastienMelki/itly/sdk/iteratively/internal/transport"
)

const instrumentationName = "github.com/SebastienMelki/itly/sdk/iteratively"

// Drop reasons recorded on the itly.records.dropped counter.
const (
	dropRetriesExhausted = "retries_exhausted"
	dropAborted          = "aborted"
)

// Client buffers tracking calls in memory and delivers them in batches.
//
// A flush is triggered when the buffer reaches FlushQueueSize, on every
// FlushInterval tick, and by Flush. Only one flush runs at a time. Each batch
// is retried up to MaxRetries attempts and then dropped with an error log.
// All methods are safe for concurrent use.
type Client struct {
	config    Config
	logger    *slog.Logger
	clock     clockwork.Clock
	buffer    *buffer.Buffer
	sender    *transport.Sender
	backoff   transport.Backoff
	scheduler *batch.Scheduler
	metrics   *observability.DeliveryMetrics

	// maxRetries is the effective attempt limit. Graceful shutdown sets it to 0.
	maxRetries atomic.Int64

	// stopScheduler ends the timer loop's context.
	stopScheduler context.CancelFunc

	mu       sync.Mutex
	active   chan struct{} // closed when the running flush ends; nil when idle
	stopping bool

	// runCtx is shared by every flush run started since the last forced
	// shutdown. A forced shutdown cancels it and installs a fresh one.
	runCtx    context.Context
	runCancel context.CancelFunc

	gracefulOnce sync.Once
}

// New creates a client and starts its flush timer. Only structurally invalid
// configuration is an error; an unreachable URL or a wrong key surface later
// as logged delivery failures. Call Shutdown when done.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	meter := cfg.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	metrics, err := observability.NewDeliveryMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("itly: failed to create metrics: %w", err)
	}

	sender := transport.NewSender(cfg.HTTPClient, transport.SenderConfig{
		Endpoint:            cfg.URL,
		APIKey:              cfg.APIKey,
		BranchName:          cfg.BranchName,
		TrackingPlanVersion: cfg.TrackingPlanVersion,
		UserAgent:           "itly-go/" + SDKVersion,
	}, cfg.Logger)

	schedCtx, stopScheduler := context.WithCancel(context.Background())

	c := &Client{
		config:        cfg,
		logger:        cfg.Logger.With("component", "itly-client"),
		clock:         cfg.Clock,
		buffer:        buffer.New(cfg.FlushQueueSize),
		sender:        sender,
		backoff:       transport.Backoff{Min: cfg.RetryDelayMin, Max: cfg.RetryDelayMax, MaxRetries: cfg.MaxRetries},
		metrics:       metrics,
		stopScheduler: stopScheduler,
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.maxRetries.Store(int64(cfg.MaxRetries))

	c.scheduler = batch.NewScheduler(schedulerHook{c}, cfg.FlushInterval, cfg.Clock, cfg.Logger)
	c.scheduler.Start(schedCtx)

	return c, nil
}

// Track queues a call of the given kind. source may be an *Event, Properties
// or nil; validation may be nil. Track never blocks on delivery: when the
// buffer reaches FlushQueueSize a flush is started in the background.
func (c *Client) Track(kind string, source Source, validation *Validation) {
	r := record.New(kind, source, validation, c.config.OmitValues, c.clock.Now())
	n := c.buffer.Append(r)

	c.metrics.RecordsEnqueued.Add(context.Background(), 1,
		otelmetric.WithAttributes(attribute.String("type", kind)))

	if n >= c.config.FlushQueueSize {
		go c.Flush()
	}
}

// Identify queues an identify call.
func (c *Client) Identify(properties Properties, validation *Validation) {
	c.Track(KindIdentify, properties, validation)
}

// Group queues a group call.
func (c *Client) Group(properties Properties, validation *Validation) {
	c.Track(KindGroup, properties, validation)
}

// TrackEvent queues a track call for event.
func (c *Client) TrackEvent(event *Event, validation *Validation) {
	c.Track(KindTrack, event, validation)
}

// Flush drains the buffer and delivers every batch, returning once each has
// been sent or dropped. It returns immediately if another flush is running;
// records queued meanwhile wait for the next flush.
func (c *Client) Flush() {
	done, _, ctx := c.claim(false)
	if done == nil {
		c.metrics.FlushesSkipped.Add(context.Background(), 1)
		return
	}
	defer c.end(done)

	c.run(ctx)
}

// Shutdown stops the flush timer.
//
// With force false it waits up to ShutdownTimeout for a running flush, runs
// one final flush of whatever is buffered, then limits later flushes to a
// single attempt per batch. Later graceful calls are no-ops.
//
// With force true it aborts the flushes running at that moment: in-flight
// requests are canceled, retry sleeps are interrupted, and the affected
// records are logged as dropped. Nothing buffered is flushed and the retry
// limit is left unchanged, so a later Flush still delivers normally. A forced
// call may follow a graceful one that is taking too long.
func (c *Client) Shutdown(force bool) {
	c.mu.Lock()
	c.stopping = true
	active := c.active
	if force {
		c.runCancel()
		c.runCtx, c.runCancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	c.scheduler.Stop()
	c.stopScheduler()

	if force {
		c.logger.Warn("forced shutdown, in-flight events may be lost",
			"flushing", active != nil,
			"pending", c.buffer.Len(),
		)
		return
	}

	c.gracefulOnce.Do(func() {
		c.finalFlush()
		c.maxRetries.Store(0)
	})
}

// Pending returns the number of buffered records.
func (c *Client) Pending() int {
	return c.buffer.Len()
}

// finalFlush waits up to ShutdownTimeout for the flush slot, including runs
// that claim it while shutdown is waiting, then flushes what is buffered. On
// timeout it runs without the slot; DrainAll keeps the two runs from sharing
// records.
func (c *Client) finalFlush() {
	var timer clockwork.Timer
	for {
		done, holder, ctx := c.claim(false)
		if done != nil {
			if timer != nil {
				timer.Stop()
			}
			defer c.end(done)
			c.run(ctx)
			return
		}

		if timer == nil {
			timer = c.clock.NewTimer(c.config.ShutdownTimeout)
		}

		select {
		case <-holder:
		case <-timer.Chan():
			c.logger.Warn("timed out waiting for in-flight flush",
				"timeout", c.config.ShutdownTimeout,
			)
			c.run(ctx)
			return
		}
	}
}

// claim takes the single flush slot and returns its done channel with the
// context the run must use. When another run holds the slot, done is nil and
// holder is that run's channel. Scheduled flushes are refused once shutdown
// has started.
func (c *Client) claim(scheduled bool) (done, holder chan struct{}, ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if scheduled && c.stopping {
		return nil, nil, c.runCtx
	}
	if c.active != nil {
		return nil, c.active, c.runCtx
	}
	c.active = make(chan struct{})
	return c.active, nil, c.runCtx
}

func (c *Client) end(done chan struct{}) {
	c.mu.Lock()
	if c.active == done {
		c.active = nil
	}
	c.mu.Unlock()
	close(done)
}

func (c *Client) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// run drains the buffer and delivers it batch by batch, in order.
func (c *Client) run(ctx context.Context) {
	records := c.buffer.DrainAll()
	if len(records) == 0 {
		return
	}

	start := c.clock.Now()
	defer func() {
		elapsed := float64(c.clock.Since(start).Microseconds()) / 1000
		c.metrics.FlushDuration.Record(context.Background(), elapsed)
	}()

	flushID := uuid.NewString()
	chunks := batch.Split(records, c.config.BatchSize)

	c.logger.Debug("flush started",
		"flush_id", flushID,
		"events", len(records),
		"batches", len(chunks),
	)

	for i, chunk := range chunks {
		if ctx.Err() != nil {
			remaining := 0
			for _, rest := range chunks[i:] {
				remaining += len(rest)
			}
			c.drop(flushID, "", remaining, dropAborted, "flush aborted, events will not be sent")
			return
		}
		c.deliver(ctx, flushID, chunk)
	}
}

// deliver posts one batch until it succeeds, the attempt limit is reached,
// or ctx is canceled.
func (c *Client) deliver(ctx context.Context, flushID string, chunk []record.Record) {
	batchID := uuid.NewString()
	c.metrics.BatchSize.Record(context.Background(), int64(len(chunk)))

	for attempt := 1; ; attempt++ {
		c.metrics.BatchAttempts.Add(context.Background(), 1)
		if c.sender.Post(ctx, batchID, chunk) {
			c.metrics.BatchesSent.Add(context.Background(), 1)
			return
		}
		c.metrics.BatchFailures.Add(context.Background(), 1)

		if attempt >= int(c.maxRetries.Load()) {
			c.drop(flushID, batchID, len(chunk), dropRetriesExhausted,
				fmt.Sprintf("failed to send %d events after %d attempts, events will not be sent", len(chunk), attempt))
			return
		}

		delay := c.backoff.Delay(attempt)
		c.logger.Debug("retrying batch",
			"flush_id", flushID,
			"batch_id", batchID,
			"attempt", attempt,
			"delay", delay,
		)

		if !c.sleep(ctx, delay) {
			c.drop(flushID, batchID, len(chunk), dropAborted, "flush aborted, events will not be sent")
			return
		}
	}
}

func (c *Client) drop(flushID, batchID string, count int, reason, msg string) {
	args := []any{"flush_id", flushID, "events", count}
	if batchID != "" {
		args = append(args, "batch_id", batchID)
	}
	c.logger.Error(msg, args...)
	c.metrics.RecordsDropped.Add(context.Background(), int64(count),
		otelmetric.WithAttributes(attribute.String("reason", reason)))
}

// sleep waits d on the client clock. Returns false if ctx ended first.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

// schedulerHook adapts the client to batch.Runner without exporting the hooks.
type schedulerHook struct {
	c *Client
}

func (h schedulerHook) Busy() bool {
	return h.c.busy()
}

func (h schedulerHook) ScheduledFlush(context.Context) {
	done, _, ctx := h.c.claim(true)
	if done == nil {
		return
	}
	defer h.c.end(done)

	h.c.run(ctx)
}
