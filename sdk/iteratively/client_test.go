package iteratively

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/SebastienMelki/itly/internal/record"
	"github.com/SebastienMelki/itly/sdk/iteratively/internal/transport"
)

// --- Test helpers ---

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// errorLines returns the JSON log lines at error level.
func (b *syncBuffer) errorLines() []string {
	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if strings.Contains(line, `"level":"ERROR"`) {
			lines = append(lines, line)
		}
	}
	return lines
}

// endpoint is a fake tracking endpoint recording every batch it receives.
type endpoint struct {
	server   *httptest.Server
	requests atomic.Int32

	mu      sync.Mutex
	batches []record.Batch
	keys    []string

	// respond returns the status for request n (1-indexed). nil means 200.
	respond func(r *http.Request, n int, b record.Batch) int
}

func newEndpoint(t *testing.T, respond func(r *http.Request, n int, b record.Batch) int) *endpoint {
	t.Helper()
	e := &endpoint{respond: respond}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(e.requests.Add(1))

		var b record.Batch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Errorf("decode batch: %v", err)
		}

		e.mu.Lock()
		e.batches = append(e.batches, b)
		e.keys = append(e.keys, r.Header.Get(transport.IdempotencyHeader))
		e.mu.Unlock()

		status := http.StatusOK
		if e.respond != nil {
			status = e.respond(r, n, b)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *endpoint) received() []record.Batch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]record.Batch(nil), e.batches...)
}

func (e *endpoint) idempotencyKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.keys...)
}

type testClient struct {
	*Client
	clock *clockwork.FakeClock
	logs  *syncBuffer
}

// newTestClient builds a client on a fake clock. The flush timer is set far
// in the future unless cfg overrides FlushInterval.
func newTestClient(t *testing.T, url string, cfg Config) *testClient {
	t.Helper()

	fc := clockwork.NewFakeClock()
	logs := &syncBuffer{}

	cfg.URL = url
	cfg.APIKey = "test-api-key"
	cfg.Clock = fc
	cfg.Logger = slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if cfg.Meter == nil {
		cfg.Meter = noop.NewMeterProvider().Meter("test")
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	if cfg.FlushQueueSize == 0 {
		cfg.FlushQueueSize = 1000
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { c.Shutdown(true) })

	return &testClient{Client: c, clock: fc, logs: logs}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func blockUntil(t *testing.T, fc *clockwork.FakeClock, waiters int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, waiters); err != nil {
		t.Fatalf("waiting for %d clock waiters: %v", waiters, err)
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func eventN(i int) *Event {
	return &Event{
		ID:         fmt.Sprintf("id-%d", i),
		Version:    "1.0.0",
		Name:       fmt.Sprintf("Event %d", i),
		Properties: Properties{"n": i},
	}
}

func eventNames(b record.Batch) []string {
	names := make([]string, len(b.Objects))
	for i, r := range b.Objects {
		names[i] = record.Deref(r.EventName)
	}
	return names
}

// --- Construction ---

// TestNew_InvalidConfig_ReturnsError verifies structural validation.
func TestNew_InvalidConfig_ReturnsError(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative flush queue size", Config{FlushQueueSize: -1}},
		{"negative batch size", Config{BatchSize: -1}},
		{"negative flush interval", Config{FlushInterval: -time.Second}},
		{"negative max retries", Config{MaxRetries: -1}},
		{"negative retry delay", Config{RetryDelayMin: -time.Second}},
		{"min above max", Config{RetryDelayMin: time.Minute, RetryDelayMax: time.Second}},
		{"negative timeout", Config{Timeout: -time.Second}},
		{"negative shutdown timeout", Config{ShutdownTimeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg)
			if err == nil {
				c.Shutdown(true)
				t.Error("New() should return error")
			}
		})
	}
}

// TestNew_BadEndpointIsNotAStartupError verifies URL problems surface later.
func TestNew_BadEndpointIsNotAStartupError(t *testing.T) {
	c := newTestClient(t, "://bad url", Config{MaxRetries: 1})

	c.Track(KindTrack, eventN(1), nil)
	c.Flush()

	if lines := c.logs.errorLines(); len(lines) != 1 {
		t.Errorf("error lines = %d, want 1 drop line; logs:\n%s", len(lines), c.logs.String())
	}
}

// TestConfig_WithDefaults verifies zero values are defaulted.
func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.FlushQueueSize != DefaultFlushQueueSize {
		t.Errorf("FlushQueueSize = %d, want %d", cfg.FlushQueueSize, DefaultFlushQueueSize)
	}
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, DefaultBatchSize)
	}
	if cfg.FlushInterval != DefaultFlushInterval {
		t.Errorf("FlushInterval = %v, want %v", cfg.FlushInterval, DefaultFlushInterval)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, DefaultMaxRetries)
	}
	if cfg.RetryDelayMin != DefaultRetryDelayMin || cfg.RetryDelayMax != DefaultRetryDelayMax {
		t.Errorf("retry delays = (%v, %v)", cfg.RetryDelayMin, cfg.RetryDelayMax)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v, want %v", cfg.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if cfg.Logger == nil || cfg.Clock == nil || cfg.HTTPClient == nil {
		t.Error("collaborators should be defaulted")
	}
	if cfg.HTTPClient.Timeout != DefaultTimeout {
		t.Errorf("HTTPClient.Timeout = %v, want %v", cfg.HTTPClient.Timeout, DefaultTimeout)
	}
}

// TestConfig_WithDefaults_RetryDelaysStayOrdered verifies a lone bound is respected.
func TestConfig_WithDefaults_RetryDelaysStayOrdered(t *testing.T) {
	onlyMax := Config{RetryDelayMax: 2 * time.Second}.withDefaults()
	if onlyMax.RetryDelayMin > onlyMax.RetryDelayMax {
		t.Errorf("min %v exceeds max %v", onlyMax.RetryDelayMin, onlyMax.RetryDelayMax)
	}

	onlyMin := Config{RetryDelayMin: 2 * time.Hour}.withDefaults()
	if onlyMin.RetryDelayMin > onlyMin.RetryDelayMax {
		t.Errorf("min %v exceeds max %v", onlyMin.RetryDelayMin, onlyMin.RetryDelayMax)
	}
}

// TestLoadConfig_FromEnvironment verifies ITLY_* variables are parsed.
func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("ITLY_URL", "https://collector.example.com/track")
	t.Setenv("ITLY_API_KEY", "secret")
	t.Setenv("ITLY_BRANCH", "feature/x")
	t.Setenv("ITLY_BATCH_SIZE", "25")
	t.Setenv("ITLY_FLUSH_INTERVAL", "250ms")
	t.Setenv("ITLY_OMIT_VALUES", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.URL != "https://collector.example.com/track" || cfg.APIKey != "secret" || cfg.BranchName != "feature/x" {
		t.Errorf("strings = (%q, %q, %q)", cfg.URL, cfg.APIKey, cfg.BranchName)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.BatchSize)
	}
	if cfg.FlushInterval != 250*time.Millisecond {
		t.Errorf("FlushInterval = %v, want 250ms", cfg.FlushInterval)
	}
	if !cfg.OmitValues {
		t.Error("OmitValues = false, want true")
	}
}

// --- Track and size-triggered flush ---

// TestTrack_SizeTriggeredFlush covers FlushQueueSize=2 with three calls:
// one automatic flush at the second call, the third record waits for a
// manual flush and is sent alone.
func TestTrack_SizeTriggeredFlush(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{FlushQueueSize: 2})

	c.TrackEvent(eventN(1), nil)
	if ep.requests.Load() != 0 {
		t.Fatal("flush triggered before reaching FlushQueueSize")
	}
	c.TrackEvent(eventN(2), nil)

	waitFor(t, "automatic flush", func() bool { return ep.requests.Load() == 1 && !c.busy() })

	c.TrackEvent(eventN(3), nil)
	if got := c.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}
	time.Sleep(30 * time.Millisecond)
	if got := ep.requests.Load(); got != 1 {
		t.Fatalf("requests after third call = %d, want 1", got)
	}

	c.Flush()

	batches := ep.received()
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if got := eventNames(batches[0]); len(got) != 2 || got[0] != "Event 1" || got[1] != "Event 2" {
		t.Errorf("first batch = %v, want [Event 1 Event 2]", got)
	}
	if got := eventNames(batches[1]); len(got) != 1 || got[0] != "Event 3" {
		t.Errorf("second batch = %v, want [Event 3]", got)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after flush, want 0", c.Pending())
	}
}

// TestTrack_WireContents verifies records and metadata reach the endpoint.
func TestTrack_WireContents(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{
		BranchName:          "main",
		TrackingPlanVersion: "3.1.0",
	})

	c.Identify(Properties{"email": "user@example.com"}, nil)
	c.Group(Properties{"org": "acme"}, &Validation{Valid: false, Message: "org is not allowed"})
	c.TrackEvent(eventN(7), &Validation{Valid: true})
	c.Flush()

	batches := ep.received()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	b := batches[0]
	if record.Deref(b.BranchName) != "main" || record.Deref(b.TrackingPlanVersion) != "3.1.0" {
		t.Errorf("metadata = (%v, %v)", b.BranchName, b.TrackingPlanVersion)
	}
	if len(b.Objects) != 3 {
		t.Fatalf("objects = %d, want 3", len(b.Objects))
	}

	identify, group, track := b.Objects[0], b.Objects[1], b.Objects[2]
	if identify.Kind != KindIdentify || identify.EventID != nil || identify.Properties["email"] != "user@example.com" {
		t.Errorf("identify record = %+v", identify)
	}
	if group.Kind != KindGroup || group.Valid || group.Validation.Details != "org is not allowed" {
		t.Errorf("group record = %+v", group)
	}
	if track.Kind != KindTrack || record.Deref(track.EventID) != "id-7" || record.Deref(track.EventSchemaVersion) != "1.0.0" {
		t.Errorf("track record = %+v", track)
	}
	if want := c.clock.Now().UTC().Format(record.DateLayout); track.DateSent != want {
		t.Errorf("DateSent = %q, want %q", track.DateSent, want)
	}
}

// TestTrack_OmitValues verifies property values are redacted before queueing.
func TestTrack_OmitValues(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{OmitValues: true})

	c.TrackEvent(&Event{ID: "x", Name: "Purchased", Properties: Properties{"price": 9.99, "sku": "A1"}}, nil)
	c.Flush()

	props := ep.received()[0].Objects[0].Properties
	if len(props) != 2 || props["price"] != "" || props["sku"] != "" {
		t.Errorf("properties = %v, want keys kept with empty values", props)
	}
}

// TestTrack_NilSource verifies a call with neither event nor properties is queued.
func TestTrack_NilSource(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{})

	c.Track(KindTrack, nil, nil)
	c.Flush()

	objects := ep.received()[0].Objects
	if len(objects) != 1 || objects[0].EventName != nil || len(objects[0].Properties) != 0 {
		t.Errorf("objects = %+v, want one degenerate record", objects)
	}
}

// TestTrack_DoesNotBlockOnDelivery verifies Track returns while the
// endpoint is stalled.
func TestTrack_DoesNotBlockOnDelivery(t *testing.T) {
	release := make(chan struct{})
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		return http.StatusOK
	})
	defer close(release)
	c := newTestClient(t, ep.server.URL, Config{FlushQueueSize: 1})

	returned := make(chan struct{})
	go func() {
		for i := range 20 {
			c.TrackEvent(eventN(i), nil)
		}
		close(returned)
	}()

	waitClosed(t, returned, "Track calls to return")
}

// --- Flush ---

// TestFlush_EmptyBufferIsFree verifies no requests and no logs for an idle flush.
func TestFlush_EmptyBufferIsFree(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{})

	c.Flush()
	c.Flush()

	if ep.requests.Load() != 0 {
		t.Errorf("requests = %d, want 0", ep.requests.Load())
	}
	if out := c.logs.String(); out != "" {
		t.Errorf("logs = %q, want none", out)
	}
}

// TestFlush_SplitsIntoBatches covers BatchSize=2 with three records: two
// posts, the first with two records and the second with one.
func TestFlush_SplitsIntoBatches(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{BatchSize: 2})

	for i := 1; i <= 3; i++ {
		c.TrackEvent(eventN(i), nil)
	}
	c.Flush()

	batches := ep.received()
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if got := eventNames(batches[0]); len(got) != 2 || got[0] != "Event 1" || got[1] != "Event 2" {
		t.Errorf("first batch = %v", got)
	}
	if got := eventNames(batches[1]); len(got) != 1 || got[0] != "Event 3" {
		t.Errorf("second batch = %v", got)
	}
}

// TestFlush_BatchCountIsCeiling verifies ceil(M/B) batches in enqueue order.
func TestFlush_BatchCountIsCeiling(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{BatchSize: 4})

	const total = 10
	for i := range total {
		c.TrackEvent(eventN(i), nil)
	}
	c.Flush()

	batches := ep.received()
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	wantSizes := []int{4, 4, 2}
	next := 0
	for i, b := range batches {
		if len(b.Objects) != wantSizes[i] {
			t.Errorf("batch %d size = %d, want %d", i, len(b.Objects), wantSizes[i])
		}
		for _, name := range eventNames(b) {
			if want := fmt.Sprintf("Event %d", next); name != want {
				t.Errorf("record out of order: got %q, want %q", name, want)
			}
			next++
		}
	}
}

// TestFlush_RetriesThenSucceeds verifies two failures cost exactly two
// backoff sleeps before the batch is delivered.
func TestFlush_RetriesThenSucceeds(t *testing.T) {
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		if n <= 2 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	c := newTestClient(t, ep.server.URL, Config{
		MaxRetries:    5,
		RetryDelayMin: 3 * time.Second,
		RetryDelayMax: 30 * time.Second,
	})

	c.TrackEvent(eventN(1), nil)

	done := make(chan struct{})
	go func() {
		c.Flush()
		close(done)
	}()

	// One waiter is the flush timer, the other the retry sleep.
	for attempt := 1; attempt <= 2; attempt++ {
		blockUntil(t, c.clock, 2)
		if got := ep.requests.Load(); int(got) != attempt {
			t.Fatalf("requests before sleep %d = %d", attempt, got)
		}
		c.clock.Advance(c.backoff.Delay(attempt))
	}

	waitClosed(t, done, "flush to finish")

	if got := ep.requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	if c.backoff.Delay(1) != 3*time.Second {
		t.Errorf("first retry delay = %v, want 3s", c.backoff.Delay(1))
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
	if lines := c.logs.errorLines(); len(lines) != 0 {
		t.Errorf("error lines = %v, want none", lines)
	}

	keys := ep.idempotencyKeys()
	if keys[0] == "" || keys[0] != keys[1] || keys[1] != keys[2] {
		t.Errorf("idempotency keys = %v, want one stable key across retries", keys)
	}
}

// TestFlush_RetryExhaustion verifies a failing batch is attempted exactly
// MaxRetries times with MaxRetries-1 sleeps, then dropped with one error.
func TestFlush_RetryExhaustion(t *testing.T) {
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		return http.StatusInternalServerError
	})
	c := newTestClient(t, ep.server.URL, Config{
		MaxRetries:    4,
		RetryDelayMin: time.Second,
		RetryDelayMax: 8 * time.Second,
	})

	for i := range 3 {
		c.TrackEvent(eventN(i), nil)
	}

	done := make(chan struct{})
	go func() {
		c.Flush()
		close(done)
	}()

	for attempt := 1; attempt <= 3; attempt++ {
		blockUntil(t, c.clock, 2)
		c.clock.Advance(c.backoff.Delay(attempt))
	}

	waitClosed(t, done, "flush to finish")

	if got := ep.requests.Load(); got != 4 {
		t.Errorf("requests = %d, want 4", got)
	}
	lines := c.logs.errorLines()
	if len(lines) != 1 {
		t.Fatalf("error lines = %d, want 1; logs:\n%s", len(lines), c.logs.String())
	}
	if !strings.Contains(lines[0], `"events":3`) {
		t.Errorf("error line %q does not name the dropped count", lines[0])
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, dropped records should not be re-queued", c.Pending())
	}
}

// TestFlush_ExhaustedBatchDoesNotAbortOthers verifies batches are independent.
func TestFlush_ExhaustedBatchDoesNotAbortOthers(t *testing.T) {
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		if eventNames(b)[0] == "Event 1" {
			return http.StatusBadRequest
		}
		return http.StatusOK
	})
	c := newTestClient(t, ep.server.URL, Config{BatchSize: 1, MaxRetries: 1})

	c.TrackEvent(eventN(1), nil)
	c.TrackEvent(eventN(2), nil)
	c.Flush()

	if got := ep.requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	if lines := c.logs.errorLines(); len(lines) != 1 || !strings.Contains(lines[0], `"events":1`) {
		t.Errorf("error lines = %v, want one drop of 1 event", lines)
	}
}

// TestFlush_NoOpWhileAnotherFlushRuns verifies only one run is active.
func TestFlush_NoOpWhileAnotherFlushRuns(t *testing.T) {
	release := make(chan struct{})
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		if n == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		return http.StatusOK
	})
	c := newTestClient(t, ep.server.URL, Config{})

	c.TrackEvent(eventN(1), nil)
	first := make(chan struct{})
	go func() {
		c.Flush()
		close(first)
	}()
	waitFor(t, "first post", func() bool { return ep.requests.Load() == 1 })

	c.TrackEvent(eventN(2), nil)
	c.Flush() // returns immediately: a run is active

	if got := c.Pending(); got != 1 {
		t.Errorf("Pending() = %d, record queued during a flush should wait", got)
	}

	close(release)
	waitClosed(t, first, "first flush")

	c.Flush()
	batches := ep.received()
	if len(batches) != 2 || eventNames(batches[1])[0] != "Event 2" {
		t.Errorf("batches = %d, want the second record in its own later flush", len(batches))
	}
}

// TestFlush_ConcurrentTrackNoLossNoDuplicates verifies every record is
// delivered exactly once across interleaved Track and Flush calls.
func TestFlush_ConcurrentTrackNoLossNoDuplicates(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{FlushQueueSize: 7, BatchSize: 5})

	const (
		producers   = 6
		perProducer = 50
	)

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := range perProducer {
				c.TrackEvent(eventN(p*perProducer+i), nil)
				if i%10 == 0 {
					c.Flush()
				}
			}
		}(p)
	}
	wg.Wait()

	waitFor(t, "background flushes", func() bool { return !c.busy() })
	c.Flush()
	waitFor(t, "buffer to empty", func() bool { return c.Pending() == 0 && !c.busy() })

	seen := make(map[string]int)
	for _, b := range ep.received() {
		for _, name := range eventNames(b) {
			seen[name]++
		}
	}
	if len(seen) != producers*perProducer {
		t.Fatalf("delivered %d distinct records, want %d", len(seen), producers*perProducer)
	}
	for name, count := range seen {
		if count != 1 {
			t.Errorf("%s delivered %d times", name, count)
		}
	}
}

// --- Scheduler integration ---

// TestScheduler_TickFlushes verifies the timer flushes buffered records.
func TestScheduler_TickFlushes(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{FlushInterval: time.Second})

	c.TrackEvent(eventN(1), nil)

	blockUntil(t, c.clock, 1)
	c.clock.Advance(time.Second)

	waitFor(t, "timer flush", func() bool { return ep.requests.Load() == 1 })
}

// TestScheduler_SkipsTickWhileFlushing verifies a busy tick does not flush
// and the following tick still fires.
func TestScheduler_SkipsTickWhileFlushing(t *testing.T) {
	release := make(chan struct{})
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		if n == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		return http.StatusOK
	})
	c := newTestClient(t, ep.server.URL, Config{FlushInterval: time.Second})

	c.TrackEvent(eventN(1), nil)
	manual := make(chan struct{})
	go func() {
		c.Flush()
		close(manual)
	}()
	waitFor(t, "manual flush post", func() bool { return ep.requests.Load() == 1 })

	c.TrackEvent(eventN(2), nil)
	blockUntil(t, c.clock, 1)
	c.clock.Advance(time.Second)
	blockUntil(t, c.clock, 1) // re-armed after the skipped tick

	if got := c.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, skipped tick should not drain", got)
	}

	close(release)
	waitClosed(t, manual, "manual flush")

	c.clock.Advance(time.Second)
	waitFor(t, "next tick flush", func() bool { return ep.requests.Load() == 2 })
}

// --- Shutdown ---

// TestShutdown_GracefulFinalFlush verifies one final flush, then single-attempt retries.
func TestShutdown_GracefulFinalFlush(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{MaxRetries: 5})

	c.TrackEvent(eventN(1), nil)
	c.Shutdown(false)

	if got := ep.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want exactly one final flush", got)
	}
	if got := c.maxRetries.Load(); got != 0 {
		t.Errorf("maxRetries = %d after graceful shutdown, want 0", got)
	}
	waitClosed(t, c.scheduler.Done(), "scheduler to stop")
}

// TestShutdown_GracefulThenFailingFlushMakesOneAttempt verifies fast failure after shutdown.
func TestShutdown_GracefulThenFailingFlushMakesOneAttempt(t *testing.T) {
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		return http.StatusBadGateway
	})
	c := newTestClient(t, ep.server.URL, Config{MaxRetries: 5})
	c.Shutdown(false)

	c.TrackEvent(eventN(1), nil)
	c.Flush() // returns without any retry sleep

	if got := ep.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
	if lines := c.logs.errorLines(); len(lines) != 1 {
		t.Errorf("error lines = %d, want 1", len(lines))
	}
}

// TestShutdown_GracefulWaitsForActiveFlush verifies shutdown blocks on a running flush.
func TestShutdown_GracefulWaitsForActiveFlush(t *testing.T) {
	release := make(chan struct{})
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		if n == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		return http.StatusOK
	})
	c := newTestClient(t, ep.server.URL, Config{})

	c.TrackEvent(eventN(1), nil)
	go c.Flush()
	waitFor(t, "first post", func() bool { return ep.requests.Load() == 1 })
	c.TrackEvent(eventN(2), nil)

	shutdown := make(chan struct{})
	go func() {
		c.Shutdown(false)
		close(shutdown)
	}()

	select {
	case <-shutdown:
		t.Fatal("Shutdown returned while a flush was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitClosed(t, shutdown, "shutdown")

	if got := ep.requests.Load(); got != 2 {
		t.Errorf("requests = %d, want the running flush plus the final flush", got)
	}
}

// TestShutdown_GracefulTimeoutProceeds verifies the wait is bounded.
func TestShutdown_GracefulTimeoutProceeds(t *testing.T) {
	release := make(chan struct{})
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		if n == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		return http.StatusOK
	})
	defer close(release)
	c := newTestClient(t, ep.server.URL, Config{ShutdownTimeout: 2 * time.Second})

	c.TrackEvent(eventN(1), nil)
	go c.Flush()
	waitFor(t, "first post", func() bool { return ep.requests.Load() == 1 })
	c.TrackEvent(eventN(2), nil)

	shutdown := make(chan struct{})
	go func() {
		c.Shutdown(false)
		close(shutdown)
	}()

	waitFor(t, "shutdown to begin", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.stopping
	})
	waitClosed(t, c.scheduler.Done(), "scheduler to stop")
	blockUntil(t, c.clock, 1) // the shutdown wait timer
	c.clock.Advance(2 * time.Second)

	waitClosed(t, shutdown, "shutdown after timeout")

	if got := ep.requests.Load(); got != 2 {
		t.Errorf("requests = %d, want final flush despite the stalled run", got)
	}
	if !strings.Contains(c.logs.String(), "timed out waiting for in-flight flush") {
		t.Error("missing timeout warning")
	}
}

// TestShutdown_ForceAbortsRetrySleep verifies forced shutdown interrupts a
// retrying batch and logs the loss without a final flush.
func TestShutdown_ForceAbortsRetrySleep(t *testing.T) {
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		return http.StatusInternalServerError
	})
	c := newTestClient(t, ep.server.URL, Config{MaxRetries: 10, BatchSize: 2})

	for i := range 4 {
		c.TrackEvent(eventN(i), nil)
	}

	done := make(chan struct{})
	go func() {
		c.Flush()
		close(done)
	}()

	blockUntil(t, c.clock, 2) // first batch sleeping before retry
	c.TrackEvent(eventN(99), nil)
	c.Shutdown(true)

	waitClosed(t, done, "aborted flush")

	if got := ep.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (no final flush, no further retries)", got)
	}
	if got := c.Pending(); got != 1 {
		t.Errorf("Pending() = %d, forced shutdown must not flush", got)
	}
	if got := c.maxRetries.Load(); got != 10 {
		t.Errorf("maxRetries = %d, forced shutdown must not change it", got)
	}

	lines := c.logs.errorLines()
	if len(lines) != 2 {
		t.Fatalf("error lines = %d, want one per aborted batch group; logs:\n%s", len(lines), c.logs.String())
	}
	for _, line := range lines {
		if !strings.Contains(line, "flush aborted") || !strings.Contains(line, `"events":2`) {
			t.Errorf("unexpected abort line %q", line)
		}
	}
}

// TestShutdown_ForceThenFlushDelivers verifies a forced shutdown only aborts
// the runs active at that moment. A later Flush posts normally.
func TestShutdown_ForceThenFlushDelivers(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{MaxRetries: 3})

	c.Shutdown(true)
	c.TrackEvent(eventN(1), nil)
	c.Flush()

	if got := ep.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
	if got := c.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
	if lines := c.logs.errorLines(); len(lines) != 0 {
		t.Errorf("error lines = %v, want none", lines)
	}
	if got := c.maxRetries.Load(); got != 3 {
		t.Errorf("maxRetries = %d, want 3", got)
	}
}

// TestShutdown_ForceAfterAbortKeepsRetrying verifies a flush started after a
// forced abort still sleeps and retries with the configured limit.
func TestShutdown_ForceAfterAbortKeepsRetrying(t *testing.T) {
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		if n <= 2 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	c := newTestClient(t, ep.server.URL, Config{MaxRetries: 5})

	c.TrackEvent(eventN(1), nil)
	aborted := make(chan struct{})
	go func() {
		c.Flush()
		close(aborted)
	}()
	blockUntil(t, c.clock, 2) // flush timer and retry sleep
	c.Shutdown(true)
	waitClosed(t, aborted, "aborted flush")
	waitClosed(t, c.scheduler.Done(), "scheduler to stop")

	c.TrackEvent(eventN(2), nil)
	done := make(chan struct{})
	go func() {
		c.Flush()
		close(done)
	}()
	blockUntil(t, c.clock, 1) // retry sleep only
	c.clock.Advance(c.backoff.Delay(1))
	waitClosed(t, done, "second flush")

	if got := ep.requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	batches := ep.received()
	if got := eventNames(batches[2]); len(got) != 1 || got[0] != "Event 2" {
		t.Errorf("delivered batch = %v, want [Event 2]", got)
	}
}

// TestShutdown_ForceRecordsFlushDuration verifies aborted runs are measured.
func TestShutdown_ForceRecordsFlushDuration(t *testing.T) {
	ep := newEndpoint(t, func(r *http.Request, n int, b record.Batch) int {
		return http.StatusInternalServerError
	})
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	c := newTestClient(t, ep.server.URL, Config{
		MaxRetries: 10,
		Meter:      provider.Meter("test"),
	})

	c.TrackEvent(eventN(1), nil)
	done := make(chan struct{})
	go func() {
		c.Flush()
		close(done)
	}()
	blockUntil(t, c.clock, 2)
	c.Shutdown(true)
	waitClosed(t, done, "aborted flush")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	var count uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "itly.flush.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("itly.flush.duration data = %T", m.Data)
			}
			for _, dp := range hist.DataPoints {
				count += dp.Count
			}
		}
	}
	if count != 1 {
		t.Errorf("flush duration observations = %d, want 1", count)
	}
}

// TestShutdown_GracefulWaitsForRunStartedDuringWait verifies a run that takes
// the slot while shutdown is waiting is waited for too, and keeps its retry
// limit until it ends.
func TestShutdown_GracefulWaitsForRunStartedDuringWait(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{MaxRetries: 5})

	first, _, _ := c.claim(false)
	if first == nil {
		t.Fatal("claim() on an idle client failed")
	}

	shutdown := make(chan struct{})
	go func() {
		c.Shutdown(false)
		close(shutdown)
	}()

	waitClosed(t, c.scheduler.Done(), "scheduler to stop")
	blockUntil(t, c.clock, 1) // shutdown waiting on the first run

	// Hand the slot straight to a second run, as a size-triggered flush would.
	second := make(chan struct{})
	c.mu.Lock()
	c.active = second
	c.mu.Unlock()
	close(first)

	select {
	case <-shutdown:
		t.Fatal("Shutdown returned while a later run held the slot")
	case <-time.After(50 * time.Millisecond):
	}
	if got := c.maxRetries.Load(); got != 5 {
		t.Errorf("maxRetries = %d while a run is active, want 5", got)
	}

	c.TrackEvent(eventN(1), nil)
	c.end(second)
	waitClosed(t, shutdown, "shutdown")

	if got := ep.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want the final flush", got)
	}
	if got := c.maxRetries.Load(); got != 0 {
		t.Errorf("maxRetries = %d after shutdown, want 0", got)
	}
}

// TestShutdown_StopsScheduler verifies no timer flush after shutdown.
func TestShutdown_StopsScheduler(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{FlushInterval: time.Second})

	blockUntil(t, c.clock, 1)
	c.Shutdown(false)
	waitClosed(t, c.scheduler.Done(), "scheduler to stop")

	c.TrackEvent(eventN(1), nil)
	c.clock.Advance(time.Minute)
	time.Sleep(30 * time.Millisecond)

	if got := ep.requests.Load(); got != 0 {
		t.Errorf("requests = %d, want 0 after shutdown", got)
	}
}

// TestShutdown_Idempotent verifies repeated graceful calls flush once.
func TestShutdown_Idempotent(t *testing.T) {
	ep := newEndpoint(t, nil)
	c := newTestClient(t, ep.server.URL, Config{})

	c.TrackEvent(eventN(1), nil)
	c.Shutdown(false)
	c.TrackEvent(eventN(2), nil)
	c.Shutdown(false)

	if got := ep.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
}
