package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/SebastienMelki/itly/internal/dedup"
	"github.com/SebastienMelki/itly/internal/observability"
	"github.com/SebastienMelki/itly/internal/record"
)

// IdempotencyHeader carries the batch key the delivery client reuses on retries.
const IdempotencyHeader = "X-Idempotency-Key"

// Publisher publishes the records of an accepted batch.
type Publisher interface {
	PublishBatch(ctx context.Context, batchKey, keyID string, b record.Batch, receivedAt time.Time) (int, error)
}

// TrackHandler serves POST /track.
type TrackHandler struct {
	publisher Publisher
	dedup     dedup.Deduplicator
	clock     clockwork.Clock
	metrics   *observability.CollectorMetrics
	logger    *slog.Logger
}

// NewTrackHandler creates the ingestion handler. dedup and metrics may be nil.
func NewTrackHandler(
	publisher Publisher,
	dd dedup.Deduplicator,
	clock clockwork.Clock,
	metrics *observability.CollectorMetrics,
	logger *slog.Logger,
) *TrackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TrackHandler{
		publisher: publisher,
		dedup:     dd,
		clock:     clock,
		metrics:   metrics,
		logger:    logger.With("component", "track-handler"),
	}
}

// ServeHTTP decodes and validates a batch, answers duplicates without
// publishing, and publishes the rest. A batch key is marked as seen only
// after every record was published, so a failed batch can be retried.
func (h *TrackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	batchKey := r.Header.Get(IdempotencyHeader)
	keyID := KeyID(r.Context())

	b, err := decodeBatch(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.logger.Debug("batch rejected", "key_id", keyID, "status", status, "error", err)
		writeError(w, status, err)
		return
	}

	if h.dedup != nil && h.dedup.Seen(batchKey) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	ctx := r.Context()
	attrs := otelmetric.WithAttributes(attribute.String("key_id", keyID))
	if h.metrics != nil {
		h.metrics.RecordsReceived.Add(ctx, int64(len(b.Objects)), attrs)
	}

	published, err := h.publisher.PublishBatch(ctx, batchKey, keyID, b, h.clock.Now())
	if h.metrics != nil {
		h.metrics.RecordsPublished.Add(ctx, int64(published), attrs)
	}
	if err != nil {
		if h.metrics != nil {
			h.metrics.PublishFailures.Add(ctx, 1, attrs)
		}
		h.logger.Error("failed to publish batch",
			"key_id", keyID,
			"idempotency_key", batchKey,
			"records", len(b.Objects),
			"published", published,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, ErrPublishFailed)
		return
	}

	if h.dedup != nil {
		h.dedup.MarkSeen(batchKey)
	}

	h.logger.Debug("batch accepted",
		"key_id", keyID,
		"idempotency_key", batchKey,
		"records", published,
		"branch", record.Deref(b.BranchName),
		"version", record.Deref(b.TrackingPlanVersion),
	)

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": published})
}

func decodeBatch(r *http.Request) (record.Batch, error) {
	var b record.Batch
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return record.Batch{}, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, maxErr.Limit)
		}
		return record.Batch{}, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
	}
	if err := b.Validate(); err != nil {
		return record.Batch{}, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
	}
	return b, nil
}
