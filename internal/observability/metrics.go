package observability

import (
	otelmetric "go.opentelemetry.io/otel/metric"
)

// DeliveryMetrics are the instruments recorded by the SDK delivery client.
type DeliveryMetrics struct {
	RecordsEnqueued otelmetric.Int64Counter
	RecordsDropped  otelmetric.Int64Counter
	BatchesSent     otelmetric.Int64Counter
	BatchAttempts   otelmetric.Int64Counter
	BatchFailures   otelmetric.Int64Counter
	BatchSize       otelmetric.Int64Histogram
	FlushDuration   otelmetric.Float64Histogram
	FlushesSkipped  otelmetric.Int64Counter
}

// NewDeliveryMetrics creates the delivery instruments from meter.
func NewDeliveryMetrics(meter otelmetric.Meter) (*DeliveryMetrics, error) {
	var m DeliveryMetrics
	var err error

	if m.RecordsEnqueued, err = meter.Int64Counter(
		"itly.records.enqueued",
		otelmetric.WithDescription("Records appended to the delivery buffer"),
	); err != nil {
		return nil, err
	}

	if m.RecordsDropped, err = meter.Int64Counter(
		"itly.records.dropped",
		otelmetric.WithDescription("Records dropped after retry exhaustion or forced shutdown"),
	); err != nil {
		return nil, err
	}

	if m.BatchesSent, err = meter.Int64Counter(
		"itly.batches.sent",
		otelmetric.WithDescription("Batches accepted by the endpoint"),
	); err != nil {
		return nil, err
	}

	if m.BatchAttempts, err = meter.Int64Counter(
		"itly.batch.attempts",
		otelmetric.WithDescription("Batch POST attempts, including retries"),
	); err != nil {
		return nil, err
	}

	if m.BatchFailures, err = meter.Int64Counter(
		"itly.batch.failures",
		otelmetric.WithDescription("Failed batch POST attempts"),
	); err != nil {
		return nil, err
	}

	if m.BatchSize, err = meter.Int64Histogram(
		"itly.batch.size",
		otelmetric.WithDescription("Records per outbound batch"),
	); err != nil {
		return nil, err
	}

	if m.FlushDuration, err = meter.Float64Histogram(
		"itly.flush.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("Flush run duration in milliseconds"),
	); err != nil {
		return nil, err
	}

	if m.FlushesSkipped, err = meter.Int64Counter(
		"itly.flush.skipped",
		otelmetric.WithDescription("Flush requests ignored because a run was active"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// CollectorMetrics are the instruments recorded by the collector service.
type CollectorMetrics struct {
	// HTTP metrics
	HTTPRequestDuration otelmetric.Float64Histogram
	HTTPRequestTotal    otelmetric.Int64Counter
	HTTPRequestErrors   otelmetric.Int64Counter

	// Ingestion metrics
	RecordsReceived  otelmetric.Int64Counter
	RecordsPublished otelmetric.Int64Counter
	PublishFailures  otelmetric.Int64Counter
	BatchesDuplicate otelmetric.Int64Counter
	RateLimited      otelmetric.Int64Counter
}

// NewCollectorMetrics creates the collector instruments from meter.
func NewCollectorMetrics(meter otelmetric.Meter) (*CollectorMetrics, error) {
	var m CollectorMetrics
	var err error

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.request.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestTotal, err = meter.Int64Counter(
		"http.request.total",
		otelmetric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestErrors, err = meter.Int64Counter(
		"http.request.errors",
		otelmetric.WithDescription("HTTP request errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordsReceived, err = meter.Int64Counter(
		"collector.records.received",
		otelmetric.WithDescription("Records received in valid batches"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordsPublished, err = meter.Int64Counter(
		"collector.records.published",
		otelmetric.WithDescription("Records published to NATS"),
	)
	if err != nil {
		return nil, err
	}

	m.PublishFailures, err = meter.Int64Counter(
		"collector.publish.failures",
		otelmetric.WithDescription("Batches that failed to publish to NATS"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchesDuplicate, err = meter.Int64Counter(
		"collector.batches.duplicate",
		otelmetric.WithDescription("Batches dropped as duplicates by idempotency key"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimited, err = meter.Int64Counter(
		"collector.rate_limited",
		otelmetric.WithDescription("Requests rejected by the per-key rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}
