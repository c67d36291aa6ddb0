package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/SebastienMelki/itly/internal/record"
)

// maxLoggedBody caps how much of a failed response body is logged.
const maxLoggedBody = 1024

// IdempotencyHeader carries the per-batch key that stays the same across
// retries of one batch.
const IdempotencyHeader = "X-Idempotency-Key"

// SenderConfig configures a Sender.
type SenderConfig struct {
	Endpoint            string
	APIKey              string
	BranchName          string
	TrackingPlanVersion string
	UserAgent           string
}

// Sender performs one POST of one batch. It never returns an error: the
// outcome is the boolean, and failures are logged.
type Sender struct {
	client *http.Client
	config SenderConfig
	logger *slog.Logger
}

// NewSender creates a Sender using client for HTTP calls.
func NewSender(client *http.Client, cfg SenderConfig, logger *slog.Logger) *Sender {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		client: client,
		config: cfg,
		logger: logger.With("component", "batch-sender"),
	}
}

// Post sends records as one batch and reports whether the endpoint answered
// with a 2xx status. batchKey is sent as the idempotency key when non-empty.
func (s *Sender) Post(ctx context.Context, batchKey string, records []record.Record) bool {
	body, err := json.Marshal(record.NewBatch(s.config.BranchName, s.config.TrackingPlanVersion, records))
	if err != nil {
		s.logger.Warn("failed to marshal batch",
			"endpoint", s.config.Endpoint,
			"events", len(records),
			"error", err,
		)
		return false
	}

	status, header, respBody, err := s.do(ctx, batchKey, body)
	if err != nil {
		s.logger.Warn("batch post failed",
			"endpoint", s.config.Endpoint,
			"payload", string(body),
			"error_type", fmt.Sprintf("%T", err),
			"error", err,
		)
		return false
	}

	if status >= 200 && status < 300 {
		return true
	}

	s.logger.Warn("batch rejected",
		"endpoint", s.config.Endpoint,
		"payload", string(body),
		"status", status,
		"headers", header,
		"body", string(respBody),
	)
	return false
}

func (s *Sender) do(ctx context.Context, batchKey string, body []byte) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}
	if batchKey != "" {
		req.Header.Set(IdempotencyHeader, batchKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	// Drain the rest so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, resp.Header, respBody, nil
}
