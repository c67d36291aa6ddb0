package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/SebastienMelki/itly/internal/record"
)

// SubjectPrefix is the root token of every tracking subject.
const SubjectPrefix = "tracking"

// Message headers set on every published record.
const (
	HeaderKeyID = "Itly-Key-Id"
	HeaderKind  = "Itly-Type"
)

// rawToken is the subject token for records without an event name.
const rawToken = "raw"

// msgPublisher is the part of jetstream.JetStream the publisher needs.
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Envelope is the JSON payload of one published record.
type Envelope struct {
	BranchName          *string       `json:"branchName"`
	TrackingPlanVersion *string       `json:"trackingPlanVersion"`
	ReceivedAt          string        `json:"receivedAt"`
	KeyID               string        `json:"keyId"`
	Record              record.Record `json:"record"`
}

// Publisher publishes accepted records to NATS JetStream, one message per record.
type Publisher struct {
	js     msgPublisher
	logger *slog.Logger
}

// NewPublisher creates a new record publisher.
func NewPublisher(js jetstream.JetStream, logger *slog.Logger) *Publisher {
	return newPublisher(js, logger)
}

func newPublisher(js msgPublisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		js:     js,
		logger: logger.With("component", "publisher"),
	}
}

// PublishBatch publishes every record of b. When batchKey is set each
// message carries the id "<batchKey>-<index>", so a batch the SDK retries
// after a partial failure is not stored twice.
// Returns the number of records published and any error.
func (p *Publisher) PublishBatch(ctx context.Context, batchKey, keyID string, b record.Batch, receivedAt time.Time) (int, error) {
	published := 0
	stamp := receivedAt.UTC().Format(record.DateLayout)

	for i, r := range b.Objects {
		msg, err := p.buildMsg(b, r, keyID, stamp)
		if err != nil {
			return published, err
		}

		var opts []jetstream.PublishOpt
		if batchKey != "" {
			opts = append(opts, jetstream.WithMsgID(batchKey+"-"+strconv.Itoa(i)))
		}

		ack, err := p.js.PublishMsg(ctx, msg, opts...)
		if err != nil {
			p.logger.Error("failed to publish record in batch",
				"subject", msg.Subject,
				"index", i,
				"error", err,
			)
			// Continue with remaining records
			continue
		}
		published++

		p.logger.Debug("record published",
			"subject", msg.Subject,
			"stream", ack.Stream,
			"sequence", ack.Sequence,
			"duplicate", ack.Duplicate,
		)
	}

	if published < len(b.Objects) {
		return published, fmt.Errorf("%w: %d of %d failed", ErrPartialPublish, len(b.Objects)-published, len(b.Objects))
	}

	return published, nil
}

func (p *Publisher) buildMsg(b record.Batch, r record.Record, keyID, receivedAt string) (*nats.Msg, error) {
	data, err := json.Marshal(Envelope{
		BranchName:          b.BranchName,
		TrackingPlanVersion: b.TrackingPlanVersion,
		ReceivedAt:          receivedAt,
		KeyID:               keyID,
		Record:              r,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	msg := nats.NewMsg(DeriveSubject(r))
	msg.Data = data
	msg.Header.Set(HeaderKind, r.Kind)
	if keyID != "" {
		msg.Header.Set(HeaderKeyID, keyID)
	}
	return msg, nil
}

// DeriveSubject returns the subject for r.
// Format: tracking.{type}.{event name, or "raw" when there is none}.
func DeriveSubject(r record.Record) string {
	name := rawToken
	if r.EventName != nil {
		name = SanitizeSubjectName(*r.EventName)
	}
	return SubjectPrefix + "." + r.Kind + "." + name
}

// SanitizeSubjectName turns an event name into a single subject token.
func SanitizeSubjectName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '.', '*', '>':
			return '_'
		}
		return r
	}, name)
	if name == "" {
		return rawToken
	}
	return name
}
