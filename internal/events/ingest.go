// Package events accepts conference backend webhooks and turns the ones that
// matter into saga operations.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bbb-stream-controller/internal/checksum"
	"bbb-stream-controller/internal/observability/logging"
	"bbb-stream-controller/internal/observability/metrics"
	"bbb-stream-controller/internal/saga"
)

const (
	// Endpoint is the checksum tag webhook calls are signed with.
	Endpoint = "bbbObserver"
	// MeetingEnding is the only actionable event name.
	MeetingEnding = "MeetingEndingEvtMsg"
)

// Ender is the saga capability the ingest needs.
type Ender interface {
	ExternalEnd(ctx context.Context, internalMeetingID string) (saga.EndResult, error)
}

// Header identifies an event and the internal meeting it concerns.
type Header struct {
	Name      string `json:"name"`
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId,omitempty"`
}

// Event is the envelope posted by the conference backend.
type Event struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body"`
}

// Config wires an Ingest. Verifier carries the webhook secret and replay
// window and is required.
type Config struct {
	Verifier *checksum.Verifier
	Saga     Ender
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// Ingest validates webhook calls and dispatches meeting-ending events.
type Ingest struct {
	verifier *checksum.Verifier
	saga     Ender
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// New returns an Ingest for cfg.
func New(cfg Config) (*Ingest, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("events: checksum verifier is required")
	}
	if cfg.Saga == nil {
		return nil, errors.New("events: saga is required")
	}
	in := &Ingest{verifier: cfg.Verifier, saga: cfg.Saga, metrics: cfg.Metrics, logger: cfg.Logger}
	if in.metrics == nil {
		in.metrics = metrics.Default()
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	in.logger = logging.WithComponent(in.logger, "events")
	return in, nil
}

// Handle verifies params and acts on the event they carry. Checksum failures
// wrap checksum.ErrInvalid or checksum.ErrExpired; unusable events wrap
// saga.ErrValidation.
func (in *Ingest) Handle(ctx context.Context, params map[string]any) (saga.EndResult, error) {
	if err := in.verifier.Verify(params, Endpoint); err != nil {
		return saga.EndResult{}, fmt.Errorf("webhook checksum: %w", err)
	}
	event, err := Decode(params["event"])
	if err != nil {
		return saga.EndResult{}, err
	}
	in.metrics.ObserveWebhookEvent(event.Header.Name)

	if event.Header.Name != MeetingEnding {
		return saga.EndResult{}, fmt.Errorf("uninteresting event %q: %w", event.Header.Name, saga.ErrValidation)
	}
	internalID := strings.TrimSpace(event.Header.MeetingID)
	if internalID == "" {
		return saga.EndResult{}, fmt.Errorf("event header has no meetingId: %w", saga.ErrValidation)
	}
	in.logger.Info("meeting ending", "internal_meeting_id", internalID)
	return in.saga.ExternalEnd(ctx, internalID)
}

// Decode parses the event parameter, which arrives either as a JSON document
// in a string or as an already decoded object.
func Decode(raw any) (Event, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return Event{}, fmt.Errorf("missing event parameter: %w", saga.ErrValidation)
	case string:
		data = []byte(v)
	case json.RawMessage:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return Event{}, fmt.Errorf("encode event: %v: %w", err, saga.ErrValidation)
		}
		data = encoded
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("parse event: %v: %w", err, saga.ErrValidation)
	}
	if event.Header.Name == "" {
		return Event{}, fmt.Errorf("event header has no name: %w", saga.ErrValidation)
	}
	return event, nil
}
