// Package messaging announces engine domain events to other services.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowspec/backend/internal/logging"
	"flowspec/backend/pkg/models"

	backend "github.com/redis/go-redis/v9"
)

// StreamPublisher appends domain events to a Redis stream. Each entry has
// the fields type, company_id and payload (the JSON encoded event).
type StreamPublisher struct {
	client *backend.Client
	stream string
	maxLen int64
	log    *logging.Logger
}

// NewStreamPublisher creates a publisher writing to stream. A positive
// maxLen caps the stream approximately at that many entries.
func NewStreamPublisher(client *backend.Client, stream string, maxLen int64, log *logging.Logger) *StreamPublisher {
	if log == nil {
		log = logging.NewNop()
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen, log: log}
}

// Publish appends the event. OccurredAt is filled in when unset.
func (p *StreamPublisher) Publish(ctx context.Context, event models.DomainEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &backend.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":       string(event.Type),
			"company_id": event.CompanyID,
			"payload":    payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	p.log.Debug("event published", "type", event.Type, "stream", p.stream, "entry_id", id)
	return nil
}

// LogPublisher writes events to the log only. Used when no stream is configured.
type LogPublisher struct {
	log *logging.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(log *logging.Logger) *LogPublisher {
	if log == nil {
		log = logging.NewNop()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, event models.DomainEvent) error {
	p.log.Debug("event", "type", event.Type, "company_id", event.CompanyID,
		"workflow_id", event.WorkflowID, "flow_id", event.FlowID)
	return nil
}

// Decode parses a stream entry written by StreamPublisher.
func Decode(msg backend.XMessage) (models.DomainEvent, error) {
	var ev models.DomainEvent
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return ev, fmt.Errorf("stream entry %s has no payload", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, fmt.Errorf("failed to decode stream entry %s: %w", msg.ID, err)
	}
	return ev, nil
}
