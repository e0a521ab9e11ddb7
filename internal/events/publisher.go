package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamNotifications is the Redis stream carrying engine notifications for
// out-of-process consumers (UI push, audit log).
const StreamNotifications = "storycore.notifications"

// Publisher appends envelopes to a Redis stream. Optional: the in-process Bus
// works without it, and a Publisher is just one more bus sink.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewPublisher builds a stream publisher. maxLen caps the stream approximately;
// zero means unbounded.
func NewPublisher(client *redis.Client, stream string, maxLen int64) *Publisher {
	if stream == "" {
		stream = StreamNotifications
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish validates and appends one envelope. Returns the stream entry id.
func (p *Publisher) Publish(ctx context.Context, envelope Envelope) (string, error) {
	if err := envelope.ValidateBasic(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"event_id":   envelope.EventID,
			"event_type": envelope.EventType,
			"entity_id":  envelope.EntityID,
			"payload":    string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// Sink adapts the publisher into a bus sink with a bounded per-event timeout.
func (p *Publisher) Sink(timeout time.Duration) Sink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(envelope Envelope) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := p.Publish(ctx, envelope)
		return err
	}
}
