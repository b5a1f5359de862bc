// Package events delivers domain events to every configured transport:
// the in-process websocket hub for dashboards, and Redis Pub/Sub, RabbitMQ
// or NATS for downstream consumers.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Envelope wraps every payload with an id and timestamp so consumers can
// deduplicate at-least-once deliveries.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher publishes a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Transport moves an encoded envelope to one backend.
type Transport interface {
	Name() string
	Send(ctx context.Context, env Envelope, body []byte) error
}

// Bus encodes a payload once and hands it to every transport. A failing
// transport does not stop delivery to the others.
type Bus struct {
	transports []Transport
	log        zerolog.Logger
	now        func() time.Time
}

func NewBus(log zerolog.Logger, transports ...Transport) *Bus {
	return &Bus{transports: transports, log: log, now: time.Now}
}

// Transports returns the configured transport names.
func (b *Bus) Transports() []string {
	names := make([]string, len(b.transports))
	for i, t := range b.transports {
		names[i] = t.Name()
	}
	return names
}

func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	env, body, err := Encode(topic, payload, b.now())
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range b.transports {
		if err := t.Send(ctx, env, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	b.log.Debug().Str("topic", topic).Str("event_id", env.ID).Msg("event published")
	return nil
}

// Encode builds the envelope for payload and returns it with its JSON form.
func Encode(topic string, payload any, at time.Time) (Envelope, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: at.UTC(),
		Payload:   raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("marshal %s envelope: %w", topic, err)
	}
	return env, body, nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
