package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSTransport publishes envelopes on subjects named prefix + "." + topic.
type NATSTransport struct {
	conn   *nats.Conn
	prefix string
}

func ConnectNATS(url, prefix string) (*NATSTransport, error) {
	nc, err := nats.Connect(url,
		nats.Name("ed-server"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSTransport{conn: nc, prefix: prefix}, nil
}

func (t *NATSTransport) Name() string { return "nats" }

func (t *NATSTransport) Send(_ context.Context, env Envelope, body []byte) error {
	return t.conn.Publish(t.prefix+"."+env.Topic, body)
}

// Close flushes pending messages before disconnecting.
func (t *NATSTransport) Close() error {
	return t.conn.Drain()
}
