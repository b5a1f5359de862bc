package events

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes envelopes on Redis Pub/Sub channels named
// prefix + topic.
type RedisTransport struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTransport(client redis.UniversalClient, prefix string) *RedisTransport {
	return &RedisTransport{client: client, prefix: prefix}
}

func (t *RedisTransport) Name() string { return "redis" }

func (t *RedisTransport) Send(ctx context.Context, env Envelope, body []byte) error {
	return t.client.Publish(ctx, t.prefix+env.Topic, body).Err()
}
