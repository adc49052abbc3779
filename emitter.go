package ratelimit

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Emitter publishes quota-violation events to the broadcast bus an
// external front-end (the WebSocket layer this module does not
// implement) fans out to connected clients. The engine itself never
// calls Publish and never subscribes; it holds the configured Emitter
// and hands it out through Engine.Emitter.
type Emitter interface {
	Publish(ctx context.Context, channel string, message string) error
}

// NewRedisEmitter adapts a redis.UniversalClient to Emitter via PUBLISH.
func NewRedisEmitter(client redis.UniversalClient) Emitter {
	return redisEmitter{client: client}
}

type redisEmitter struct {
	client redis.UniversalClient
}

func (e redisEmitter) Publish(ctx context.Context, channel string, message string) error {
	return e.client.Publish(ctx, channel, message).Err()
}

type noopEmitter struct{}

func (noopEmitter) Publish(context.Context, string, string) error { return nil }

func defaultEmitter() Emitter {
	return noopEmitter{}
}
