package pushbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// channelName is the single Redis pub/sub channel every control-plane node
// publishes to and subscribes from. One channel is sufficient since each
// envelope carries its own Target and every node filters on delivery at the
// registry layer (a node with no local session for Target simply has
// nothing to do with the envelope).
const channelName = "fleetguard:pushbus"

// wireEnvelope is Envelope's JSON transport shape.
type wireEnvelope struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBus is a Bus backed by Redis pub/sub, letting multiple
// control-plane processes share one logical Push Bus (spec §6:
// "REDIS_URL or equivalent pub/sub endpoint"; spec §4.2's horizontal
// scale-out rationale).
type RedisBus struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisBus connects to the given Redis URL (redis://host:port/db).
func NewRedisBus(redisURL string, log zerolog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("pushbus: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return &RedisBus{
		client: client,
		log:    log.With().Str("component", "pushbus_redis").Logger(),
	}, nil
}

// Publish marshals the envelope and publishes it to the shared channel.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(wireEnvelope{Target: env.Target, Payload: env.Payload})
	if err != nil {
		return fmt.Errorf("pushbus: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelName, data).Err(); err != nil {
		return fmt.Errorf("pushbus: publish: %w", err)
	}
	return nil
}

// Subscribe opens a Redis pub/sub subscription and translates incoming
// messages into Envelopes on the returned channel.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	sub := b.client.Subscribe(ctx, channelName)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("pushbus: subscribe: %w", err)
	}

	out := make(chan Envelope, 256)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				var wire wireEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
					b.log.Warn().Err(err).Msg("discarding malformed push bus message")
					continue
				}
				env := Envelope{Target: wire.Target, Payload: wire.Payload}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
