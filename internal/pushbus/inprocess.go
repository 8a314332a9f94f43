package pushbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// InProcessBus is a single-process Bus backed by a bounded channel, the
// default for single-node deployments and for tests. Grounded on the
// teacher's Hub.broadcasts channel + broadcastLoop/queueBroadcast: a bounded
// queue that drops the incoming item rather than blocking the publisher.
type InProcessBus struct {
	mu          sync.Mutex
	subscribers map[chan Envelope]struct{}
	capacity    int
	log         zerolog.Logger

	dropped int64
}

// NewInProcessBus builds an in-process bus with the given per-subscriber
// queue capacity.
func NewInProcessBus(capacity int, log zerolog.Logger) *InProcessBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &InProcessBus{
		subscribers: make(map[chan Envelope]struct{}),
		capacity:    capacity,
		log:         log.With().Str("component", "pushbus_inprocess").Logger(),
	}
}

// Publish fans the envelope out to every subscriber's queue, dropping for
// any subscriber whose queue is full rather than blocking (mirrors
// queueBroadcast's non-blocking send-or-drop).
func (b *InProcessBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		select {
		case ch <- env:
		default:
			b.dropped++
			b.log.Warn().Str("target", env.Target).Msg("push bus queue full, dropping envelope")
		}
	}
	return nil
}

// Subscribe registers a new subscriber channel, closed automatically when
// ctx is cancelled.
func (b *InProcessBus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	ch := make(chan Envelope, b.capacity)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Close is a no-op for the in-process bus; subscribers detach via their own
// context cancellation.
func (b *InProcessBus) Close() error {
	return nil
}

// Dropped returns the count of envelopes dropped due to a full subscriber
// queue.
func (b *InProcessBus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
