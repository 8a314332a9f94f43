// Package pushbus is the Push Bus (C3): a publish/subscribe envelope bus
// that decouples dashboard-facing API handlers from the live Agent Session
// I/O goroutines, the way the teacher's internal/dashboard/hub.go decouples
// handlers from readPump/writePump via a broadcasts channel.
package pushbus

import (
	"context"
	"encoding/json"
)

// Envelope is one routed message: either to a single device or to every
// connected device ("all").
type Envelope struct {
	Target  string // device id, or "all"
	Payload json.RawMessage
}

// Bus is the publish/subscribe interface the Dispatcher publishes to and
// the server's session layer subscribes from. Two implementations exist:
// an in-process channel bus (default) and a Redis-backed bus for
// horizontal scale-out (spec §6: "REDIS_URL or equivalent pub/sub
// endpoint").
type Bus interface {
	// Publish enqueues an envelope for delivery. It must never block the
	// caller for long; the in-process bus drops the envelope being
	// published when a subscriber queue is full and increments its dropped
	// counter (mirroring the teacher's queueBroadcast drop-on-full
	// behavior).
	Publish(ctx context.Context, env Envelope) error

	// Subscribe returns a channel of envelopes this bus delivers. Closing
	// ctx unsubscribes and closes the returned channel.
	Subscribe(ctx context.Context) (<-chan Envelope, error)

	// Close releases any resources (connections, goroutines) held by the
	// bus.
	Close() error
}
