package pushbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestInProcessBusDeliversToSubscriber(t *testing.T) {
	bus := NewInProcessBus(4, zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	env := Envelope{Target: "dev-1", Payload: json.RawMessage(`{"ok":true}`)}
	if err := bus.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.Target != "dev-1" {
			t.Fatalf("expected target dev-1, got %q", got.Target)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestInProcessBusFanOutToMultipleSubscribers(t *testing.T) {
	bus := NewInProcessBus(4, zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, _ := bus.Subscribe(ctx)
	second, _ := bus.Subscribe(ctx)

	if err := bus.Publish(ctx, Envelope{Target: "all"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, ch := range []<-chan Envelope{first, second} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestInProcessBusDropsWhenSubscriberQueueFull(t *testing.T) {
	bus := NewInProcessBus(1, zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := bus.Subscribe(ctx)

	if err := bus.Publish(ctx, Envelope{Target: "dev-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// The subscriber's single-slot queue is now full and never drained, so
	// this second publish must drop rather than block.
	if err := bus.Publish(ctx, Envelope{Target: "dev-2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := bus.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped envelope, got %d", got)
	}

	<-ch
}

func TestInProcessBusSubscriberDetachesOnContextCancel(t *testing.T) {
	bus := NewInProcessBus(4, zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected the channel to close after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
