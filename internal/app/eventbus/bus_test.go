package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oakvault/wallet-engine/internal/app/domain/event"
)

func TestPublishBeforeStartFails(t *testing.T) {
	bus := New(nil)
	err := bus.Publish(context.Background(), event.New("Test", "agg", nil))
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := New(nil)
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer bus.Stop(context.Background())

	second := make(chan struct{})
	bus.Subscribe("Test", func(context.Context, event.Event) error {
		return fmt.Errorf("handler exploded")
	})
	bus.Subscribe("Test", func(context.Context, event.Event) error {
		close(second)
		return nil
	})

	if err := bus.Publish(context.Background(), event.New("Test", "agg", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatalf("second handler never ran")
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := New(nil)
	_ = bus.Start(context.Background())
	defer bus.Stop(context.Background())

	done := make(chan struct{})
	bus.Subscribe("Test", func(context.Context, event.Event) error {
		panic("boom")
	})
	bus.Subscribe("Test", func(context.Context, event.Event) error {
		close(done)
		return nil
	})

	if err := bus.Publish(context.Background(), event.New("Test", "agg", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("surviving handler never ran")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)
	_ = bus.Start(context.Background())

	var calls atomic.Int32
	first := make(chan struct{})
	sub := bus.Subscribe("Test", func(context.Context, event.Event) error {
		if calls.Add(1) == 1 {
			close(first)
		}
		return nil
	})

	_ = bus.Publish(context.Background(), event.New("Test", "agg", nil))
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}

	sub.Unsubscribe()
	_ = bus.Publish(context.Background(), event.New("Test", "agg", nil))
	_ = bus.Stop(context.Background()) // waits for in-flight handlers
	if calls.Load() != 1 {
		t.Fatalf("unsubscribed handler still invoked: %d calls", calls.Load())
	}
}

func TestHandlerContextOutlivesPublisher(t *testing.T) {
	bus := New(nil)
	_ = bus.Start(context.Background())
	defer bus.Stop(context.Background())

	release := make(chan struct{})
	errs := make(chan error, 1)
	bus.Subscribe("Test", func(ctx context.Context, _ event.Event) error {
		<-release
		errs <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := bus.Publish(ctx, event.New("Test", "agg", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	cancel()
	close(release)

	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("handler context canceled with the publisher: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}
}

func TestStopWaitsForInflightHandlers(t *testing.T) {
	bus := New(nil)
	_ = bus.Start(context.Background())

	var finished atomic.Bool
	bus.Subscribe("Test", func(context.Context, event.Event) error {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	if err := bus.Publish(context.Background(), event.New("Test", "agg", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !finished.Load() {
		t.Fatalf("stop returned before the in-flight handler finished")
	}
}

func TestStopClearsRegistry(t *testing.T) {
	bus := New(nil)
	_ = bus.Start(context.Background())
	bus.Subscribe("Test", func(context.Context, event.Event) error { return nil })

	if names := bus.SubscribedEvents(); len(names) != 1 {
		t.Fatalf("expected one subscription, got %v", names)
	}
	_ = bus.Stop(context.Background())
	if names := bus.SubscribedEvents(); len(names) != 0 {
		t.Fatalf("registry should be cleared on stop, got %v", names)
	}
}

func TestEventPayloadIsCopied(t *testing.T) {
	payload := map[string]any{"k": "v"}
	evt := event.New("Test", "agg", payload)
	payload["k"] = "mutated"
	if evt.Payload["k"] != "v" {
		t.Fatalf("event payload should be immutable")
	}
}
