// Package eventbus implements the in-process domain event bus. Publishers
// fan outcomes out to notification handlers; a misbehaving handler is
// isolated and logged, never surfaced to the publisher.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/oakvault/wallet-engine/internal/app/domain/event"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// ErrNotStarted is returned when Publish is called outside the bus
// lifecycle; it indicates a wiring bug in the composition root.
var ErrNotStarted = errors.New("event bus is not started")

// Handler consumes one event. Returned errors are logged, not propagated.
type Handler func(ctx context.Context, evt event.Event) error

// Subscription identifies one handler registration.
type Subscription struct {
	ID        string
	EventName string

	unsubscribe func()
}

// Unsubscribe removes the handler from the bus. Safe to call more than
// once.
func (s Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

type registration struct {
	id      string
	handler Handler
}

// Bus is the in-process domain event bus. The handler registry is guarded
// by a mutex because subscriptions and publishes may arrive from
// concurrent callers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	started  bool

	inflight sync.WaitGroup
	log      *logger.Logger
}

// New creates a stopped bus.
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("eventbus")
	}
	return &Bus{
		handlers: make(map[string][]registration),
		log:      log,
	}
}

// Name implements system.Service.
func (b *Bus) Name() string { return "eventbus" }

// Start enables publishing.
func (b *Bus) Start(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	b.log.Debug("event bus started")
	return nil
}

// Stop disables publishing, waits for in-flight handlers and clears the
// registry.
func (b *Bus) Stop(context.Context) error {
	b.mu.Lock()
	b.started = false
	b.handlers = make(map[string][]registration)
	b.mu.Unlock()

	b.inflight.Wait()
	b.log.Debug("event bus stopped")
	return nil
}

// Subscribe registers a handler for the named event.
func (b *Bus) Subscribe(eventName string, handler Handler) Subscription {
	id := uuid.NewString()

	b.mu.Lock()
	b.handlers[eventName] = append(b.handlers[eventName], registration{id: id, handler: handler})
	b.mu.Unlock()

	return Subscription{
		ID:        id,
		EventName: eventName,
		unsubscribe: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			regs := b.handlers[eventName]
			for i, reg := range regs {
				if reg.id == id {
					b.handlers[eventName] = append(regs[:i], regs[i+1:]...)
					return
				}
			}
		},
	}
}

// Publish dispatches the event to every subscribed handler, each on its
// own goroutine so one slow or failing handler cannot delay or abort the
// rest. Errors and panics are logged with the event context and never
// reach the publisher.
func (b *Bus) Publish(ctx context.Context, evt event.Event) error {
	b.mu.RLock()
	if !b.started {
		b.mu.RUnlock()
		return fmt.Errorf("publish %s: %w", evt.Name, ErrNotStarted)
	}
	regs := make([]registration, len(b.handlers[evt.Name]))
	copy(regs, b.handlers[evt.Name])
	// Counted while the started check still holds, so Stop cannot observe
	// a zero counter between the check and the dispatch.
	b.inflight.Add(len(regs))
	b.mu.RUnlock()

	// Handlers outlive the publisher's scope. A request-bound context must
	// not cancel notification writes after the response is sent.
	hctx := context.WithoutCancel(ctx)
	for _, reg := range regs {
		reg := reg
		go func() {
			defer b.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.WithField("event", evt.Name).
						WithField("event_id", evt.EventID).
						WithField("panic", r).
						Error("event handler panicked")
				}
			}()
			if err := reg.handler(hctx, evt); err != nil {
				b.log.WithError(err).
					WithField("event", evt.Name).
					WithField("event_id", evt.EventID).
					WithField("aggregate_id", evt.AggregateID).
					Error("event handler failed")
			}
		}()
	}
	return nil
}

// PublishAll publishes events in order, stopping at the first bus-level
// error.
func (b *Bus) PublishAll(ctx context.Context, events []event.Event) error {
	for _, evt := range events {
		if err := b.Publish(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// SubscribedEvents lists the event names with at least one handler.
func (b *Bus) SubscribedEvents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.handlers))
	for name, regs := range b.handlers {
		if len(regs) > 0 {
			names = append(names, name)
		}
	}
	return names
}
