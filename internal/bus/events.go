// Package bus carries instance lifecycle events from the orchestrator to its
// subscribers (streaming bridge, control plane, router). Fan-out is
// per-subscriber buffered so a slow listener cannot stall the supervisor.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// EventType identifies an instance lifecycle event.
type EventType string

const (
	InstanceStarting    EventType = "instance:starting"
	InstanceReady       EventType = "instance:ready"
	InstanceStopped     EventType = "instance:stopped"
	InstanceCrashed     EventType = "instance:crashed"
	InstanceFailed      EventType = "instance:failed"
	InstanceIdleTimeout EventType = "instance:idle-timeout"
	PortExhausted       EventType = "port-exhausted"
)

// Event is one instance lifecycle notification.
type Event struct {
	Type        EventType
	InstanceID  string
	TopicID     int
	Port        int
	SessionID   string // bound by the integrator on instance:ready, empty otherwise
	WorkDir     string
	Error       string
	WillRestart bool // set on instance:crashed
}

// Handler consumes lifecycle events. Called from the subscriber's own goroutine.
type Handler func(Event)

// subscriberQueueSize bounds the per-subscriber backlog. Overflow drops the
// oldest event; lifecycle events are advisory and the authoritative state
// lives in the orchestrator.
const subscriberQueueSize = 64

type subscriber struct {
	id string
	ch chan Event
}

// Dispatcher fans events out to subscribers, each on its own goroutine.
type Dispatcher struct {
	mu   sync.Mutex
	subs map[string]*subscriber
	wg   sync.WaitGroup
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[string]*subscriber)}
}

// Subscribe registers a handler under an ID, replacing any previous handler
// with the same ID. The handler runs until Unsubscribe or ctx cancellation.
func (d *Dispatcher) Subscribe(ctx context.Context, id string, h Handler) {
	d.mu.Lock()
	if prev, ok := d.subs[id]; ok {
		close(prev.ch)
		delete(d.subs, id)
	}
	sub := &subscriber{id: id, ch: make(chan Event, subscriberQueueSize)}
	d.subs[id] = sub
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				h(ev)
			}
		}
	}()
}

// Unsubscribe removes a subscriber. Pending events for it are discarded.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subs[id]; ok {
		close(sub.ch)
		delete(d.subs, id)
	}
}

// Publish delivers an event to every subscriber without blocking. When a
// subscriber's queue is full the oldest event is dropped to make room.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case dropped := <-sub.ch:
				slog.Warn("event dropped for slow subscriber",
					"subscriber", sub.id, "dropped", dropped.Type, "instance_id", dropped.InstanceID)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// Close removes all subscribers and waits for their goroutines to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for id, sub := range d.subs {
		close(sub.ch)
		delete(d.subs, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
