package hooks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Event names a notification published on the bus.
type Event string

const (
	EventCircuitOpened     Event = "circuit_opened"
	EventBudgetExceeded    Event = "budget_exceeded"
	EventHookFailed        Event = "hook_failed"
	EventChainAborted      Event = "chain_aborted"
	EventPersonaActivated  Event = "persona_activated"
	EventExpertiseRejected Event = "expertise_rejected"
)

// Notification is a single published event.
type Notification struct {
	Event     Event          `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Operation string         `json:"operation,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Event       Event
	Callback    func(*Notification)
	Filter      func(*Notification) bool
	Unsubscribe func()
}

// EventBus distributes notifications to subscribers. A panicking subscriber
// never affects other subscribers or the publisher.
type EventBus struct {
	subscribers map[Event][]*Subscription
	mu          sync.RWMutex
	queue       chan *Notification
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	dropped     atomic.Int64
	stopOnce    sync.Once
}

// NewEventBus creates an event bus and starts its async dispatcher.
func NewEventBus() *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &EventBus{
		subscribers: make(map[Event][]*Subscription),
		queue:       make(chan *Notification, 1000),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go bus.processQueue()
	return bus
}

// Subscribe registers a callback for an event.
func (b *EventBus) Subscribe(event Event, callback func(*Notification)) *Subscription {
	return b.SubscribeWithFilter(event, callback, nil)
}

// SubscribeWithFilter registers a callback that only sees notifications accepted by filter.
func (b *EventBus) SubscribeWithFilter(event Event, callback func(*Notification), filter func(*Notification) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.NewString(),
		Event:    event,
		Callback: callback,
		Filter:   filter,
	}
	sub.Unsubscribe = func() {
		b.unsubscribe(sub)
	}

	b.subscribers[event] = append(b.subscribers[event], sub)
	return sub
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Event]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Publish delivers n to all subscribers synchronously.
func (b *EventBus) Publish(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subscribers[n.Event]))
	copy(subs, b.subscribers[n.Event])
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.Filter != nil && !sub.Filter(n) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("panic in event subscriber for %s: %v", n.Event, r)
				}
			}()
			sub.Callback(n)
		}()
	}
}

// PublishAsync queues n for delivery. Notifications are dropped when the queue
// is full or the bus is shut down.
func (b *EventBus) PublishAsync(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case <-b.ctx.Done():
		return
	default:
	}

	select {
	case b.queue <- n:
	default:
		b.dropped.Add(1)
		log.Errorf("event queue full, dropping event: %s", n.Event)
	}
}

// Dropped returns the number of notifications dropped because the queue was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *EventBus) processQueue() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case n := <-b.queue:
			b.Publish(n)
		}
	}
}

// Shutdown stops async delivery and waits for the dispatcher to exit.
// Queued notifications not yet delivered are discarded.
func (b *EventBus) Shutdown() {
	b.stopOnce.Do(func() {
		b.cancel()
		<-b.done
	})
}
