package events

import (
	"sync"
	"time"
)

// EventSource represents the source of an event
type EventSource string

const (
	EventSourceEngine EventSource = "engine"
	EventSourceSystem EventSource = "system"
)

// Event types published for embedders
const (
	EventConnectionEstablished = "connection.established"
	EventConnectionLost        = "connection.lost"
	EventHandshakeState        = "handshake.state"
	EventHandshakeReady        = "handshake.ready"
	EventHandshakeAborted      = "handshake.aborted"
	EventSASLSuccess           = "sasl.success"
	EventSASLFailed            = "sasl.failed"
	EventNickRejected          = "nick.rejected"
	EventUserJoined            = "user.joined"
	EventUserParted            = "user.parted"
	EventUserKicked            = "user.kicked"
	EventUserQuit              = "user.quit"
	EventChannelMode           = "channel.mode"
	EventLagSample             = "lag.sample"
	EventError                 = "error"
)

// Wildcard subscribes to every event type
const Wildcard = "*"

// Event represents a generic event
type Event struct {
	Type      string
	Network   string
	Data      map[string]any
	Timestamp time.Time
	Source    EventSource
}

// Subscriber is an interface for event subscribers
type Subscriber interface {
	OnEvent(event Event)
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(event Event)

func (f SubscriberFunc) OnEvent(event Event) { f(event) }

type subscription struct {
	id  uint64
	sub Subscriber
}

// EventBus manages event routing
type EventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	mu          sync.RWMutex
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]subscription),
	}
}

// Subscribe subscribes a subscriber to a specific event type and returns a
// function that removes it
func (eb *EventBus) Subscribe(eventType string, subscriber Subscriber) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscription{id: id, sub: subscriber})
	return func() { eb.unsubscribe(eventType, id) }
}

func (eb *EventBus) unsubscribe(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (eb *EventBus) targets(eventType string) []Subscriber {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	subs := make([]Subscriber, 0, len(eb.subscribers[eventType])+len(eb.subscribers[Wildcard]))
	for _, s := range eb.subscribers[eventType] {
		subs = append(subs, s.sub)
	}
	if eventType != Wildcard {
		for _, s := range eb.subscribers[Wildcard] {
			subs = append(subs, s.sub)
		}
	}
	return subs
}

// Emit delivers an event to its subscribers on their own goroutines
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sub := range eb.targets(event.Type) {
		go sub.OnEvent(event)
	}
}

// EmitSync emits an event synchronously (for testing or when order matters)
func (eb *EventBus) EmitSync(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sub := range eb.targets(event.Type) {
		sub.OnEvent(event)
	}
}
