package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// subscriberBufferSize bounds each subscriber channel. A subscriber that
// falls this far behind starts losing events rather than blocking emitters.
const subscriberBufferSize = 100

// Subscription is a live event feed. Close it via Bus.Unsubscribe.
type Subscription struct {
	id     int
	types  map[EventType]bool // nil means all types
	events chan Event
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Bus fans events out to subscribers. Emission never blocks: slow
// subscribers drop events.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription
	log    zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		log:  log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a subscriber. With no types given, the subscriber
// receives every event.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:     b.nextID,
		events: make(chan Event, subscriberBufferSize),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs[sub.id] = sub
	b.nextID++

	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.events)
	}
}

// Publish delivers an event to all matching subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.events <- event:
		default:
			b.log.Warn().
				Str("event_type", string(event.Type)).
				Int("subscriber", sub.id).
				Msg("Subscriber channel full, dropping event")
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
