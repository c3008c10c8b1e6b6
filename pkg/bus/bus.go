// Package bus is the local in-process event bus. Events are routed by event
// type; each subscription owns a buffered channel and events are dropped,
// never blocked on, when a subscriber falls behind.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/remote-mirror/pkg/logging"
	"github.com/remote-mirror/pkg/types"
)

// MatchAll subscribes to every event type
const MatchAll = "*"

// DefaultBuffer is the subscription channel size when none is given
const DefaultBuffer = 64

// Option configures a subscription
type Option func(*subscriptionSettings)

type subscriptionSettings struct {
	buffer int
}

// WithBuffer sets the subscription channel size
func WithBuffer(n int) Option {
	return func(s *subscriptionSettings) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// Bus routes events to subscriptions
type Bus struct {
	mu       sync.RWMutex
	sinks    map[string][]*Subscription
	stateful map[string]bool
	last     map[string]types.Event
	closed   bool

	dropCount atomic.Int64
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		sinks:    make(map[string][]*Subscription),
		stateful: make(map[string]bool),
		last:     make(map[string]types.Event),
	}
}

// SetStateful makes the bus keep the last event of eventType and replay it to
// new subscribers.
func (b *Bus) SetStateful(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateful[eventType] = true
}

// Subscribe returns a subscription receiving events of eventType (or all
// events for MatchAll).
func (b *Bus) Subscribe(eventType string, opts ...Option) *Subscription {
	settings := &subscriptionSettings{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(settings)
	}

	sub := &Subscription{
		bus:       b,
		eventType: eventType,
		out:       make(chan types.Event, settings.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed.Store(true)
		close(sub.out)
		return sub
	}
	b.sinks[eventType] = append(b.sinks[eventType], sub)
	if last, ok := b.last[eventType]; ok {
		sub.out <- last
	}
	return sub
}

// Fire publishes an event. Missing time, origin and context id are filled in.
func (b *Bus) Fire(event types.Event) {
	if event.TimeFired.IsZero() {
		event.TimeFired = time.Now().UTC()
	}
	if event.Origin == "" {
		event.Origin = types.OriginLocal
	}
	if event.Context.ID == "" {
		event.Context.ID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.stateful[event.Type] {
		b.last[event.Type] = event
	}
	b.deliver(b.sinks[event.Type], event)
	if event.Type != MatchAll {
		b.deliver(b.sinks[MatchAll], event)
	}
}

func (b *Bus) deliver(subs []*Subscription, event types.Event) {
	for _, sub := range subs {
		select {
		case sub.out <- event:
		default:
			dropped := b.dropCount.Add(1)
			// warn once per 100 drops
			if dropped%100 == 1 {
				logging.Warnf("[bus] slow subscriber event_type=%s dropped=%d", event.Type, dropped)
			}
		}
	}
}

// Dropped returns how many deliveries were dropped on full subscriptions
func (b *Bus) Dropped() int64 {
	return b.dropCount.Load()
}

// Close closes every subscription. Later Fire calls are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.sinks {
		for _, sub := range subs {
			sub.closeChannel()
		}
	}
	b.sinks = make(map[string][]*Subscription)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.sinks[sub.eventType]
	for i, s := range subs {
		if s == sub {
			b.sinks[sub.eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.sinks[sub.eventType]) == 0 {
		delete(b.sinks, sub.eventType)
	}
	sub.closeChannel()
}

// Subscription is one consumer's view of the bus
type Subscription struct {
	bus       *Bus
	eventType string
	out       chan types.Event
	closeOnce sync.Once
	closed    atomic.Bool
}

// Out returns the event channel. It is closed when the subscription closes.
func (s *Subscription) Out() <-chan types.Event {
	return s.out
}

// Close removes the subscription from the bus. Safe to call repeatedly.
func (s *Subscription) Close() {
	if s.closed.Load() {
		return
	}
	s.bus.remove(s)
}

// closeChannel must be called with the bus lock held
func (s *Subscription) closeChannel() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.out)
	})
}
