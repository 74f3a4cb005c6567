package traysync

import (
	"context"
	"sync"
)

// DefaultEventBuffer is the number of events retained per subscriber.
const DefaultEventBuffer = 256

// EventBus fans events out to any number of subscribers.
//
// Publishing never blocks. Every subscriber has a bounded buffer; when it is
// full the oldest event is dropped and the subscriber is told how many events
// it missed.
type EventBus struct {
	capacity int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewEventBus returns [EventBus] which retains up to capacity events per
// subscriber.
func NewEventBus(capacity int) *EventBus {
	if capacity < 1 {
		capacity = DefaultEventBuffer
	}

	return &EventBus{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe returns a new subscription. It receives events published after
// Subscribe returns. Subscribing to a closed bus returns a closed
// subscription.
func (b *EventBus) Subscribe() *Subscription {
	s := &Subscription{
		bus:    b,
		buf:    make([]Event, b.capacity),
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.closed = true
		return s
	}

	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		s.push(ev)
	}
}

// Close closes the bus and every subscription. Subscribers still receive
// events buffered before Close.
func (b *EventBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.shut()
	}
}

func (b *EventBus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is a single consumer of [EventBus].
type Subscription struct {
	bus    *EventBus
	notify chan struct{}

	mu     sync.Mutex
	buf    []Event
	head   int
	count  int
	missed uint64
	closed bool
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}

	if s.count == len(s.buf) {
		// Drop the oldest event.
		s.buf[s.head] = nil
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		s.missed++
	}

	s.buf[(s.head+s.count)%len(s.buf)] = ev
	s.count++
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) shut() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.wake()
}

// next returns the next buffered event.
func (s *Subscription) next() (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.missed > 0 {
		err := &LaggedError{Missed: s.missed}
		s.missed = 0
		return nil, true, err
	}

	if s.count > 0 {
		ev := s.buf[s.head]
		s.buf[s.head] = nil
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		return ev, true, nil
	}

	if s.closed {
		return nil, true, ErrClosed
	}

	return nil, false, nil
}

// Recv returns the next event. It blocks until an event is available, ctx is
// done, or the subscription is closed and drained, in which case [ErrClosed]
// is returned.
//
// If events were dropped since the previous call, Recv returns
// [*LaggedError] first; the following call returns the oldest retained
// event.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	for {
		if ev, ok, err := s.next(); ok {
			return ev, err
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops delivery to s. Buffered events are discarded.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)

	s.mu.Lock()
	s.closed = true
	for i := range s.buf {
		s.buf[i] = nil
	}
	s.count = 0
	s.missed = 0
	s.mu.Unlock()

	s.wake()
}
