// Package stream is an in-process publish/subscribe channel.
//
// Publishing never blocks: every subscriber owns a bounded buffer and an event that
// does not fit is dropped for that subscriber only. Subscribers only see events
// published after they subscribed.
package stream

import (
	"errors"
	"sync"
)

// ErrClosed is returned when subscribing to a closed broadcaster.
var ErrClosed = errors.New("stream closed")

// Option configures a Broadcaster.
type Option func(*options)

type options struct {
	onDrop func()
}

// WithDropHook registers a callback invoked once per dropped delivery.
func WithDropHook(fn func()) Option {
	return func(o *options) {
		o.onDrop = fn
	}
}

// Broadcaster fans values of type T out to every current subscriber.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
	onDrop func()
}

// New creates an open broadcaster.
func New[T any](opts ...Option) *Broadcaster[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Broadcaster[T]{
		subs:   make(map[uint64]*Subscription[T]),
		onDrop: o.onDrop,
	}
}

// Subscription is one consumer's view of the stream.
type Subscription[T any] struct {
	id   uint64
	ch   chan T
	b    *Broadcaster[T]
	once sync.Once
}

// C delivers events. It is closed by Cancel or when the broadcaster closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.detachLocked()
}

func (s *Subscription[T]) detachLocked() {
	s.once.Do(func() {
		delete(s.b.subs, s.id)
		close(s.ch)
	})
}

// Subscribe attaches a new subscriber with the given buffer size.
func (b *Broadcaster[T]) Subscribe(buffer int) (*Subscription[T], error) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &Subscription[T]{id: b.nextID, ch: make(chan T, buffer), b: b}
	b.subs[sub.id] = sub
	return sub, nil
}

// Publish offers v to every subscriber and returns how many accepted it.
// With no subscribers the value is dropped.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	if len(b.subs) == 0 {
		b.dropped()
		return 0
	}

	delivered := 0
	for _, sub := range b.subs {
		select {
		case sub.ch <- v:
			delivered++
		default:
			b.dropped()
		}
	}
	return delivered
}

// Subscribers returns the number of attached subscribers.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.detachLocked()
	}
}

func (b *Broadcaster[T]) dropped() {
	if b.onDrop != nil {
		b.onDrop()
	}
}
