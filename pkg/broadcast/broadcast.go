package broadcast

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// Message wraps data of type T for type-safe broadcasting.
// Topic is an optional routing key subscribers can filter on.
type Message[T any] struct {
	Topic string `json:"topic,omitempty"`
	Data  T      `json:"data"`
}

// Subscriber receives messages from a Broadcaster.
// Implementations must be safe for concurrent use.
type Subscriber[T any] interface {
	// Receive returns a channel for receiving broadcast messages.
	Receive(ctx context.Context) <-chan Message[T]

	// Dropped reports how many messages were evicted from this subscriber's
	// buffer because it was not drained fast enough.
	Dropped() uint64

	// Close closes the subscriber and releases resources.
	// Close is idempotent and safe to call multiple times.
	Close() error
}

// Broadcaster sends messages to multiple subscribers.
// Broadcast never blocks on slow subscribers: when a subscriber buffer is full
// the oldest buffered message is evicted to make room for the new one.
type Broadcaster[T any] interface {
	// Subscribe creates a new subscriber. The context controls the lifetime of
	// the subscription.
	Subscribe(ctx context.Context, opts ...SubscribeOption[T]) Subscriber[T]

	// Broadcast sends a message to all matching subscribers.
	Broadcast(ctx context.Context, msg Message[T]) error

	// Close shuts down the broadcaster and closes all subscribers.
	Close() error
}

// Filter reports whether a message should be delivered to a subscriber.
type Filter[T any] func(Message[T]) bool

// SubscribeOption configures a single subscription.
type SubscribeOption[T any] func(*subscribeOptions[T])

type subscribeOptions[T any] struct {
	bufferSize int
	topics     []string
	filter     Filter[T]
}

// WithBufferSize overrides the broadcaster's default buffer size for one subscriber.
func WithBufferSize[T any](n int) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithTopics restricts delivery to messages published on one of the given topics.
func WithTopics[T any](topics ...string) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		o.topics = append(o.topics, topics...)
	}
}

// WithFilter restricts delivery to messages accepted by fn.
func WithFilter[T any](fn Filter[T]) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		if fn != nil {
			o.filter = fn
		}
	}
}

type subscriber[T any] struct {
	ch      chan Message[T]
	topics  []string
	filter  Filter[T]
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
	sendMu  sync.Mutex
}

func newSubscriber[T any](bufferSize int, opts *subscribeOptions[T]) *subscriber[T] {
	if opts.bufferSize > 0 {
		bufferSize = opts.bufferSize
	}
	return &subscriber[T]{
		ch:     make(chan Message[T], max(bufferSize, 1)),
		topics: opts.topics,
		filter: opts.filter,
	}
}

func (s *subscriber[T]) Receive(ctx context.Context) <-chan Message[T] {
	return s.ch
}

func (s *subscriber[T]) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *subscriber[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	return nil
}

func (s *subscriber[T]) accepts(msg Message[T]) bool {
	if len(s.topics) > 0 && !slices.Contains(s.topics, msg.Topic) {
		return false
	}
	if s.filter != nil && !s.filter(msg) {
		return false
	}
	return true
}

// send delivers msg without blocking, evicting the oldest buffered message
// when the buffer is full. Returns false if the subscriber is closed.
func (s *subscriber[T]) send(msg Message[T]) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	if !s.accepts(msg) {
		return true
	}

	// Serialize concurrent senders so eviction and insert stay paired.
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for {
		select {
		case s.ch <- msg:
			return true
		default:
		}

		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}
