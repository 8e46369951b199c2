// Package bridge turns push-style event callbacks into pull-style streams
// backed by a bounded drop-oldest buffer.
package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/metrics"
)

// DefaultCapacity bounds each subscription buffer.
const DefaultCapacity = 1000

// Mode decides when a stream attaches to its source.
type Mode int

const (
	// Lazy subscribes on the first call to Next or TryNext.
	Lazy Mode = iota
	// Eager subscribes inside Open, so events published between Open and
	// the first read are buffered.
	Eager
)

func (m Mode) String() string {
	if m == Eager {
		return "eager"
	}
	return "lazy"
}

// SubscribeFunc attaches push to an event source and returns a detach func.
type SubscribeFunc[T any] func(push func(T)) (unsubscribe func())

type Option func(*options)

type options struct {
	logger *zap.Logger
	name   string
	onDrop func(total int64)
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithName labels drop logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithDropHook is called after every eviction with the running drop count.
func WithDropHook(fn func(total int64)) Option {
	return func(o *options) { o.onDrop = fn }
}

// Stream is a single-consumer view of an event source.
type Stream[T any] struct {
	ring      *Ring[T]
	subscribe SubscribeFunc[T]
	opts      options

	mu          sync.Mutex
	unsubscribe func()
	attached    bool
	closed      bool
}

// Open creates a stream over subscribe. Non-positive capacity means
// DefaultCapacity.
func Open[T any](mode Mode, capacity int, subscribe SubscribeFunc[T], opts ...Option) *Stream[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	o := options{logger: zap.NewNop(), name: "stream"}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Stream[T]{
		ring:      NewRing[T](capacity),
		subscribe: subscribe,
		opts:      o,
	}
	if mode == Eager {
		s.attach()
	}
	return s
}

func (s *Stream[T]) attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached || s.closed {
		return
	}
	s.attached = true
	s.unsubscribe = s.subscribe(s.push)
}

func (s *Stream[T]) push(v T) {
	dropped, ok := s.ring.Send(v)
	if !ok || !dropped {
		return
	}
	total := s.ring.Stats().TotalDropped
	metrics.SubscriptionDropsTotal.WithLabelValues(s.opts.name).Inc()
	if total == 1 || total%100 == 0 {
		s.opts.logger.Warn("subscription buffer full, dropping oldest event",
			zap.String("stream", s.opts.name),
			zap.Int64("dropped_total", total))
	}
	if s.opts.onDrop != nil {
		s.opts.onDrop(total)
	}
}

// Next blocks for the next event. It returns ErrClosed after Close and
// ctx.Err() if ctx ends first.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	s.attach()
	return s.ring.Receive(ctx)
}

// TryNext returns a buffered event without blocking.
func (s *Stream[T]) TryNext() (T, bool) {
	s.attach()
	return s.ring.TryReceive()
}

// Buffered reports the number of events waiting to be read.
func (s *Stream[T]) Buffered() int {
	return s.ring.Len()
}

// Dropped reports how many events were evicted so far.
func (s *Stream[T]) Dropped() int64 {
	return s.ring.Stats().TotalDropped
}

// Close detaches from the source and discards buffered events. Safe to call
// more than once.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.ring.Close()
}
