// Package eventbus fans queue and session events out to subscribers.
//
// Local delivers to subscribers in this process. Redis additionally
// broadcasts every event on a shared pub/sub channel so subscribers on other
// instances receive it too.
//
// Delivery for one session is serialized: every subscriber of a session
// observes that session's events in the same order they were published on
// this instance. Nothing is promised across sessions. Handlers run on the
// publisher's goroutine and must not block; the subscription bridge's
// bounded buffer is the intended handler.
package eventbus

import (
	"context"
	"sync"

	"github.com/DoyleJ11/board-session-sync/internal/metrics"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

type QueueHandler func(queue.Event)

type SessionHandler func(types.SessionEvent)

// Bus is implemented by Local and Redis.
type Bus interface {
	PublishQueueEvent(ctx context.Context, sessionID string, ev queue.Event) error
	PublishSessionEvent(ctx context.Context, sessionID string, ev types.SessionEvent) error
	SubscribeQueue(sessionID string, h QueueHandler) (unsubscribe func())
	SubscribeSession(sessionID string, h SessionHandler) (unsubscribe func())
}

const (
	kindQueue   = "queue"
	kindSession = "session"
)

// topic holds the handlers of one session. mu serializes delivery.
type topic[E any] struct {
	mu       sync.Mutex
	handlers map[uint64]func(E)
}

type registry[E any] struct {
	mu     sync.Mutex
	nextID uint64
	topics map[string]*topic[E]
}

func newRegistry[E any]() *registry[E] {
	return &registry[E]{topics: make(map[string]*topic[E])}
}

func (r *registry[E]) subscribe(sessionID string, h func(E)) func() {
	r.mu.Lock()
	t, ok := r.topics[sessionID]
	if !ok {
		t = &topic[E]{handlers: make(map[uint64]func(E))}
		r.topics[sessionID] = t
	}
	r.nextID++
	id := r.nextID
	t.mu.Lock()
	t.handlers[id] = h
	t.mu.Unlock()
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			// Taking t.mu waits out an in-flight delivery, so no handler
			// call happens after unsubscribe returns.
			t.mu.Lock()
			delete(t.handlers, id)
			empty := len(t.handlers) == 0
			t.mu.Unlock()
			if empty && r.topics[sessionID] == t {
				delete(r.topics, sessionID)
			}
		})
	}
}

func (r *registry[E]) deliver(sessionID string, ev E) int {
	r.mu.Lock()
	t, ok := r.topics[sessionID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.handlers {
		h(ev)
	}
	return len(t.handlers)
}

func (r *registry[E]) count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[sessionID]
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers)
}

// Local is the single-instance bus.
type Local struct {
	queues   *registry[queue.Event]
	sessions *registry[types.SessionEvent]
}

func NewLocal() *Local {
	return &Local{
		queues:   newRegistry[queue.Event](),
		sessions: newRegistry[types.SessionEvent](),
	}
}

func (l *Local) PublishQueueEvent(_ context.Context, sessionID string, ev queue.Event) error {
	l.deliverQueue(sessionID, ev)
	metrics.EventsPublished.WithLabelValues(kindQueue, string(ev.Type)).Inc()
	return nil
}

func (l *Local) PublishSessionEvent(_ context.Context, sessionID string, ev types.SessionEvent) error {
	l.deliverSession(sessionID, ev)
	metrics.EventsPublished.WithLabelValues(kindSession, string(ev.Type)).Inc()
	return nil
}

func (l *Local) SubscribeQueue(sessionID string, h QueueHandler) func() {
	return l.queues.subscribe(sessionID, h)
}

func (l *Local) SubscribeSession(sessionID string, h SessionHandler) func() {
	return l.sessions.subscribe(sessionID, h)
}

// SubscriberCount reports local queue and session subscribers of a session.
func (l *Local) SubscriberCount(sessionID string) (queueSubs, sessionSubs int) {
	return l.queues.count(sessionID), l.sessions.count(sessionID)
}

func (l *Local) deliverQueue(sessionID string, ev queue.Event) {
	l.queues.deliver(sessionID, ev)
}

func (l *Local) deliverSession(sessionID string, ev types.SessionEvent) {
	l.sessions.deliver(sessionID, ev)
}
