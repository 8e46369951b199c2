package resolver

import (
	"context"
	"time"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/bridge"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

// QueueStream yields a FullSync of the session's queue first, then every
// change newer than that snapshot.
type QueueStream struct {
	stream *bridge.Stream[queue.Event]
	first  *queue.Event
	since  int64
}

func (q *QueueStream) Next(ctx context.Context) (queue.Event, error) {
	if q.first != nil {
		ev := *q.first
		q.first = nil
		return ev, nil
	}
	for {
		ev, err := q.stream.Next(ctx)
		if err != nil {
			return ev, err
		}
		// Published before the snapshot was read; already in it.
		if ev.Version <= q.since {
			continue
		}
		return ev, nil
	}
}

func (q *QueueStream) Close() { q.stream.Close() }

// QueueUpdates subscribes connID to its session's queue events. The bus
// subscription is attached before the snapshot is read so no change falls
// between the two.
func (r *Resolver) QueueUpdates(ctx context.Context, connID, sessionID string) (*QueueStream, error) {
	if err := r.waitForMembership(ctx, connID, sessionID); err != nil {
		return nil, err
	}
	stream := bridge.Open[queue.Event](bridge.Eager, r.opts.SubscriptionBuffer,
		func(push func(queue.Event)) func() { return r.bus.SubscribeQueue(sessionID, push) },
		bridge.WithLogger(r.logger), bridge.WithName("queue"))

	st, err := r.rooms.GetQueueState(ctx, sessionID)
	if err != nil {
		stream.Close()
		return nil, err
	}
	snapshot := st.Clone()
	return &QueueStream{
		stream: stream,
		first:  &queue.Event{Type: queue.EvtFullSync, Version: st.Version, State: &snapshot},
		since:  st.Version,
	}, nil
}

// SessionUpdates subscribes connID to its session's membership events. The
// bus subscription is attached on the first Next.
func (r *Resolver) SessionUpdates(ctx context.Context, connID, sessionID string) (*bridge.Stream[types.SessionEvent], error) {
	if err := r.waitForMembership(ctx, connID, sessionID); err != nil {
		return nil, err
	}
	return bridge.Open[types.SessionEvent](bridge.Lazy, r.opts.SubscriptionBuffer,
		func(push func(types.SessionEvent)) func() { return r.bus.SubscribeSession(sessionID, push) },
		bridge.WithLogger(r.logger), bridge.WithName("session")), nil
}

// waitForMembership tolerates a join that has not propagated through the
// coordination store yet.
func (r *Resolver) waitForMembership(ctx context.Context, connID, sessionID string) error {
	for attempt := 1; ; attempt++ {
		ok, err := r.rooms.IsMember(ctx, sessionID, connID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= r.opts.MembershipRetries {
			return apperr.Forbidden("not a member of session %s", sessionID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.MembershipRetryDelay):
		}
	}
}
