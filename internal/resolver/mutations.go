package resolver

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/metrics"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
)

// MutationResult is the session version after a mutation. Applied is false
// when the mutation was already in effect and nothing was written.
type MutationResult struct {
	Version int64 `json:"version"`
	Applied bool  `json:"applied"`
}

func (r *Resolver) AddQueueItem(ctx context.Context, connID string, item queue.Item, position *int) (*MutationResult, error) {
	return r.mutate(ctx, connID, OpAddQueueItem, queue.Command{Type: queue.CmdAddItem, Item: &item, Position: position})
}

func (r *Resolver) RemoveQueueItem(ctx context.Context, connID, uuid string) (*MutationResult, error) {
	return r.mutate(ctx, connID, OpRemoveQueueItem, queue.Command{Type: queue.CmdRemoveItem, UUID: uuid})
}

func (r *Resolver) ReorderQueueItem(ctx context.Context, connID, uuid string, oldIndex, newIndex int) (*MutationResult, error) {
	return r.mutate(ctx, connID, OpReorderQueueItem, queue.Command{
		Type:     queue.CmdReorderItem,
		UUID:     uuid,
		OldIndex: oldIndex,
		NewIndex: newIndex,
	})
}

// SetCurrentClimb with a nil item clears the current climb.
func (r *Resolver) SetCurrentClimb(ctx context.Context, connID string, item *queue.Item, addToQueue bool) (*MutationResult, error) {
	return r.mutate(ctx, connID, OpSetCurrentClimb, queue.Command{Type: queue.CmdSetCurrent, Item: item, AddToQueue: addToQueue})
}

func (r *Resolver) MirrorCurrentClimb(ctx context.Context, connID string, mirrored bool) (*MutationResult, error) {
	return r.mutate(ctx, connID, OpMirrorCurrentClimb, queue.Command{Type: queue.CmdMirrorCurrent, Mirrored: mirrored})
}

func (r *Resolver) ReplaceQueueItem(ctx context.Context, connID, uuid string, item queue.Item) (*MutationResult, error) {
	return r.mutate(ctx, connID, OpReplaceQueueItem, queue.Command{Type: queue.CmdReplaceItem, UUID: uuid, Item: &item})
}

// SetQueue replaces the whole queue. A nil current keeps the stored one.
func (r *Resolver) SetQueue(ctx context.Context, connID string, items []queue.Item, current *queue.Item) (*MutationResult, error) {
	return r.mutate(ctx, connID, OpSetQueue, queue.Command{Type: queue.CmdSetQueue, Queue: items, Current: current})
}

// mutate reads the session, applies cmd and writes the result conditioned
// on the version it read. A conflict re-reads and recomputes, up to
// MutationRetries attempts in total.
func (r *Resolver) mutate(ctx context.Context, connID, op string, cmd queue.Command) (*MutationResult, error) {
	if err := r.rooms.CheckRateLimit(connID, op); err != nil {
		metrics.MutationsTotal.WithLabelValues(op, "throttled").Inc()
		return nil, err
	}
	sessionID, err := r.rooms.RequireMember(ctx, connID)
	if err != nil {
		metrics.MutationsTotal.WithLabelValues(op, "forbidden").Inc()
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		current, err := r.rooms.GetQueueState(ctx, sessionID)
		if err != nil {
			metrics.MutationsTotal.WithLabelValues(op, "error").Inc()
			return nil, err
		}

		events, next, err := queue.Apply(current, cmd)
		if err != nil {
			metrics.MutationsTotal.WithLabelValues(op, "rejected").Inc()
			return nil, err
		}
		if len(events) == 0 {
			metrics.MutationsTotal.WithLabelValues(op, "noop").Inc()
			return &MutationResult{Version: current.Version}, nil
		}

		expected := current.Version
		var version int64
		if touchesCurrent(events) {
			version, err = r.rooms.UpdateQueueState(ctx, sessionID, next.Queue, next.CurrentClimbQueueItem, &expected)
		} else {
			version, err = r.rooms.UpdateQueueOnly(ctx, sessionID, next.Queue, &expected)
		}
		if apperr.Retryable(err) {
			metrics.VersionConflictsTotal.WithLabelValues(op).Inc()
			if attempt < r.opts.MutationRetries {
				r.logger.Debug("version conflict, retrying",
					zap.String("op", op),
					zap.String("session_id", sessionID),
					zap.Int("attempt", attempt))
				continue
			}
			metrics.MutationsTotal.WithLabelValues(op, "conflict").Inc()
			return nil, err
		}
		if err != nil {
			metrics.MutationsTotal.WithLabelValues(op, "error").Inc()
			return nil, err
		}

		queue.StampVersion(events, version)
		for _, ev := range events {
			if err := r.bus.PublishQueueEvent(ctx, sessionID, ev); err != nil {
				r.logger.Warn("failed to publish queue event",
					zap.String("session_id", sessionID),
					zap.String("type", string(ev.Type)),
					zap.Error(err))
			}
		}
		metrics.MutationsTotal.WithLabelValues(op, "ok").Inc()
		return &MutationResult{Version: version, Applied: true}, nil
	}
}

func touchesCurrent(events []queue.Event) bool {
	return queue.ContainsEvent(events, queue.EvtCurrentClimbChanged) ||
		queue.ContainsEvent(events, queue.EvtClimbMirrored) ||
		queue.ContainsEvent(events, queue.EvtFullSync)
}
