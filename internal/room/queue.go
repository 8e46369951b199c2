package room

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/distributed"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
	"github.com/DoyleJ11/board-session-sync/internal/storage"
)

// GetQueueState returns the current queue of a session, rebuilding the hot
// copy from the durable store if needed.
func (m *Manager) GetQueueState(ctx context.Context, sessionID string) (queue.State, error) {
	st, err := m.ensureSession(ctx, sessionID, "")
	if err != nil {
		return queue.State{}, err
	}
	return st.State, nil
}

// UpdateQueueState replaces queue and current climb. With a non-nil
// expected version the write fails with VERSION_CONFLICT when the session
// has moved on. It never retries.
func (m *Manager) UpdateQueueState(ctx context.Context, sessionID string, items []queue.Item, current *queue.Item, expected *int64) (int64, error) {
	return m.writeQueue(ctx, sessionID, distributed.QueueWrite{
		Queue:    items,
		Current:  current,
		Expected: expected,
	})
}

// UpdateQueueOnly replaces the queue and leaves the current climb as stored.
func (m *Manager) UpdateQueueOnly(ctx context.Context, sessionID string, items []queue.Item, expected *int64) (int64, error) {
	return m.writeQueue(ctx, sessionID, distributed.QueueWrite{
		Queue:       items,
		KeepCurrent: true,
		Expected:    expected,
	})
}

// FlushPendingWrites forces every buffered snapshot to the durable store.
func (m *Manager) FlushPendingWrites(ctx context.Context) error {
	return m.writes.FlushAll(ctx)
}

func (m *Manager) writeQueue(ctx context.Context, sessionID string, w distributed.QueueWrite) (int64, error) {
	if err := queue.Validate(queue.State{Queue: w.Queue, CurrentClimbQueueItem: w.Current}, m.opts.MaxQueueSize); err != nil {
		return 0, err
	}

	version, err := m.state.CompareAndSwapQueue(ctx, sessionID, w)
	if errors.Is(err, distributed.ErrSessionNotFound) {
		// The hot copy expired under a live session; rebuild it once.
		if _, herr := m.ensureSession(ctx, sessionID, ""); herr != nil {
			return 0, err
		}
		version, err = m.state.CompareAndSwapQueue(ctx, sessionID, w)
	}
	if err != nil {
		return 0, err
	}

	m.persist(ctx, sessionID)
	return version, nil
}

// persist buffers the stored state rather than the written one so the
// snapshot always carries the current climb, even for queue-only writes.
func (m *Manager) persist(ctx context.Context, sessionID string) {
	st, err := m.state.LoadSession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("failed to read session for persistence",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	m.writes.Enqueue(storage.Snapshot{
		SessionID: sessionID,
		BoardPath: st.BoardPath,
		State:     st.State,
	})
}
