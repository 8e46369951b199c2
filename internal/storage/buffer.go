package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/metrics"
)

const flushTimeout = 5 * time.Second

type pendingWrite struct {
	snap  Snapshot
	first time.Time
	timer *time.Timer
}

// WriteBuffer coalesces snapshots per session. A session is written once it
// has been quiet for the debounce window, and never later than maxDelay after
// its first unwritten change.
type WriteBuffer struct {
	store    SessionStore
	debounce time.Duration
	maxDelay time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	closed  bool
	now     func() time.Time
}

func NewWriteBuffer(store SessionStore, debounce, maxDelay time.Duration, logger *zap.Logger) *WriteBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDelay < debounce {
		maxDelay = debounce
	}
	return &WriteBuffer{
		store:    store,
		debounce: debounce,
		maxDelay: maxDelay,
		logger:   logger.Named("writebuffer"),
		pending:  make(map[string]*pendingWrite),
		now:      time.Now,
	}
}

// Enqueue schedules snap, replacing any older buffered snapshot of the
// same session.
func (b *WriteBuffer) Enqueue(snap Snapshot) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.writeNow(snap)
		return
	}
	defer b.mu.Unlock()

	now := b.now()
	p, ok := b.pending[snap.SessionID]
	if !ok {
		p = &pendingWrite{snap: snap, first: now}
		b.pending[snap.SessionID] = p
	} else if snap.State.Version >= p.snap.State.Version {
		p.snap = snap
	}

	delay := b.debounce
	if deadline := p.first.Add(b.maxDelay); now.Add(delay).After(deadline) {
		delay = deadline.Sub(now)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	id := snap.SessionID
	p.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		_ = b.FlushSession(ctx, id)
	})
	metrics.PendingWrites.Set(float64(len(b.pending)))
}

// FlushSession writes the buffered snapshot of one session, if any.
func (b *WriteBuffer) FlushSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	p, ok := b.pending[sessionID]
	if ok {
		delete(b.pending, sessionID)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	metrics.PendingWrites.Set(float64(len(b.pending)))
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.write(ctx, p.snap)
}

// FlushAll writes every buffered snapshot.
func (b *WriteBuffer) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	batch := make([]Snapshot, 0, len(b.pending))
	for id, p := range b.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		batch = append(batch, p.snap)
		delete(b.pending, id)
	}
	metrics.PendingWrites.Set(0)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	timer := metrics.NewTimer()
	var errs error
	for _, snap := range batch {
		errs = multierr.Append(errs, b.write(ctx, snap))
	}
	timer.ObserveDuration(metrics.FlushDuration)
	b.logger.Debug("flushed pending writes", zap.Int("count", len(batch)), zap.Error(errs))
	return errs
}

// Pending reports how many sessions have unwritten snapshots.
func (b *WriteBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close flushes everything. Snapshots enqueued afterwards are written
// immediately.
func (b *WriteBuffer) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.FlushAll(ctx)
}

func (b *WriteBuffer) write(ctx context.Context, snap Snapshot) error {
	if err := b.store.SaveSnapshot(ctx, snap); err != nil {
		b.logger.Error("failed to persist session snapshot",
			zap.String("session_id", snap.SessionID),
			zap.Int64("version", snap.State.Version),
			zap.Error(err))
		b.requeue(snap)
		return err
	}
	return nil
}

// requeue puts a failed snapshot back unless a newer one is already waiting.
func (b *WriteBuffer) requeue(snap Snapshot) {
	b.mu.Lock()
	closed := b.closed
	_, newer := b.pending[snap.SessionID]
	b.mu.Unlock()
	if closed || newer {
		return
	}
	b.Enqueue(snap)
}

func (b *WriteBuffer) writeNow(snap Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := b.store.SaveSnapshot(ctx, snap); err != nil {
		b.logger.Error("failed to persist session snapshot",
			zap.String("session_id", snap.SessionID), zap.Error(err))
	}
}
