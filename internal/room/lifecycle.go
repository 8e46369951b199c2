package room

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Run keeps this instance's registry entries alive, reaps connections of
// dead instances and flushes buffered writes until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.state.Heartbeat(ctx); err != nil {
		m.logger.Warn("initial heartbeat failed", zap.Error(err))
	}

	heartbeat := time.NewTicker(m.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	reap := time.NewTicker(m.opts.ReapInterval)
	defer reap.Stop()
	flush := time.NewTicker(m.opts.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := m.state.Heartbeat(ctx); err != nil {
				m.logger.Warn("heartbeat failed", zap.Error(err))
			}
		case <-reap.C:
			m.reapDeadInstances(ctx)
			if n := m.limiter.Sweep(m.opts.RateIdleTTL); n > 0 {
				m.logger.Debug("swept idle rate limit buckets", zap.Int("connections", n))
			}
		case <-flush.C:
			if err := m.writes.FlushAll(ctx); err != nil {
				m.logger.Warn("periodic flush failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) reapDeadInstances(ctx context.Context) {
	results, err := m.state.ReapDeadInstances(ctx)
	if err != nil {
		m.logger.Warn("failed to reap dead instances", zap.Error(err))
	}
	for _, res := range results {
		m.afterLeave(ctx, res)
	}
	if len(results) > 0 {
		m.logger.Info("reaped connections of dead instances", zap.Int("count", len(results)))
	}
}

// Shutdown removes every connection this instance owns, handing leadership
// to members elsewhere, then flushes buffered writes and reaps sessions
// left empty.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	empty := make(map[string]struct{}, len(m.reaps))
	for id, r := range m.reaps {
		r.timer.Stop()
		empty[id] = struct{}{}
	}
	clear(m.reaps)
	m.mu.Unlock()

	var errs error
	results, err := m.state.CleanupInstance(ctx)
	errs = multierr.Append(errs, err)
	for _, res := range results {
		m.afterLeave(ctx, res)
		if res.Remaining == 0 {
			empty[res.SessionID] = struct{}{}
		}
	}

	errs = multierr.Append(errs, m.writes.Close(ctx))
	for id := range empty {
		_, err := m.state.ReapIfEmpty(ctx, id)
		errs = multierr.Append(errs, err)
	}

	m.logger.Info("room manager stopped",
		zap.Int("connections_removed", len(results)),
		zap.Int("sessions_reaped", len(empty)),
		zap.Error(errs))
	return errs
}

// scheduleReap drops a session's hot state once it has stayed empty for the
// grace period.
func (m *Manager) scheduleReap(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if prev, ok := m.reaps[sessionID]; ok {
		prev.timer.Stop()
	}
	r := &reapTimer{}
	m.reaps[sessionID] = r
	r.timer = time.AfterFunc(m.opts.EmptySessionGrace, func() {
		m.mu.Lock()
		if m.reaps[sessionID] != r {
			m.mu.Unlock()
			return
		}
		delete(m.reaps, sessionID)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
		defer cancel()
		if _, err := m.reapSession(ctx, sessionID); err != nil {
			m.logger.Warn("failed to reap session", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
}

func (m *Manager) cancelReap(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reaps[sessionID]; ok {
		r.timer.Stop()
		delete(m.reaps, sessionID)
	}
}

// reapSession writes the session's last snapshot before its hot state goes.
// A failed flush keeps the hot state.
func (m *Manager) reapSession(ctx context.Context, sessionID string) (bool, error) {
	if err := m.writes.FlushSession(ctx, sessionID); err != nil {
		return false, err
	}
	reaped, err := m.state.ReapIfEmpty(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if reaped {
		m.logger.Info("session reaped", zap.String("session_id", sessionID))
	}
	return reaped, nil
}
