package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
)

// Memory is a SessionStore for single-instance runs and tests.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]Record
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]Record), now: time.Now}
}

func (m *Memory) Create(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.ID]; ok {
		return apperr.Validation("session %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.State = rec.State.Clone()
	m.sessions[rec.ID] = rec
	return nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[snap.SessionID]
	if !ok {
		rec = Record{ID: snap.SessionID, BoardPath: snap.BoardPath, CreatedAt: m.now()}
	} else if rec.State.Version >= snap.State.Version {
		return nil
	}
	rec.State = snap.State.Clone()
	rec.UpdatedAt = m.now()
	m.sessions[snap.SessionID] = rec
	return nil
}

func (m *Memory) Load(_ context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	rec.State = rec.State.Clone()
	return &rec, nil
}

func (m *Memory) FindNearby(_ context.Context, lat, lon, radiusMeters float64, since time.Time, limit int) ([]NearbySession, error) {
	m.mu.RLock()
	candidates := make([]Record, 0)
	for _, rec := range m.sessions {
		if rec.Discoverable && !rec.UpdatedAt.Before(since) {
			candidates = append(candidates, rec)
		}
	}
	m.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return rankNearby(candidates, lat, lon, radiusMeters, limit), nil
}

func (m *Memory) ListByUser(_ context.Context, userID string, limit int) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range m.sessions {
		if rec.CreatedByUserID == userID {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
