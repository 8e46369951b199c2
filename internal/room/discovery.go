package room

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/distributed"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
	"github.com/DoyleJ11/board-session-sync/internal/storage"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

type CreateRequest struct {
	SessionID    string  `json:"sessionId,omitempty"`
	BoardPath    string  `json:"boardPath"`
	Name         string  `json:"name,omitempty"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Discoverable bool    `json:"discoverable"`
}

// CreateDiscoverableSession stores a new session owned by userID. The
// caller joins it separately.
func (m *Manager) CreateDiscoverableSession(ctx context.Context, userID string, req CreateRequest) (*storage.Record, error) {
	if userID == "" {
		return nil, apperr.Unauthenticated("sign in to create a session")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	} else if !queue.ValidIdentifier(req.SessionID) {
		return nil, apperr.Validation("invalid session id")
	}
	if err := validateBoardPath(req.BoardPath); err != nil {
		return nil, err
	}
	if len(req.Name) > MaxSessionNameLength {
		return nil, apperr.Validation("session name must be at most %d characters", MaxSessionNameLength)
	}
	if !storage.ValidCoordinates(req.Latitude, req.Longitude) {
		return nil, apperr.Validation("coordinates out of range")
	}

	now := m.now().UTC()
	lat, lon := req.Latitude, req.Longitude
	rec := storage.Record{
		ID:              req.SessionID,
		BoardPath:       req.BoardPath,
		Name:            req.Name,
		CreatedByUserID: userID,
		Discoverable:    req.Discoverable,
		Latitude:        &lat,
		Longitude:       &lon,
		State:           queue.NewEmptyState(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	st, _, err := m.state.InitSession(ctx, distributed.SessionState{
		SessionID: rec.ID,
		BoardPath: rec.BoardPath,
		State:     rec.State,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("init session %s: %w", rec.ID, err)
	}
	if st.BoardPath != rec.BoardPath {
		m.logger.Warn("created session already had live state for another board",
			zap.String("session_id", rec.ID), zap.String("board_path", st.BoardPath))
	}

	m.logger.Info("session created",
		zap.String("session_id", rec.ID),
		zap.String("user_id", userID),
		zap.Bool("discoverable", rec.Discoverable))
	return &rec, nil
}

// FindNearbySessions lists discoverable sessions active within the
// discovery window, closest first. A non-positive radius uses the default;
// NaN and infinite radii are rejected.
func (m *Manager) FindNearbySessions(ctx context.Context, lat, lon, radiusMeters float64) ([]types.SessionSummary, error) {
	if !storage.ValidCoordinates(lat, lon) {
		return nil, apperr.Validation("coordinates out of range")
	}
	if math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) {
		return nil, apperr.Validation("radius must be a finite number")
	}
	if radiusMeters <= 0 {
		radiusMeters = m.opts.DefaultRadius
	}
	radiusMeters = min(radiusMeters, m.opts.MaxRadius)

	since := m.now().Add(-m.opts.DiscoveryWindow)
	found, err := m.store.FindNearby(ctx, lat, lon, radiusMeters, since, m.opts.DiscoveryLimit)
	if err != nil {
		return nil, fmt.Errorf("find nearby sessions: %w", err)
	}
	out := make([]types.SessionSummary, 0, len(found))
	for _, n := range found {
		s := m.summarize(ctx, n.Record)
		d := n.DistanceMeters
		s.DistanceMeters = &d
		out = append(out, s)
	}
	return out, nil
}

// GetUserSessions lists sessions created by userID, newest first.
func (m *Manager) GetUserSessions(ctx context.Context, userID string) ([]types.SessionSummary, error) {
	if userID == "" {
		return nil, apperr.Unauthenticated("sign in to list your sessions")
	}
	recs, err := m.store.ListByUser(ctx, userID, m.opts.DiscoveryLimit)
	if err != nil {
		return nil, fmt.Errorf("list sessions of %s: %w", userID, err)
	}
	out := make([]types.SessionSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, m.summarize(ctx, rec))
	}
	return out, nil
}

func (m *Manager) summarize(ctx context.Context, rec storage.Record) types.SessionSummary {
	count, err := m.state.MemberCount(ctx, rec.ID)
	if err != nil {
		m.logger.Warn("failed to count session members", zap.String("session_id", rec.ID), zap.Error(err))
	}
	return types.SessionSummary{
		ID:              rec.ID,
		BoardPath:       rec.BoardPath,
		Name:            rec.Name,
		CreatedByUserID: rec.CreatedByUserID,
		Latitude:        rec.Latitude,
		Longitude:       rec.Longitude,
		Participants:    count,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}
