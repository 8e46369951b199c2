// Package room coordinates connections, session membership and the shared
// queue state of each session on top of the distributed state, the event
// bus and the durable session store.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/distributed"
	"github.com/DoyleJ11/board-session-sync/internal/eventbus"
	"github.com/DoyleJ11/board-session-sync/internal/metrics"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
	"github.com/DoyleJ11/board-session-sync/internal/ratelimit"
	"github.com/DoyleJ11/board-session-sync/internal/storage"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

const (
	MaxUsernameLength    = 64
	MaxSessionNameLength = 100
	MaxBoardPathLength   = 256

	reapTimeout = 10 * time.Second
)

// Deps are the collaborators a Manager drives.
type Deps struct {
	State   distributed.State
	Bus     eventbus.Bus
	Store   storage.SessionStore
	Writes  *storage.WriteBuffer
	Limiter *ratelimit.Limiter
}

type Options struct {
	MaxQueueSize      int
	EmptySessionGrace time.Duration
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	FlushInterval     time.Duration
	RateIdleTTL       time.Duration
	DiscoveryWindow   time.Duration
	DiscoveryLimit    int
	DefaultRadius     float64
	MaxRadius         float64
}

func (o Options) withDefaults() Options {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = queue.DefaultMaxQueueSize
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 30 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.RateIdleTTL <= 0 {
		o.RateIdleTTL = 10 * time.Minute
	}
	if o.DiscoveryWindow <= 0 {
		o.DiscoveryWindow = 24 * time.Hour
	}
	if o.DiscoveryLimit <= 0 {
		o.DiscoveryLimit = 20
	}
	if o.DefaultRadius <= 0 {
		o.DefaultRadius = 5000
	}
	if o.MaxRadius < o.DefaultRadius {
		o.MaxRadius = o.DefaultRadius
	}
	return o
}

// ConnectionInfo describes a socket being registered. An empty ID gets a
// fresh uuid.
type ConnectionInfo struct {
	ID        string
	UserID    string
	Username  string
	AvatarURL string
}

type JoinRequest struct {
	SessionID string `json:"sessionId"`
	BoardPath string `json:"boardPath"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type JoinResult struct {
	ClientID   string              `json:"clientId"`
	SessionID  string              `json:"sessionId"`
	IsLeader   bool                `json:"isLeader"`
	Users      []types.SessionUser `json:"users"`
	QueueState queue.State         `json:"queueState"`
}

type reapTimer struct {
	timer *time.Timer
}

type Manager struct {
	state   distributed.State
	bus     eventbus.Bus
	store   storage.SessionStore
	writes  *storage.WriteBuffer
	limiter *ratelimit.Limiter
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	hydrate singleflight.Group

	mu     sync.Mutex
	reaps  map[string]*reapTimer
	closed bool
}

func New(deps Deps, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.DefaultLimits(), logger)
	}
	return &Manager{
		state:   deps.State,
		bus:     deps.Bus,
		store:   deps.Store,
		writes:  deps.Writes,
		limiter: deps.Limiter,
		opts:    opts.withDefaults(),
		logger:  logger.Named("room"),
		now:     time.Now,
		reaps:   make(map[string]*reapTimer),
	}
}

func (m *Manager) InstanceID() string { return m.state.InstanceID() }

func (m *Manager) RegisterConnection(ctx context.Context, info ConnectionInfo) (distributed.Connection, error) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	} else if !queue.ValidIdentifier(info.ID) {
		return distributed.Connection{}, apperr.Validation("invalid connection id")
	}
	if err := validateUsername(info.Username); err != nil {
		return distributed.Connection{}, err
	}
	conn := distributed.Connection{
		ID:          info.ID,
		InstanceID:  m.state.InstanceID(),
		UserID:      info.UserID,
		Username:    info.Username,
		AvatarURL:   info.AvatarURL,
		ConnectedAt: m.now(),
	}
	if err := m.state.RegisterConnection(ctx, conn); err != nil {
		return distributed.Connection{}, fmt.Errorf("register connection: %w", err)
	}
	m.logger.Debug("connection registered", zap.String("connection_id", conn.ID))
	return conn, nil
}

func (m *Manager) Connection(ctx context.Context, connID string) (distributed.Connection, error) {
	return m.state.GetConnection(ctx, connID)
}

// RemoveConnection leaves the connection's session and forgets it.
func (m *Manager) RemoveConnection(ctx context.Context, connID string) error {
	m.limiter.Forget(connID)
	res, err := m.state.RemoveConnection(ctx, connID)
	if err != nil {
		return fmt.Errorf("remove connection %s: %w", connID, err)
	}
	if res != nil {
		m.afterLeave(ctx, *res)
	}
	return nil
}

// JoinSession binds connID to the session, leaving any previous session
// first. The session is created if neither the coordination store nor the
// durable store knows it.
func (m *Manager) JoinSession(ctx context.Context, connID string, req JoinRequest) (*JoinResult, error) {
	if !queue.ValidIdentifier(req.SessionID) {
		return nil, apperr.Validation("invalid session id")
	}
	if err := validateBoardPath(req.BoardPath); err != nil {
		return nil, err
	}
	if err := validateUsername(req.Username); err != nil {
		return nil, err
	}

	conn, err := m.state.GetConnection(ctx, connID)
	if err != nil {
		return nil, err
	}
	st, err := m.ensureSession(ctx, req.SessionID, req.BoardPath)
	if err != nil {
		return nil, err
	}
	if st.BoardPath != "" && st.BoardPath != req.BoardPath {
		return nil, apperr.Validation("session %s belongs to a different board", req.SessionID)
	}

	if conn.SessionID != "" && conn.SessionID != req.SessionID {
		if err := m.LeaveSession(ctx, connID); err != nil {
			return nil, fmt.Errorf("leave previous session: %w", err)
		}
	}
	if req.Username != "" || req.AvatarURL != "" {
		username, avatar := conn.Username, conn.AvatarURL
		if req.Username != "" {
			username = req.Username
		}
		if req.AvatarURL != "" {
			avatar = req.AvatarURL
		}
		if _, err := m.state.UpdateConnection(ctx, connID, username, avatar); err != nil {
			return nil, err
		}
	}

	m.cancelReap(req.SessionID)
	isLeader, err := m.state.JoinSession(ctx, connID, req.SessionID)
	if err != nil {
		return nil, err
	}
	// Re-read after joining: another instance may have reaped the hot copy
	// between the first load and the join.
	st, err = m.ensureSession(ctx, req.SessionID, req.BoardPath)
	if err != nil {
		return nil, err
	}
	members, err := m.state.SessionMembers(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", req.SessionID, err)
	}

	users := usersOf(members)
	for i := range users {
		if users[i].ID == connID {
			joined := users[i]
			m.publishSession(ctx, req.SessionID, types.SessionEvent{Type: types.EvtUserJoined, User: &joined})
			isLeader = joined.IsLeader
			break
		}
	}
	if isLeader && conn.SessionID != req.SessionID && len(users) > 1 {
		// Leadership was taken over from a connection that is gone.
		m.publishSession(ctx, req.SessionID, types.SessionEvent{Type: types.EvtLeaderChanged, LeaderID: connID})
	}

	metrics.SessionJoinsTotal.Inc()
	m.logger.Info("session joined",
		zap.String("session_id", req.SessionID),
		zap.String("connection_id", connID),
		zap.Bool("leader", isLeader),
		zap.Int("members", len(users)))

	return &JoinResult{
		ClientID:   connID,
		SessionID:  req.SessionID,
		IsLeader:   isLeader,
		Users:      users,
		QueueState: st.State,
	}, nil
}

// LeaveSession is a no-op for a connection that is not in a session.
func (m *Manager) LeaveSession(ctx context.Context, connID string) error {
	res, err := m.state.LeaveSession(ctx, connID)
	if err != nil {
		return err
	}
	if res != nil {
		m.afterLeave(ctx, *res)
	}
	return nil
}

// UpdateUsername changes how the connection is shown and republishes it to
// its session as UserJoined; clients upsert users by id.
func (m *Manager) UpdateUsername(ctx context.Context, connID, username, avatarURL string) (types.SessionUser, error) {
	if username == "" {
		return types.SessionUser{}, apperr.Validation("username is required")
	}
	if err := validateUsername(username); err != nil {
		return types.SessionUser{}, err
	}
	conn, err := m.state.UpdateConnection(ctx, connID, username, avatarURL)
	if err != nil {
		return types.SessionUser{}, err
	}
	user := conn.User()
	if conn.SessionID != "" {
		m.publishSession(ctx, conn.SessionID, types.SessionEvent{Type: types.EvtUserJoined, User: &user})
	}
	return user, nil
}

// RequireMember returns the session connID currently belongs to, or a
// FORBIDDEN error when it belongs to none.
func (m *Manager) RequireMember(ctx context.Context, connID string) (string, error) {
	conn, err := m.state.GetConnection(ctx, connID)
	if err != nil {
		return "", err
	}
	if conn.SessionID == "" {
		return "", apperr.Forbidden("join a session first")
	}
	ok, err := m.state.IsMember(ctx, conn.SessionID, connID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.Forbidden("not a member of session %s", conn.SessionID)
	}
	return conn.SessionID, nil
}

func (m *Manager) IsMember(ctx context.Context, sessionID, connID string) (bool, error) {
	return m.state.IsMember(ctx, sessionID, connID)
}

// GetSessionUsers replaces a leader that went away without leaving and tells
// the session who took over.
func (m *Manager) GetSessionUsers(ctx context.Context, sessionID string) ([]types.SessionUser, error) {
	leader, elected, err := m.state.EnsureLeader(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if elected {
		m.logger.Info("replaced missing session leader",
			zap.String("session_id", sessionID),
			zap.String("leader", leader))
		m.publishSession(ctx, sessionID, types.SessionEvent{Type: types.EvtLeaderChanged, LeaderID: leader})
	}
	members, err := m.state.SessionMembers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return usersOf(members), nil
}

// CheckRateLimit consumes one unit of op's budget for connID.
func (m *Manager) CheckRateLimit(connID, op string) error {
	if err := m.limiter.Allow(connID, op); err != nil {
		metrics.ThrottledTotal.WithLabelValues(op).Inc()
		return err
	}
	return nil
}

// ensureSession returns the hot copy of a session, rebuilding it from the
// durable store, or creating it bound to boardPath, when the coordination
// store has none. An empty boardPath never creates.
func (m *Manager) ensureSession(ctx context.Context, sessionID, boardPath string) (*distributed.SessionState, error) {
	st, err := m.state.LoadSession(ctx, sessionID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, distributed.ErrSessionNotFound) {
		return nil, err
	}

	v, err, _ := m.hydrate.Do(sessionID, func() (any, error) {
		seed := distributed.SessionState{
			SessionID: sessionID,
			BoardPath: boardPath,
			State:     queue.NewEmptyState(),
		}
		rec, err := m.store.Load(ctx, sessionID)
		switch {
		case err == nil:
			seed.BoardPath = rec.BoardPath
			seed.State = rec.State
			seed.CreatedAt = rec.CreatedAt
			seed.UpdatedAt = rec.UpdatedAt
		case errors.Is(err, storage.ErrSessionNotFound):
			if boardPath == "" {
				return nil, distributed.ErrSessionNotFound
			}
		default:
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}

		st, created, err := m.state.InitSession(ctx, seed)
		if err != nil {
			return nil, fmt.Errorf("init session %s: %w", sessionID, err)
		}
		if created {
			m.logger.Debug("session state initialised",
				zap.String("session_id", sessionID),
				zap.Int64("version", st.Version))
		}
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*distributed.SessionState), nil
}

func (m *Manager) afterLeave(ctx context.Context, res distributed.LeaveResult) {
	m.publishSession(ctx, res.SessionID, types.SessionEvent{Type: types.EvtUserLeft, UserID: res.ConnectionID})
	if res.NewLeaderID != "" {
		m.publishSession(ctx, res.SessionID, types.SessionEvent{Type: types.EvtLeaderChanged, LeaderID: res.NewLeaderID})
	}
	m.logger.Info("session left",
		zap.String("session_id", res.SessionID),
		zap.String("connection_id", res.ConnectionID),
		zap.String("new_leader", res.NewLeaderID),
		zap.Int("remaining", res.Remaining))
	if res.Remaining == 0 {
		m.scheduleReap(res.SessionID)
	}
}

// publishSession never fails the caller; members that miss an event catch
// up on their next read.
func (m *Manager) publishSession(ctx context.Context, sessionID string, ev types.SessionEvent) {
	if err := m.bus.PublishSessionEvent(ctx, sessionID, ev); err != nil {
		m.logger.Warn("failed to publish session event",
			zap.String("session_id", sessionID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func usersOf(members []distributed.Connection) []types.SessionUser {
	users := make([]types.SessionUser, 0, len(members))
	for _, c := range members {
		users = append(users, c.User())
	}
	return users
}

func validateUsername(name string) error {
	if len(name) > MaxUsernameLength {
		return apperr.Validation("username must be at most %d characters", MaxUsernameLength)
	}
	return nil
}

func validateBoardPath(p string) error {
	if p == "" || len(p) > MaxBoardPathLength {
		return apperr.Validation("invalid board path")
	}
	return nil
}
