// Package resolver implements the inbound operations clients call over
// their connection: session membership, queue mutations with optimistic
// retries, reads and event subscriptions.
package resolver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/eventbus"
	"github.com/DoyleJ11/board-session-sync/internal/identity"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
	"github.com/DoyleJ11/board-session-sync/internal/ratelimit"
	"github.com/DoyleJ11/board-session-sync/internal/room"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

// Operation names, also used as rate limit keys.
const (
	OpJoinSession        = ratelimit.OpJoinSession
	OpCreateSession      = ratelimit.OpCreateSession
	OpSetQueue           = ratelimit.OpSetQueue
	OpLeaveSession       = "leaveSession"
	OpUpdateUsername     = "updateUsername"
	OpAddQueueItem       = "addQueueItem"
	OpRemoveQueueItem    = "removeQueueItem"
	OpReorderQueueItem   = "reorderQueueItem"
	OpSetCurrentClimb    = "setCurrentClimb"
	OpMirrorCurrentClimb = "mirrorCurrentClimb"
	OpReplaceQueueItem   = "replaceQueueItem"
)

type Options struct {
	MutationRetries      int
	MembershipRetries    int
	MembershipRetryDelay time.Duration
	SubscriptionBuffer   int
}

func (o Options) withDefaults() Options {
	if o.MutationRetries <= 0 {
		o.MutationRetries = 3
	}
	if o.MembershipRetries <= 0 {
		o.MembershipRetries = 5
	}
	if o.MembershipRetryDelay <= 0 {
		o.MembershipRetryDelay = 50 * time.Millisecond
	}
	if o.SubscriptionBuffer <= 0 {
		o.SubscriptionBuffer = 1000
	}
	return o
}

type Resolver struct {
	rooms  *room.Manager
	bus    eventbus.Bus
	opts   Options
	logger *zap.Logger
}

func New(rooms *room.Manager, bus eventbus.Bus, opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		rooms:  rooms,
		bus:    bus,
		opts:   opts.withDefaults(),
		logger: logger.Named("resolver"),
	}
}

func (r *Resolver) JoinSession(ctx context.Context, connID string, req room.JoinRequest) (*room.JoinResult, error) {
	if err := r.rooms.CheckRateLimit(connID, OpJoinSession); err != nil {
		return nil, err
	}
	return r.rooms.JoinSession(ctx, connID, req)
}

// CreateSession stores a new session for an authenticated caller and joins
// the caller's connection to it.
func (r *Resolver) CreateSession(ctx context.Context, connID string, who identity.Identity, req room.CreateRequest) (*room.JoinResult, error) {
	if err := r.rooms.CheckRateLimit(connID, OpCreateSession); err != nil {
		return nil, err
	}
	if !who.Authenticated {
		return nil, apperr.Unauthenticated("sign in to create a session")
	}
	rec, err := r.rooms.CreateDiscoverableSession(ctx, who.UserID, req)
	if err != nil {
		return nil, err
	}
	return r.rooms.JoinSession(ctx, connID, room.JoinRequest{SessionID: rec.ID, BoardPath: rec.BoardPath})
}

func (r *Resolver) LeaveSession(ctx context.Context, connID string) error {
	if err := r.rooms.CheckRateLimit(connID, OpLeaveSession); err != nil {
		return err
	}
	return r.rooms.LeaveSession(ctx, connID)
}

func (r *Resolver) UpdateUsername(ctx context.Context, connID, username, avatarURL string) (types.SessionUser, error) {
	if err := r.rooms.CheckRateLimit(connID, OpUpdateUsername); err != nil {
		return types.SessionUser{}, err
	}
	return r.rooms.UpdateUsername(ctx, connID, username, avatarURL)
}

func (r *Resolver) GetQueueState(ctx context.Context, connID string) (queue.State, error) {
	sessionID, err := r.rooms.RequireMember(ctx, connID)
	if err != nil {
		return queue.State{}, err
	}
	return r.rooms.GetQueueState(ctx, sessionID)
}

func (r *Resolver) GetSessionUsers(ctx context.Context, connID string) ([]types.SessionUser, error) {
	sessionID, err := r.rooms.RequireMember(ctx, connID)
	if err != nil {
		return nil, err
	}
	return r.rooms.GetSessionUsers(ctx, sessionID)
}

func (r *Resolver) FindNearbySessions(ctx context.Context, lat, lon, radiusMeters float64) ([]types.SessionSummary, error) {
	return r.rooms.FindNearbySessions(ctx, lat, lon, radiusMeters)
}

func (r *Resolver) GetUserSessions(ctx context.Context, who identity.Identity) ([]types.SessionSummary, error) {
	if !who.Authenticated {
		return nil, apperr.Unauthenticated("sign in to list your sessions")
	}
	return r.rooms.GetUserSessions(ctx, who.UserID)
}
