// Package distributed tracks connections, session membership, leadership and
// the versioned queue state shared by every server instance.
//
// Memory serves a single instance. Redis lets any number of instances share
// one view; every read-then-decide step on leadership or queue state runs as
// one Lua script so no instance ever acts on a value another has changed.
package distributed

import (
	"context"
	"time"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

var (
	ErrConnectionNotFound = apperr.NotFound("connection not found")
	ErrSessionNotFound    = apperr.NotFound("session not found")
)

// Connection is one open client socket as the cluster sees it.
type Connection struct {
	ID          string
	InstanceID  string
	SessionID   string
	UserID      string
	Username    string
	AvatarURL   string
	IsLeader    bool
	ConnectedAt time.Time
}

func (c Connection) User() types.SessionUser {
	return types.SessionUser{
		ID:          c.ID,
		UserID:      c.UserID,
		Username:    c.Username,
		AvatarURL:   c.AvatarURL,
		IsLeader:    c.IsLeader,
		ConnectedAt: c.ConnectedAt,
	}
}

// LeaveResult describes what a departure did to its session.
type LeaveResult struct {
	ConnectionID string
	SessionID    string
	UserID       string
	WasLeader    bool
	// NewLeaderID is set when leadership moved to another member.
	NewLeaderID string
	Remaining   int
}

// SessionState is the hot copy of a session's queue.
type SessionState struct {
	SessionID string
	BoardPath string
	queue.State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueWrite is a queue replacement. A nil Expected writes unconditionally.
// KeepCurrent leaves the stored current climb in place unless the new queue
// drops it, in which case it is cleared.
type QueueWrite struct {
	Queue       []queue.Item
	Current     *queue.Item
	KeepCurrent bool
	Expected    *int64
}

// State is implemented by Memory and Redis.
type State interface {
	InstanceID() string

	RegisterConnection(ctx context.Context, conn Connection) error
	GetConnection(ctx context.Context, connID string) (Connection, error)
	UpdateConnection(ctx context.Context, connID, username, avatarURL string) (Connection, error)
	// RemoveConnection leaves the connection's session, if any, and forgets it.
	RemoveConnection(ctx context.Context, connID string) (*LeaveResult, error)

	// JoinSession adds the connection to the session and claims leadership if
	// the session has no live leader. The connection must not belong to a
	// different session.
	JoinSession(ctx context.Context, connID, sessionID string) (isLeader bool, err error)
	// LeaveSession returns nil when the connection was not in a session.
	LeaveSession(ctx context.Context, connID string) (*LeaveResult, error)
	// SessionMembers returns live members ordered by connectedAt, electing a
	// leader first if the session has none.
	SessionMembers(ctx context.Context, sessionID string) ([]Connection, error)
	// EnsureLeader elects from the members when the session's leader is gone.
	// elected reports whether this call chose the returned leader; an empty
	// session returns "".
	EnsureLeader(ctx context.Context, sessionID string) (leaderID string, elected bool, err error)
	MemberCount(ctx context.Context, sessionID string) (int, error)
	IsMember(ctx context.Context, sessionID, connID string) (bool, error)
	Leader(ctx context.Context, sessionID string) (string, error)

	LoadSession(ctx context.Context, sessionID string) (*SessionState, error)
	// InitSession stores s unless the session already exists and returns
	// whatever is stored afterwards.
	InitSession(ctx context.Context, s SessionState) (state *SessionState, created bool, err error)
	// CompareAndSwapQueue returns the new version. A stale Expected fails
	// with a VERSION_CONFLICT error.
	CompareAndSwapQueue(ctx context.Context, sessionID string, w QueueWrite) (int64, error)
	// ReapIfEmpty drops the session's ephemeral keys if it has no members.
	ReapIfEmpty(ctx context.Context, sessionID string) (bool, error)

	Heartbeat(ctx context.Context) error
	// ReapDeadInstances removes connections owned by instances whose
	// heartbeat expired.
	ReapDeadInstances(ctx context.Context) ([]LeaveResult, error)
	// CleanupInstance removes every connection this instance owns.
	CleanupInstance(ctx context.Context) ([]LeaveResult, error)
	Ping(ctx context.Context) error
}

// Options tunes key lifetimes.
type Options struct {
	Prefix        string
	ConnectionTTL time.Duration
	HeartbeatTTL  time.Duration
	SessionTTL    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "boardsync:"
	}
	if o.ConnectionTTL <= 0 {
		o.ConnectionTTL = 2 * time.Minute
	}
	if o.HeartbeatTTL <= 0 {
		o.HeartbeatTTL = 30 * time.Second
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 24 * time.Hour
	}
	return o
}

func conflict(sessionID string, expected int64) error {
	return apperr.Conflict("session %s is no longer at version %d", sessionID, expected)
}

func alreadyInSession(connID, sessionID string) error {
	return apperr.Validation("connection %s is already in session %s", connID, sessionID)
}
