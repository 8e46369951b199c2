package distributed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DoyleJ11/board-session-sync/internal/queue"
)

type memSession struct {
	id      string
	members []string // join order
	leader  string
	state   *SessionState
}

// Memory is the single-instance State. One mutex stands in for the atomic
// scripts Redis runs.
type Memory struct {
	mu         sync.Mutex
	instanceID string
	conns      map[string]*Connection
	sessions   map[string]*memSession
	now        func() time.Time
}

func NewMemory(instanceID string) *Memory {
	return &Memory{
		instanceID: instanceID,
		conns:      make(map[string]*Connection),
		sessions:   make(map[string]*memSession),
		now:        time.Now,
	}
}

func (m *Memory) InstanceID() string { return m.instanceID }

func (m *Memory) RegisterConnection(_ context.Context, conn Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn.InstanceID == "" {
		conn.InstanceID = m.instanceID
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = m.now()
	}
	conn.SessionID = ""
	conn.IsLeader = false
	m.conns[conn.ID] = &conn
	return nil
}

func (m *Memory) GetConnection(_ context.Context, connID string) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return Connection{}, ErrConnectionNotFound
	}
	return *c, nil
}

func (m *Memory) UpdateConnection(_ context.Context, connID, username, avatarURL string) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return Connection{}, ErrConnectionNotFound
	}
	c.Username = username
	c.AvatarURL = avatarURL
	return *c, nil
}

func (m *Memory) RemoveConnection(_ context.Context, connID string) (*LeaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return nil, nil
	}
	delete(m.conns, connID)
	return m.leaveLocked(c), nil
}

func (m *Memory) JoinSession(_ context.Context, connID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return false, ErrConnectionNotFound
	}
	if c.SessionID != "" && c.SessionID != sessionID {
		return false, alreadyInSession(connID, c.SessionID)
	}

	s := m.session(sessionID)
	if c.SessionID != sessionID {
		s.members = append(s.members, connID)
		c.SessionID = sessionID
	}

	// ClaimIfAbsent: a leader that is gone or no longer a member counts as absent.
	if !m.liveMemberLocked(s, s.leader) {
		if prev, ok := m.conns[s.leader]; ok {
			prev.IsLeader = false
		}
		s.leader = connID
		c.IsLeader = true
	}
	return s.leader == connID, nil
}

func (m *Memory) LeaveSession(_ context.Context, connID string) (*LeaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return m.leaveLocked(c), nil
}

// leaveLocked is TransferIfMatches: leadership moves only when the departing
// connection holds it.
func (m *Memory) leaveLocked(c *Connection) *LeaveResult {
	if c.SessionID == "" {
		return nil
	}
	connID := c.ID
	res := &LeaveResult{ConnectionID: connID, SessionID: c.SessionID, UserID: c.UserID}
	s := m.sessions[c.SessionID]
	c.SessionID = ""
	c.IsLeader = false
	if s == nil {
		return res
	}

	s.members = removeString(s.members, connID)
	if s.leader == connID || s.leader == "" {
		res.WasLeader = s.leader == connID
		s.leader = ""
		if next := m.electLocked(s); next != "" {
			res.NewLeaderID = next
		}
	}
	res.Remaining = len(s.members)
	return res
}

// electLocked is ElectFromMembers: the earliest connectedAt wins and equal
// timestamps keep join order.
func (m *Memory) electLocked(s *memSession) string {
	live := s.members[:0]
	for _, id := range s.members {
		if _, ok := m.conns[id]; ok {
			live = append(live, id)
		}
	}
	s.members = live
	if len(live) == 0 {
		s.leader = ""
		return ""
	}
	ordered := append([]string(nil), live...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return m.conns[ordered[i]].ConnectedAt.Before(m.conns[ordered[j]].ConnectedAt)
	})
	s.leader = ordered[0]
	m.conns[s.leader].IsLeader = true
	return s.leader
}

func (m *Memory) EnsureLeader(_ context.Context, sessionID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", false, nil
	}
	if m.liveMemberLocked(s, s.leader) {
		return s.leader, false, nil
	}
	next := m.electLocked(s)
	return next, next != "", nil
}

func (m *Memory) SessionMembers(_ context.Context, sessionID string) ([]Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return []Connection{}, nil
	}
	if !m.liveMemberLocked(s, s.leader) {
		m.electLocked(s)
	}
	out := make([]Connection, 0, len(s.members))
	for _, id := range s.members {
		if c, ok := m.conns[id]; ok {
			cp := *c
			cp.IsLeader = id == s.leader
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out, nil
}

func (m *Memory) MemberCount(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return len(s.members), nil
	}
	return 0, nil
}

func (m *Memory) IsMember(_ context.Context, sessionID, connID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	return ok && c.SessionID == sessionID, nil
}

func (m *Memory) Leader(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.leader, nil
	}
	return "", nil
}

func (m *Memory) LoadSession(_ context.Context, sessionID string) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.state == nil {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s.state), nil
}

func (m *Memory) InitSession(_ context.Context, st SessionState) (*SessionState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(st.SessionID)
	if s.state != nil {
		return cloneSession(s.state), false, nil
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = m.now()
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = st.CreatedAt
	}
	if st.Queue == nil {
		st.Queue = []queue.Item{}
	}
	s.state = cloneSession(&st)
	return cloneSession(s.state), true, nil
}

func (m *Memory) CompareAndSwapQueue(_ context.Context, sessionID string, w QueueWrite) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.state == nil {
		return 0, ErrSessionNotFound
	}
	if w.Expected != nil && *w.Expected != s.state.Version {
		return 0, conflict(sessionID, *w.Expected)
	}
	next := queue.State{Queue: w.Queue, CurrentClimbQueueItem: w.Current}.Clone()
	if w.KeepCurrent && !queue.DropsCurrent(s.state.Queue, next.Queue, s.state.CurrentClimbQueueItem) {
		next.CurrentClimbQueueItem = s.state.CurrentClimbQueueItem
	}
	s.state.Queue = next.Queue
	s.state.CurrentClimbQueueItem = next.CurrentClimbQueueItem
	s.state.Version++
	s.state.UpdatedAt = m.now()
	return s.state.Version, nil
}

func (m *Memory) ReapIfEmpty(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	if len(s.members) > 0 {
		return false, nil
	}
	delete(m.sessions, sessionID)
	return true, nil
}

func (m *Memory) Heartbeat(context.Context) error { return nil }

func (m *Memory) ReapDeadInstances(context.Context) ([]LeaveResult, error) { return nil, nil }

func (m *Memory) CleanupInstance(_ context.Context) ([]LeaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id, c := range m.conns {
		if c.InstanceID == m.instanceID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	owned := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		owned = append(owned, m.conns[id])
		delete(m.conns, id)
	}

	// Every owned connection is gone before any election, so none can win.
	var results []LeaveResult
	for _, c := range owned {
		if res := m.leaveLocked(c); res != nil {
			results = append(results, *res)
		}
	}
	return results, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) session(id string) *memSession {
	s, ok := m.sessions[id]
	if !ok {
		s = &memSession{id: id}
		m.sessions[id] = s
	}
	return s
}

func (m *Memory) liveMemberLocked(s *memSession, connID string) bool {
	if connID == "" {
		return false
	}
	c, ok := m.conns[connID]
	return ok && c.SessionID == s.id
}

func cloneSession(s *SessionState) *SessionState {
	out := *s
	out.State = s.State.Clone()
	return &out
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
