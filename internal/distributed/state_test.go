package distributed

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type factory func(t *testing.T) State

func newMemoryState(t *testing.T) State {
	return NewMemory("instance-a")
}

func newRedisState(t *testing.T) State {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "instance-a", Options{Prefix: "test:"}, nil)
}

func implementations() map[string]factory {
	return map[string]factory{
		"memory": newMemoryState,
		"redis":  newRedisState,
	}
}

func register(t *testing.T, s State, id string, at time.Time) {
	t.Helper()
	require.NoError(t, s.RegisterConnection(context.Background(), Connection{
		ID:          id,
		UserID:      "user-" + id,
		Username:    id,
		ConnectedAt: at,
	}))
}

func join(t *testing.T, s State, connID, sessionID string) bool {
	t.Helper()
	leader, err := s.JoinSession(context.Background(), connID, sessionID)
	require.NoError(t, err)
	return leader
}

// assertOneLeader checks that a non-empty session has exactly one leader and
// that it is a member.
func assertOneLeader(t *testing.T, s State, sessionID string) {
	t.Helper()
	ctx := context.Background()
	members, err := s.SessionMembers(ctx, sessionID)
	require.NoError(t, err)
	leader, err := s.Leader(ctx, sessionID)
	require.NoError(t, err)
	if len(members) == 0 {
		assert.Empty(t, leader, "empty session must have no leader")
		return
	}
	leaders := 0
	for _, m := range members {
		if m.IsLeader {
			leaders++
			assert.Equal(t, leader, m.ID)
		}
	}
	assert.Equal(t, 1, leaders, "session %s leaders", sessionID)
}

func TestState_FirstJoinLeads(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			register(t, s, "a", t0)
			register(t, s, "b", t0.Add(time.Second))

			assert.True(t, join(t, s, "a", "s1"))
			assert.False(t, join(t, s, "b", "s1"))
			// Joining again is a no-op.
			assert.True(t, join(t, s, "a", "s1"))

			members, err := s.SessionMembers(context.Background(), "s1")
			require.NoError(t, err)
			require.Len(t, members, 2)
			assert.Equal(t, "a", members[0].ID)
			assert.True(t, members[0].IsLeader)
			assert.False(t, members[1].IsLeader)

			n, err := s.MemberCount(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestState_LeaderLeaveElectsEarliest(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()
			register(t, s, "a", t0)
			register(t, s, "c", t0.Add(3*time.Second))
			register(t, s, "b", t0.Add(2*time.Second))
			join(t, s, "a", "s1")
			join(t, s, "c", "s1")
			join(t, s, "b", "s1")

			res, err := s.LeaveSession(ctx, "a")
			require.NoError(t, err)
			require.NotNil(t, res)
			assert.True(t, res.WasLeader)
			assert.Equal(t, "b", res.NewLeaderID)
			assert.Equal(t, 2, res.Remaining)
			assert.Equal(t, "user-a", res.UserID)

			leader, err := s.Leader(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "b", leader)
			assertOneLeader(t, s, "s1")

			member, err := s.IsMember(ctx, "s1", "a")
			require.NoError(t, err)
			assert.False(t, member)
		})
	}
}

func TestState_NonLeaderLeaveKeepsLeader(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			register(t, s, "a", t0)
			register(t, s, "b", t0.Add(time.Second))
			join(t, s, "a", "s1")
			join(t, s, "b", "s1")

			res, err := s.LeaveSession(context.Background(), "b")
			require.NoError(t, err)
			assert.False(t, res.WasLeader)
			assert.Empty(t, res.NewLeaderID)
			assert.Equal(t, 1, res.Remaining)

			leader, _ := s.Leader(context.Background(), "s1")
			assert.Equal(t, "a", leader)
		})
	}
}

func TestState_LastLeaveClearsLeaderAndNextJoinLeads(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()
			register(t, s, "a", t0)
			register(t, s, "b", t0.Add(time.Second))
			join(t, s, "a", "s1")

			res, err := s.RemoveConnection(ctx, "a")
			require.NoError(t, err)
			require.NotNil(t, res)
			assert.Zero(t, res.Remaining)

			leader, err := s.Leader(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, leader)

			assert.True(t, join(t, s, "b", "s1"))

			_, err = s.GetConnection(ctx, "a")
			assert.ErrorIs(t, err, ErrConnectionNotFound)
		})
	}
}

func TestState_JoinFailsClosed(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			_, err := s.JoinSession(context.Background(), "ghost", "s1")
			assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))

			register(t, s, "a", t0)
			join(t, s, "a", "s1")
			_, err = s.JoinSession(context.Background(), "a", "s2")
			assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
		})
	}
}

func TestState_UpdateConnection(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			register(t, s, "a", t0)

			c, err := s.UpdateConnection(context.Background(), "a", "alex", "https://img/a.png")
			require.NoError(t, err)
			assert.Equal(t, "alex", c.Username)
			assert.Equal(t, "https://img/a.png", c.AvatarURL)

			_, err = s.UpdateConnection(context.Background(), "ghost", "x", "")
			assert.ErrorIs(t, err, ErrConnectionNotFound)
		})
	}
}

func TestState_LeaderInvariantUnderChurn(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()
			rng := rand.New(rand.NewSource(7))

			joined := map[string]bool{}
			for i := 0; i < 8; i++ {
				id := fmt.Sprintf("c%d", i)
				register(t, s, id, t0.Add(time.Duration(i)*time.Second))
			}
			for step := 0; step < 60; step++ {
				id := fmt.Sprintf("c%d", rng.Intn(8))
				if joined[id] {
					_, err := s.LeaveSession(ctx, id)
					require.NoError(t, err)
					joined[id] = false
				} else {
					join(t, s, id, "s1")
					joined[id] = true
				}
				assertOneLeader(t, s, "s1")
			}
		})
	}
}

func TestState_CompareAndSwapQueue(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()

			_, err := s.CompareAndSwapQueue(ctx, "s1", QueueWrite{})
			assert.ErrorIs(t, err, ErrSessionNotFound)

			st, created, err := s.InitSession(ctx, SessionState{SessionID: "s1", BoardPath: "kilter/1/2"})
			require.NoError(t, err)
			assert.True(t, created)
			assert.Zero(t, st.Version)

			base := st.Version
			first := QueueWrite{Queue: []queue.Item{{UUID: "c1"}}, Expected: &base}
			second := QueueWrite{Queue: []queue.Item{{UUID: "c2"}}, Expected: &base}

			v, err := s.CompareAndSwapQueue(ctx, "s1", first)
			require.NoError(t, err)
			assert.Equal(t, int64(1), v)

			_, err = s.CompareAndSwapQueue(ctx, "s1", second)
			require.Error(t, err)
			assert.True(t, apperr.Retryable(err))

			// Re-reading and retrying succeeds.
			fresh, err := s.LoadSession(ctx, "s1")
			require.NoError(t, err)
			second.Expected = &fresh.Version
			second.Queue = append(fresh.Queue, queue.Item{UUID: "c2"})
			v, err = s.CompareAndSwapQueue(ctx, "s1", second)
			require.NoError(t, err)
			assert.Equal(t, int64(2), v)

			final, err := s.LoadSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "kilter/1/2", final.BoardPath)
			require.Len(t, final.Queue, 2)
			assert.Equal(t, "c1", final.Queue[0].UUID)
			assert.Equal(t, "c2", final.Queue[1].UUID)
		})
	}
}

func TestState_CompareAndSwapKeepsCurrent(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()
			_, _, err := s.InitSession(ctx, SessionState{SessionID: "s1"})
			require.NoError(t, err)

			cur := queue.Item{UUID: "c1", Climb: queue.Climb{Name: "Crimp City"}}
			other := queue.Item{UUID: "c2", Climb: queue.Climb{Name: "Sloper Town"}}
			_, err = s.CompareAndSwapQueue(ctx, "s1", QueueWrite{Queue: []queue.Item{other}, Current: &cur})
			require.NoError(t, err)

			_, err = s.CompareAndSwapQueue(ctx, "s1", QueueWrite{Queue: []queue.Item{}, KeepCurrent: true})
			require.NoError(t, err)

			st, err := s.LoadSession(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, st.Queue)
			require.NotNil(t, st.CurrentClimbQueueItem)
			assert.Equal(t, "Crimp City", st.CurrentClimbQueueItem.Climb.Name)
			assert.Equal(t, int64(2), st.Version)
		})
	}
}

func TestState_CompareAndSwapClearsDroppedCurrent(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()
			_, _, err := s.InitSession(ctx, SessionState{SessionID: "s1"})
			require.NoError(t, err)

			cur := queue.Item{UUID: "c1", Climb: queue.Climb{Name: "Crimp City"}}
			other := queue.Item{UUID: "c2", Climb: queue.Climb{Name: "Sloper Town"}}
			_, err = s.CompareAndSwapQueue(ctx, "s1", QueueWrite{Queue: []queue.Item{cur, other}, Current: &cur})
			require.NoError(t, err)

			_, err = s.CompareAndSwapQueue(ctx, "s1", QueueWrite{Queue: []queue.Item{other}, KeepCurrent: true})
			require.NoError(t, err)

			st, err := s.LoadSession(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, st.Queue, 1)
			assert.Equal(t, "c2", st.Queue[0].UUID)
			assert.Nil(t, st.CurrentClimbQueueItem)
		})
	}
}

func TestState_InitSessionKeepsExisting(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()
			_, _, err := s.InitSession(ctx, SessionState{SessionID: "s1", BoardPath: "kilter"})
			require.NoError(t, err)
			_, err = s.CompareAndSwapQueue(ctx, "s1", QueueWrite{Queue: []queue.Item{{UUID: "c1"}}})
			require.NoError(t, err)

			st, created, err := s.InitSession(ctx, SessionState{SessionID: "s1", BoardPath: "tension"})
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, "kilter", st.BoardPath)
			assert.Equal(t, int64(1), st.Version)
			assert.Len(t, st.Queue, 1)
		})
	}
}

func TestState_ReapIfEmpty(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()
			register(t, s, "a", t0)
			_, _, err := s.InitSession(ctx, SessionState{SessionID: "s1"})
			require.NoError(t, err)
			join(t, s, "a", "s1")

			reaped, err := s.ReapIfEmpty(ctx, "s1")
			require.NoError(t, err)
			assert.False(t, reaped)

			_, err = s.LeaveSession(ctx, "a")
			require.NoError(t, err)
			reaped, err = s.ReapIfEmpty(ctx, "s1")
			require.NoError(t, err)
			assert.True(t, reaped)

			_, err = s.LoadSession(ctx, "s1")
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestState_TiesKeepJoinOrder(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()
			register(t, s, "lead", t0)
			register(t, s, "zed", t0.Add(time.Second))
			register(t, s, "amy", t0.Add(time.Second))
			join(t, s, "lead", "s1")
			join(t, s, "zed", "s1")
			join(t, s, "amy", "s1")

			members, err := s.SessionMembers(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, members, 3)
			assert.Equal(t, []string{"lead", "zed", "amy"},
				[]string{members[0].ID, members[1].ID, members[2].ID})

			res, err := s.LeaveSession(ctx, "lead")
			require.NoError(t, err)
			assert.Equal(t, "zed", res.NewLeaderID)
			assertOneLeader(t, s, "s1")
		})
	}
}

func TestState_EnsureLeaderKeepsLiveLeader(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()

			leader, elected, err := s.EnsureLeader(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, leader)
			assert.False(t, elected)

			register(t, s, "a", t0)
			register(t, s, "b", t0.Add(time.Second))
			join(t, s, "a", "s1")
			join(t, s, "b", "s1")

			leader, elected, err = s.EnsureLeader(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "a", leader)
			assert.False(t, elected)
		})
	}
}

func TestMemory_CleanupInstance(t *testing.T) {
	s := NewMemory("i1")
	ctx := context.Background()
	register(t, s, "a", t0)
	register(t, s, "b", t0.Add(time.Second))
	join(t, s, "a", "s1")
	join(t, s, "b", "s1")

	results, err := s.CleanupInstance(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	leader, _ := s.Leader(ctx, "s1")
	assert.Empty(t, leader)
	n, _ := s.MemberCount(ctx, "s1")
	assert.Zero(t, n)
}

type cluster struct {
	mr *miniredis.Miniredis
}

func newCluster(t *testing.T) *cluster {
	return &cluster{mr: miniredis.RunT(t)}
}

func (c *cluster) instance(t *testing.T, id string) *Redis {
	client := redis.NewClient(&redis.Options{Addr: c.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, id, Options{
		Prefix:        "test:",
		HeartbeatTTL:  30 * time.Second,
		ConnectionTTL: 2 * time.Minute,
	}, nil)
}

func TestState_RejoinGoesToBackOfTies(t *testing.T) {
	for name, newState := range implementations() {
		t.Run(name, func(t *testing.T) {
			s := newState(t)
			ctx := context.Background()
			register(t, s, "lead", t0)
			register(t, s, "amy", t0.Add(time.Second))
			register(t, s, "zed", t0.Add(time.Second))
			join(t, s, "lead", "s1")
			join(t, s, "amy", "s1")
			join(t, s, "zed", "s1")

			_, err := s.LeaveSession(ctx, "amy")
			require.NoError(t, err)
			join(t, s, "amy", "s1")

			res, err := s.LeaveSession(ctx, "lead")
			require.NoError(t, err)
			assert.Equal(t, "zed", res.NewLeaderID)
		})
	}
}

func TestRedis_ReapDropsJoinOrder(t *testing.T) {
	c := newCluster(t)
	s := c.instance(t, "i1")
	ctx := context.Background()
	register(t, s, "a", t0)
	join(t, s, "a", "s1")
	assert.True(t, c.mr.Exists("test:session:s1:order"))
	assert.True(t, c.mr.Exists("test:session:s1:seq"))

	_, err := s.LeaveSession(ctx, "a")
	require.NoError(t, err)
	reaped, err := s.ReapIfEmpty(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, reaped)
	assert.False(t, c.mr.Exists("test:session:s1:order"))
	assert.False(t, c.mr.Exists("test:session:s1:seq"))
}

func TestRedis_MembersVisibleAcrossInstances(t *testing.T) {
	c := newCluster(t)
	one, two := c.instance(t, "i1"), c.instance(t, "i2")
	register(t, one, "a", t0)
	register(t, two, "b", t0.Add(time.Second))

	assert.True(t, join(t, one, "a", "s1"))
	assert.False(t, join(t, two, "b", "s1"))

	members, err := two.SessionMembers(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "i1", members[0].InstanceID)
	assert.Equal(t, "i2", members[1].InstanceID)
}

func TestRedis_ExpiredLeaderIsReplaced(t *testing.T) {
	c := newCluster(t)
	s := c.instance(t, "i1")
	ctx := context.Background()
	register(t, s, "a", t0)
	register(t, s, "b", t0.Add(time.Second))
	join(t, s, "a", "s1")
	join(t, s, "b", "s1")

	// a's connection key vanishes without a leave.
	c.mr.Del("test:conn:a")

	leader, elected, err := s.EnsureLeader(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "b", leader)
	assert.True(t, elected)

	_, elected, err = s.EnsureLeader(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, elected, "a live leader is not re-elected")

	members, err := s.SessionMembers(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "b", members[0].ID)
	assert.True(t, members[0].IsLeader)

	leader, err = s.Leader(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "b", leader)
}

func TestRedis_ClaimTreatsDeadLeaderAsAbsent(t *testing.T) {
	c := newCluster(t)
	s := c.instance(t, "i1")
	register(t, s, "a", t0)
	register(t, s, "b", t0.Add(time.Second))
	join(t, s, "a", "s1")

	c.mr.Del("test:conn:a")
	assert.True(t, join(t, s, "b", "s1"))
}

func TestRedis_ReapDeadInstances(t *testing.T) {
	c := newCluster(t)
	live, dead := c.instance(t, "live"), c.instance(t, "dead")
	ctx := context.Background()

	register(t, dead, "d1", t0)
	register(t, live, "l1", t0.Add(time.Second))
	join(t, dead, "d1", "s1")
	join(t, live, "l1", "s1")

	// Both heartbeats lapse; only the live instance renews.
	c.mr.FastForward(45 * time.Second)
	require.NoError(t, live.Heartbeat(ctx))

	results, err := live.ReapDeadInstances(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "d1", results[0].ConnectionID)
	assert.True(t, results[0].WasLeader)
	assert.Equal(t, "l1", results[0].NewLeaderID)

	// A second reaper finds nothing left to claim.
	again, err := c.instance(t, "other").ReapDeadInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRedis_CleanupInstanceHandsOverLeadership(t *testing.T) {
	c := newCluster(t)
	leaving, staying := c.instance(t, "leaving"), c.instance(t, "staying")
	ctx := context.Background()

	register(t, leaving, "x1", t0)
	register(t, leaving, "x2", t0.Add(time.Second))
	register(t, staying, "y1", t0.Add(2*time.Second))
	join(t, leaving, "x1", "s1")
	join(t, leaving, "x2", "s1")
	join(t, staying, "y1", "s1")

	results, err := leaving.CleanupInstance(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	leader, err := staying.Leader(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "y1", leader)
	assertOneLeader(t, staying, "s1")
	assert.False(t, c.mr.Exists("test:instance:leaving:conns"))
}

func TestRedis_HeartbeatExtendsKeys(t *testing.T) {
	c := newCluster(t)
	s := c.instance(t, "i1")
	ctx := context.Background()
	register(t, s, "a", t0)
	join(t, s, "a", "s1")

	c.mr.FastForward(90 * time.Second)
	require.NoError(t, s.Heartbeat(ctx))
	c.mr.FastForward(90 * time.Second)

	_, err := s.GetConnection(ctx, "a")
	require.NoError(t, err)
	leader, err := s.Leader(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "a", leader)
}
