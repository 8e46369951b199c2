package resolver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/distributed"
	"github.com/DoyleJ11/board-session-sync/internal/eventbus"
	"github.com/DoyleJ11/board-session-sync/internal/identity"
	"github.com/DoyleJ11/board-session-sync/internal/metrics"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
	"github.com/DoyleJ11/board-session-sync/internal/ratelimit"
	"github.com/DoyleJ11/board-session-sync/internal/room"
	"github.com/DoyleJ11/board-session-sync/internal/storage"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

const board = "kilter/original/12x12"

type harness struct {
	r     *Resolver
	rooms *room.Manager
	bus   *eventbus.Local
	state distributed.State
}

func newHarness(t *testing.T, state distributed.State) *harness {
	t.Helper()
	if state == nil {
		state = distributed.NewMemory("instance-a")
	}
	bus := eventbus.NewLocal()
	store := storage.NewMemory()
	writes := storage.NewWriteBuffer(store, time.Hour, time.Hour, nil)
	t.Cleanup(func() { _ = writes.Close(context.Background()) })

	rooms := room.New(room.Deps{
		State:   state,
		Bus:     bus,
		Store:   store,
		Writes:  writes,
		Limiter: ratelimit.New(ratelimit.DefaultLimits(), nil),
	}, room.Options{EmptySessionGrace: time.Hour}, nil)

	r := New(rooms, bus, Options{MembershipRetries: 3, MembershipRetryDelay: time.Millisecond}, nil)
	return &harness{r: r, rooms: rooms, bus: bus, state: state}
}

func (h *harness) connect(t *testing.T, id string) {
	t.Helper()
	_, err := h.rooms.RegisterConnection(context.Background(), room.ConnectionInfo{ID: id, UserID: "user-" + id, Username: id})
	require.NoError(t, err)
}

func (h *harness) join(t *testing.T, connID, sessionID string) *room.JoinResult {
	t.Helper()
	res, err := h.r.JoinSession(context.Background(), connID, room.JoinRequest{SessionID: sessionID, BoardPath: board})
	require.NoError(t, err)
	return res
}

func (h *harness) queueState(t *testing.T, connID string) queue.State {
	t.Helper()
	st, err := h.r.GetQueueState(context.Background(), connID)
	require.NoError(t, err)
	return st
}

type nexter[T any] interface {
	Next(ctx context.Context) (T, error)
}

func recv[T any](t *testing.T, s nexter[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := s.Next(ctx)
	require.NoError(t, err)
	return v
}

func item(uuid string) queue.Item {
	return queue.Item{UUID: uuid, Climb: queue.Climb{UUID: "climb-" + uuid, Name: uuid}}
}

func uuids(items []queue.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.UUID
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestMutations_NetEffect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t, "a")
	h.join(t, "a", "s1")

	steps := []struct {
		name string
		do   func() (*MutationResult, error)
		want []string
	}{
		{"add a", func() (*MutationResult, error) { return h.r.AddQueueItem(ctx, "a", item("a"), nil) }, []string{"a"}},
		{"add b", func() (*MutationResult, error) { return h.r.AddQueueItem(ctx, "a", item("b"), nil) }, []string{"a", "b"}},
		{"add c at 0", func() (*MutationResult, error) { return h.r.AddQueueItem(ctx, "a", item("c"), ptr(0)) }, []string{"c", "a", "b"}},
		{"reorder c to end", func() (*MutationResult, error) { return h.r.ReorderQueueItem(ctx, "a", "c", 0, 2) }, []string{"a", "b", "c"}},
		{"remove a", func() (*MutationResult, error) { return h.r.RemoveQueueItem(ctx, "a", "a") }, []string{"b", "c"}},
		{"replace b", func() (*MutationResult, error) { return h.r.ReplaceQueueItem(ctx, "a", "b", item("d")) }, []string{"d", "c"}},
		{"set queue", func() (*MutationResult, error) {
			return h.r.SetQueue(ctx, "a", []queue.Item{item("x"), item("y")}, nil)
		}, []string{"x", "y"}},
	}

	var last int64
	for _, step := range steps {
		res, err := step.do()
		require.NoError(t, err, step.name)
		assert.True(t, res.Applied, step.name)
		assert.Greater(t, res.Version, last, step.name)
		last = res.Version

		st := h.queueState(t, "a")
		assert.Equal(t, step.want, uuids(st.Queue), step.name)
		assert.Equal(t, res.Version, st.Version, step.name)
	}
}

func TestMutations_CurrentClimb(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t, "a")
	h.join(t, "a", "s1")

	x := item("x")
	_, err := h.r.SetCurrentClimb(ctx, "a", &x, true)
	require.NoError(t, err)
	st := h.queueState(t, "a")
	assert.Equal(t, []string{"x"}, uuids(st.Queue))
	require.NotNil(t, st.CurrentClimbQueueItem)

	_, err = h.r.MirrorCurrentClimb(ctx, "a", true)
	require.NoError(t, err)
	st = h.queueState(t, "a")
	assert.True(t, st.CurrentClimbQueueItem.Climb.Mirrored)
	assert.True(t, st.Queue[0].Climb.Mirrored)

	// Clearing the current climb keeps it queued.
	_, err = h.r.SetCurrentClimb(ctx, "a", nil, false)
	require.NoError(t, err)
	st = h.queueState(t, "a")
	assert.Nil(t, st.CurrentClimbQueueItem)
	assert.Equal(t, []string{"x"}, uuids(st.Queue))

	// Removing the current climb clears it.
	_, err = h.r.SetCurrentClimb(ctx, "a", &x, false)
	require.NoError(t, err)
	_, err = h.r.RemoveQueueItem(ctx, "a", "x")
	require.NoError(t, err)
	st = h.queueState(t, "a")
	assert.Nil(t, st.CurrentClimbQueueItem)
	assert.Empty(t, st.Queue)

	// A replacement queue without the current climb clears it too.
	y := item("y")
	_, err = h.r.SetCurrentClimb(ctx, "a", &y, true)
	require.NoError(t, err)
	_, err = h.r.SetQueue(ctx, "a", []queue.Item{item("z")}, nil)
	require.NoError(t, err)
	st = h.queueState(t, "a")
	assert.Nil(t, st.CurrentClimbQueueItem)
	assert.Equal(t, []string{"z"}, uuids(st.Queue))

	_, err = h.r.MirrorCurrentClimb(ctx, "a", false)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestMutations_IdempotentOpsWriteNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t, "a")
	h.join(t, "a", "s1")

	first, err := h.r.AddQueueItem(ctx, "a", item("x"), nil)
	require.NoError(t, err)

	qs, err := h.r.QueueUpdates(ctx, "a", "s1")
	require.NoError(t, err)
	defer qs.Close()
	recv[queue.Event](t, qs)

	again, err := h.r.AddQueueItem(ctx, "a", item("x"), nil)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, first.Version, again.Version)

	gone, err := h.r.RemoveQueueItem(ctx, "a", "missing")
	require.NoError(t, err)
	assert.False(t, gone.Applied)

	_, ok := qs.stream.TryNext()
	assert.False(t, ok, "no events for no-op mutations")
}

func TestMutations_RequireMembership(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "a")

	_, err := h.r.AddQueueItem(context.Background(), "a", item("x"), nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))

	_, err = h.r.GetQueueState(context.Background(), "a")
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))
}

func TestConcurrentSameItemAdds_LeaveOneCopy(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "a")
	h.connect(t, "b")
	h.join(t, "a", "s1")
	h.join(t, "b", "s1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, conn := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.r.AddQueueItem(context.Background(), conn, item("same"), nil)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	st := h.queueState(t, "a")
	assert.Equal(t, []string{"same"}, uuids(st.Queue))
	assert.Equal(t, int64(1), st.Version)
}

// interferingState lands a competing write just before the resolver's own.
type interferingState struct {
	distributed.State
	mu     sync.Mutex
	times  int
	itemID int
}

func (s *interferingState) CompareAndSwapQueue(ctx context.Context, sessionID string, w distributed.QueueWrite) (int64, error) {
	s.mu.Lock()
	if s.times > 0 {
		s.times--
		s.itemID++
		st, err := s.State.LoadSession(ctx, sessionID)
		if err == nil {
			other := item(fmt.Sprintf("other-%d", s.itemID))
			_, _ = s.State.CompareAndSwapQueue(ctx, sessionID, distributed.QueueWrite{
				Queue:       append(st.Queue, other),
				KeepCurrent: true,
			})
		}
	}
	s.mu.Unlock()
	return s.State.CompareAndSwapQueue(ctx, sessionID, w)
}

func TestConflict_RereadsAndRecomputes(t *testing.T) {
	state := &interferingState{State: distributed.NewMemory("instance-a")}
	h := newHarness(t, state)
	h.connect(t, "a")
	h.join(t, "a", "s1")

	before := testutil.ToFloat64(metrics.VersionConflictsTotal.WithLabelValues(OpAddQueueItem))
	state.times = 1
	res, err := h.r.AddQueueItem(context.Background(), "a", item("mine"), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.Version, "competing write took version 1")
	assert.Equal(t, []string{"other-1", "mine"}, uuids(h.queueState(t, "a").Queue))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.VersionConflictsTotal.WithLabelValues(OpAddQueueItem)))
}

func TestConflict_ExhaustedRetriesFail(t *testing.T) {
	state := &interferingState{State: distributed.NewMemory("instance-a")}
	h := newHarness(t, state)
	h.connect(t, "a")
	h.join(t, "a", "s1")

	state.times = 3
	_, err := h.r.AddQueueItem(context.Background(), "a", item("mine"), nil)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeVersionConflict))
	assert.NotContains(t, uuids(h.queueState(t, "a").Queue), "mine")
}

func TestQueueUpdates_FullSyncFirst(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t, "a")
	h.join(t, "a", "s1")
	_, err := h.r.AddQueueItem(ctx, "a", item("x"), nil)
	require.NoError(t, err)

	qs, err := h.r.QueueUpdates(ctx, "a", "s1")
	require.NoError(t, err)
	defer qs.Close()

	// An event the snapshot already covers is skipped.
	require.NoError(t, h.bus.PublishQueueEvent(ctx, "s1", queue.Event{Type: queue.EvtQueueItemAdded, Version: 1}))

	_, err = h.r.AddQueueItem(ctx, "a", item("y"), nil)
	require.NoError(t, err)

	first := recv[queue.Event](t, qs)
	assert.Equal(t, queue.EvtFullSync, first.Type)
	assert.Equal(t, int64(1), first.Version)
	require.NotNil(t, first.State)
	assert.Equal(t, []string{"x"}, uuids(first.State.Queue))

	next := recv[queue.Event](t, qs)
	assert.Equal(t, queue.EvtQueueItemAdded, next.Type)
	assert.Equal(t, int64(2), next.Version)
	assert.Equal(t, "y", next.Item.UUID)
}

func TestSubscriptions_RequireMembership(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "a")

	_, err := h.r.QueueUpdates(context.Background(), "a", "s1")
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))
	_, err = h.r.SessionUpdates(context.Background(), "a", "s1")
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))
}

func TestJoinSession_EleventhThrottled(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "a")

	for i := 0; i < 10; i++ {
		_, err := h.r.JoinSession(context.Background(), "a", room.JoinRequest{SessionID: "s1", BoardPath: board})
		require.NoError(t, err, "join %d", i+1)
	}
	_, err := h.r.JoinSession(context.Background(), "a", room.JoinRequest{SessionID: "s1", BoardPath: board})
	assert.True(t, apperr.IsCode(err, apperr.CodeThrottled))
}

func TestCreateSession_RequiresAuthentication(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "a")

	_, err := h.r.CreateSession(context.Background(), "a", identity.Anonymous, room.CreateRequest{BoardPath: board})
	assert.True(t, apperr.IsCode(err, apperr.CodeUnauthenticated))

	_, err = h.r.GetUserSessions(context.Background(), identity.Anonymous)
	assert.True(t, apperr.IsCode(err, apperr.CodeUnauthenticated))
}

func TestTwoClientScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.connect(t, "A")
	h.connect(t, "B")

	alice := identity.Identity{UserID: "alice", Username: "alice", Authenticated: true}
	created, err := h.r.CreateSession(ctx, "A", alice, room.CreateRequest{BoardPath: board, Latitude: 1, Longitude: 1, Discoverable: true})
	require.NoError(t, err)
	assert.True(t, created.IsLeader)
	sid := created.SessionID

	joined, err := h.r.JoinSession(ctx, "B", room.JoinRequest{SessionID: sid, BoardPath: board})
	require.NoError(t, err)
	assert.False(t, joined.IsLeader)

	users, err := h.r.GetSessionUsers(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, users, 2)

	qa, err := h.r.QueueUpdates(ctx, "A", sid)
	require.NoError(t, err)
	defer qa.Close()
	qb, err := h.r.QueueUpdates(ctx, "B", sid)
	require.NoError(t, err)
	defer qb.Close()
	assert.Equal(t, queue.EvtFullSync, recv[queue.Event](t, qa).Type)
	assert.Equal(t, queue.EvtFullSync, recv[queue.Event](t, qb).Type)

	sb, err := h.r.SessionUpdates(ctx, "B", sid)
	require.NoError(t, err)
	defer sb.Close()
	_, _ = sb.TryNext() // attach

	added, err := h.r.AddQueueItem(ctx, "A", item("c1"), ptr(0))
	require.NoError(t, err)
	for _, qs := range []*QueueStream{qa, qb} {
		ev := recv[queue.Event](t, qs)
		assert.Equal(t, queue.EvtQueueItemAdded, ev.Type)
		assert.Equal(t, "c1", ev.Item.UUID)
		assert.Equal(t, 0, ev.Position)
	}

	require.NoError(t, h.rooms.RemoveConnection(ctx, "A"))
	left := recv[types.SessionEvent](t, sb)
	assert.Equal(t, types.EvtUserLeft, left.Type)
	assert.Equal(t, "A", left.UserID)
	leader := recv[types.SessionEvent](t, sb)
	assert.Equal(t, types.EvtLeaderChanged, leader.Type)
	assert.Equal(t, "B", leader.LeaderID)

	next, err := h.r.AddQueueItem(ctx, "B", item("c2"), nil)
	require.NoError(t, err)
	assert.Greater(t, next.Version, added.Version)
}
