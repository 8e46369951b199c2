package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/board-session-sync/internal/queue"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

// collector is a thread-safe handler target.
type collector[E any] struct {
	mu  sync.Mutex
	got []E
}

func (c *collector[E]) push(e E) {
	c.mu.Lock()
	c.got = append(c.got, e)
	c.mu.Unlock()
}

func (c *collector[E]) snapshot() []E {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]E(nil), c.got...)
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", within)
}

func TestLocalDeliversInPublishOrder(t *testing.T) {
	bus := NewLocal()
	a, b := &collector[queue.Event]{}, &collector[queue.Event]{}
	defer bus.SubscribeQueue("s1", a.push)()
	defer bus.SubscribeQueue("s1", b.push)()

	ctx := context.Background()
	for v := int64(1); v <= 50; v++ {
		require.NoError(t, bus.PublishQueueEvent(ctx, "s1", queue.Event{Type: queue.EvtQueueItemRemoved, Version: v}))
	}

	for _, c := range []*collector[queue.Event]{a, b} {
		got := c.snapshot()
		require.Len(t, got, 50)
		for i, ev := range got {
			assert.Equal(t, int64(i+1), ev.Version)
		}
	}
}

func TestLocalIsolatesSessions(t *testing.T) {
	bus := NewLocal()
	c := &collector[types.SessionEvent]{}
	defer bus.SubscribeSession("s1", c.push)()

	require.NoError(t, bus.PublishSessionEvent(context.Background(), "s2", types.SessionEvent{Type: types.EvtUserLeft, UserID: "x"}))
	assert.Empty(t, c.snapshot())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewLocal()
	c := &collector[queue.Event]{}
	unsub := bus.SubscribeQueue("s1", c.push)

	require.NoError(t, bus.PublishQueueEvent(context.Background(), "s1", queue.Event{Version: 1}))
	unsub()
	unsub()
	require.NoError(t, bus.PublishQueueEvent(context.Background(), "s1", queue.Event{Version: 2}))

	assert.Len(t, c.snapshot(), 1)
	qs, ss := bus.SubscriberCount("s1")
	assert.Zero(t, qs)
	assert.Zero(t, ss)
}

func TestRedisBroadcastsAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	newBus := func(instance string) *Redis {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		bus := NewRedis(client, "test:events", instance, nil)
		require.NoError(t, bus.Start(ctx))
		t.Cleanup(func() { _ = bus.Close() })
		return bus
	}
	one, two := newBus("instance-1"), newBus("instance-2")

	local, remote := &collector[queue.Event]{}, &collector[queue.Event]{}
	defer one.SubscribeQueue("s1", local.push)()
	defer two.SubscribeQueue("s1", remote.push)()

	item := queue.Item{UUID: "c1"}
	require.NoError(t, one.PublishQueueEvent(ctx, "s1", queue.Event{Type: queue.EvtQueueItemAdded, Item: &item, Version: 1}))
	require.NoError(t, one.PublishQueueEvent(ctx, "s1", queue.Event{Type: queue.EvtQueueItemRemoved, UUID: "c1", Version: 2}))

	waitFor(t, time.Second, func() bool { return len(remote.snapshot()) == 2 })

	got := remote.snapshot()
	assert.Equal(t, queue.EvtQueueItemAdded, got[0].Type)
	assert.Equal(t, "c1", got[0].Item.UUID)
	assert.Equal(t, queue.EvtQueueItemRemoved, got[1].Type)

	// The publishing instance sees each event exactly once.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, local.snapshot(), 2)
}
