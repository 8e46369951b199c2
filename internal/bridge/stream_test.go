package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// source is a minimal push source for tests.
type source struct {
	mu       sync.Mutex
	handlers map[int]func(int)
	next     int
	attaches int
}

func newSource() *source {
	return &source{handlers: make(map[int]func(int))}
}

func (s *source) subscribe(push func(int)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attaches++
	id := s.next
	s.next++
	s.handlers[id] = push
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *source) emit(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handlers {
		h(v)
	}
}

func (s *source) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func TestRingDropsOldestWhenFull(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		_, ok := r.Send(i)
		require.True(t, ok)
	}

	var got []int
	for {
		v, ok := r.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.TotalDropped)
	assert.Equal(t, int64(5), stats.TotalReceived)
	assert.Equal(t, int64(3), stats.TotalSent)
}

func TestRingReceiveWakesOnClose(t *testing.T) {
	r := NewRing[int](4)
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	r.Close()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("receiver not woken by Close")
	}

	_, ok := r.Send(1)
	assert.False(t, ok)
}

func TestRingReceiveHonoursContext(t *testing.T) {
	r := NewRing[int](4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEagerStreamBuffersBeforeFirstRead(t *testing.T) {
	src := newSource()
	s := Open[int](Eager, 10, src.subscribe)
	defer s.Close()

	src.emit(1)
	src.emit(2)

	ctx := context.Background()
	v, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, src.attaches)
}

func TestLazyStreamAttachesOnFirstRead(t *testing.T) {
	src := newSource()
	s := Open[int](Lazy, 10, src.subscribe)
	defer s.Close()

	src.emit(1)
	assert.Zero(t, src.subscribers())

	_, ok := s.TryNext()
	assert.False(t, ok)
	assert.Equal(t, 1, src.subscribers())

	src.emit(2)
	v, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestStreamDropsOldestAndReports(t *testing.T) {
	src := newSource()
	var hookTotal int64
	s := Open[int](Eager, 2, src.subscribe, WithName("test"), WithDropHook(func(total int64) {
		hookTotal = total
	}))
	defer s.Close()

	for i := 1; i <= 5; i++ {
		src.emit(i)
	}

	assert.Equal(t, int64(3), s.Dropped())
	assert.Equal(t, int64(3), hookTotal)
	assert.Equal(t, 2, s.Buffered())

	v, _ := s.TryNext()
	assert.Equal(t, 4, v)
}

func TestStreamCloseDetaches(t *testing.T) {
	src := newSource()
	s := Open[int](Eager, 10, src.subscribe)
	require.Equal(t, 1, src.subscribers())

	s.Close()
	s.Close()
	assert.Zero(t, src.subscribers())

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	// Reading after Close must not resubscribe.
	assert.Zero(t, src.subscribers())
}
