// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int64
	closed atomic.Bool
}

type fakeFactory struct {
	next    atomic.Int64
	live    atomic.Int64
	maxLive atomic.Int64
	fail    atomic.Bool
}

func (f *fakeFactory) open(ctx context.Context, key string) (*fakeConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fail.Load() {
		return nil, errors.New("dial refused")
	}
	n := f.live.Add(1)
	for {
		m := f.maxLive.Load()
		if n <= m || f.maxLive.CompareAndSwap(m, n) {
			break
		}
	}
	return &fakeConn{id: f.next.Add(1)}, nil
}

func (f *fakeFactory) close(c *fakeConn) error {
	if c.closed.CompareAndSwap(false, true) {
		f.live.Add(-1)
	}
	return nil
}

func newTestPool(t *testing.T, capacity int) (*Pool[*fakeConn], *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p, err := New(Config{Name: "test", Capacity: capacity}, f.open, WithCloser(f.close))
	require.NoError(t, err)
	return p, f
}

func TestNewInvalidCapacity(t *testing.T) {
	_, err := New(Config{Capacity: 0}, func(context.Context, string) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestAcquireReusesReleasedHandle(t *testing.T) {
	p, f := newTestPool(t, 2)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, "1")
	require.NoError(t, err)
	p.Release(h1)

	h2, err := p.Acquire(ctx, "1")
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, int64(1), f.next.Load())
}

func TestAcquirePrefersMatchingKey(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	ha, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	hb, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	p.Release(ha)
	p.Release(hb)

	got, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, ha, got)
	assert.Equal(t, "a", got.Key())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestAcquireFallsBackToOtherKey(t *testing.T) {
	p, f := newTestPool(t, 2)
	ctx := context.Background()

	ha, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	p.Release(ha)

	got, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.Same(t, ha, got)
	assert.Equal(t, int64(1), f.next.Load())
}

func TestStrictKeysEvictsOtherKeyAtCapacity(t *testing.T) {
	f := &fakeFactory{}
	p, err := New(Config{Name: "strict", Capacity: 1}, f.open, WithCloser(f.close), WithStrictKeys[*fakeConn]())
	require.NoError(t, err)
	ctx := context.Background()

	ha, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	p.Release(ha)

	hb, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.NotSame(t, ha, hb)
	assert.Equal(t, "b", hb.Key())
	assert.True(t, ha.Value().closed.Load())
	assert.Equal(t, int64(1), f.live.Load())
	assert.Equal(t, int64(1), f.maxLive.Load())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, 0, stats.Idle)
}

func TestStrictKeysCreatesBelowCapacity(t *testing.T) {
	f := &fakeFactory{}
	p, err := New(Config{Name: "strict", Capacity: 2}, f.open, WithCloser(f.close), WithStrictKeys[*fakeConn]())
	require.NoError(t, err)
	ctx := context.Background()

	ha, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	p.Release(ha)

	hb, err := p.Acquire(ctx, "b")
	require.NoError(t, err)
	assert.NotSame(t, ha, hb)
	assert.False(t, ha.Value().closed.Load())

	stats := p.Stats()
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, 1, stats.Idle)

	again, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, ha, again)
}

func TestReleaseUnhealthyDiscards(t *testing.T) {
	p, f := newTestPool(t, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx, "1")
	require.NoError(t, err)
	h.MarkUnhealthy()
	p.Release(h)

	assert.True(t, h.Value().closed.Load())
	assert.Equal(t, 0, p.Stats().Live)

	h2, err := p.Acquire(ctx, "1")
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.Equal(t, int64(2), f.next.Load())
}

func TestHealthCheckDropsIdleHandle(t *testing.T) {
	f := &fakeFactory{}
	p, err := New(Config{Capacity: 1}, f.open,
		WithCloser(f.close),
		WithHealthCheck(func(c *fakeConn) bool { return !c.closed.Load() }),
	)
	require.NoError(t, err)

	h, err := p.Acquire(context.Background(), "1")
	require.NoError(t, err)
	p.Release(h)

	// Simulate the transport dying while idle.
	h.Value().closed.Store(true)

	h2, err := p.Acquire(context.Background(), "1")
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
}

func TestCapacityBound(t *testing.T) {
	const (
		capacity = 4
		extra    = 6
	)
	p, f := newTestPool(t, capacity)
	ctx := context.Background()

	var acquired atomic.Int64
	var wg sync.WaitGroup
	handles := make(chan *Handle[*fakeConn], capacity+extra)

	for i := 0; i < capacity+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(ctx, "5")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			acquired.Add(1)
			handles <- h
		}()
	}

	require.Eventually(t, func() bool { return acquired.Load() == capacity }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(capacity), acquired.Load(), "callers beyond capacity must block")
	assert.Equal(t, extra, p.Stats().Waiting)

	for i := 0; i < capacity+extra; i++ {
		h := <-handles
		p.Release(h)
	}
	wg.Wait()

	assert.Equal(t, int64(capacity+extra), acquired.Load())
	assert.LessOrEqual(t, f.maxLive.Load(), int64(capacity))
}

func TestAcquireWakesOnRelease(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx, "1")
	require.NoError(t, err)

	got := make(chan *Handle[*fakeConn], 1)
	go func() {
		h2, err := p.Acquire(ctx, "1")
		if err == nil {
			got <- h2
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire should block while pool is exhausted")
	case <-time.After(30 * time.Millisecond):
	}

	p.Release(h)

	select {
	case h2 := <-got:
		assert.Same(t, h, h2)
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after release")
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	p, _ := newTestPool(t, 1)

	_, err := p.Acquire(context.Background(), "1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx, "1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestFactoryFailureFreesCapacity(t *testing.T) {
	p, f := newTestPool(t, 1)
	ctx := context.Background()

	f.fail.Store(true)
	_, err := p.Acquire(ctx, "1")
	require.Error(t, err)
	assert.Equal(t, 0, p.Stats().Creating)

	f.fail.Store(false)
	h, err := p.Acquire(ctx, "1")
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestAbortedCreationFreesCapacity(t *testing.T) {
	p, _ := newTestPool(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx, "1")
	assert.ErrorIs(t, err, context.Canceled)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Creating)
	assert.Equal(t, 0, stats.Live)
}

func TestShutdownUnblocksWaiters(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx, "1")
	require.NoError(t, err)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.Acquire(ctx, "1")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return p.Stats().Waiting == 3 }, time.Second, 5*time.Millisecond)
	p.Shutdown()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("pending acquire not released by shutdown")
		}
	}

	assert.True(t, h.Value().closed.Load(), "checked out handle must be closed on shutdown")

	_, err = p.Acquire(ctx, "1")
	assert.ErrorIs(t, err, ErrClosed)

	// Releasing after shutdown is a no-op.
	p.Release(h)
	assert.Equal(t, 0, p.Stats().Live)
}

func TestDoubleReleaseIgnored(t *testing.T) {
	p, _ := newTestPool(t, 2)

	h, err := p.Acquire(context.Background(), "1")
	require.NoError(t, err)
	p.Release(h)
	p.Release(h)

	assert.Equal(t, 1, p.Stats().Idle)
}
