// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

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
	pings   atomic.Int64
	closed  atomic.Bool
	lent    atomic.Bool
	pingErr error
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.pings.Add(1)
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

var _ Conn = (*fakeConn)(nil)

// countingFactory creates fakeConns and counts them.
type countingFactory struct {
	created atomic.Int64
	err     error
}

func (f *countingFactory) factory(ctx context.Context, target string) (Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created.Add(1)
	return &fakeConn{}, nil
}

func TestAcquireReusesReleasedConnections(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(Config{MaxConnections: 2}, f.factory)
	defer m.Close()
	ctx := context.Background()

	pc1, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	m.Release(pc1)

	pc2, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	m.Release(pc2)

	assert.Equal(t, int64(1), f.created.Load(), "released connection is reused")
	assert.Same(t, pc1, pc2)
}

func TestNeverDoubleLends(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(Config{MaxConnections: 4, AcquireTimeout: 5 * time.Second}, f.factory)
	defer m.Close()

	var violations atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				pc, err := m.Acquire(context.Background(), "svc")
				if err != nil {
					violations.Add(1)
					return
				}
				fc := pc.Conn.(*fakeConn)
				if !fc.lent.CompareAndSwap(false, true) {
					violations.Add(1)
				}
				time.Sleep(time.Microsecond * 50)
				fc.lent.Store(false)
				m.Release(pc)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, violations.Load(), "a connection was lent to two callers at once")
	assert.LessOrEqual(t, f.created.Load(), int64(4))
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(Config{MaxConnections: 1, AcquireTimeout: 50 * time.Millisecond}, f.factory)
	defer m.Close()
	ctx := context.Background()

	pc, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	defer m.Release(pc)

	_, err = m.Acquire(ctx, "svc")
	var exhausted *PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "svc", exhausted.Target)
	assert.Equal(t, 1, exhausted.MaxSize)
}

func TestAcquireSurfacesCallerCancellation(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(Config{MaxConnections: 1, AcquireTimeout: 5 * time.Second}, f.factory)
	defer m.Close()

	pc, err := m.Acquire(context.Background(), "svc")
	require.NoError(t, err)
	defer m.Release(pc)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = m.Acquire(ctx, "svc")
	assert.ErrorIs(t, err, context.Canceled)
	var exhausted *PoolExhaustedError
	assert.False(t, errors.As(err, &exhausted), "cancellation is not exhaustion")
}

func TestUsageHookTracksBorrowedConnections(t *testing.T) {
	var mu sync.Mutex
	var counts []int
	f := &countingFactory{}
	m := NewManager(Config{
		MaxConnections: 2,
		OnUsageChange: func(target string, inUse int) {
			require.Equal(t, "svc", target)
			mu.Lock()
			counts = append(counts, inUse)
			mu.Unlock()
		},
	}, f.factory)
	defer m.Close()
	ctx := context.Background()

	pc1, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	pc2, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	m.Release(pc1)
	m.Release(pc2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1, 0}, counts)
}

func TestDeadConnectionIsDestroyedOnRelease(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(Config{MaxConnections: 2}, f.factory)
	defer m.Close()
	ctx := context.Background()

	pc, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	fc := pc.Conn.(*fakeConn)
	pc.MarkDead()
	m.Release(pc)

	assert.True(t, fc.closed.Load())

	pc2, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	m.Release(pc2)
	assert.Equal(t, int64(2), f.created.Load(), "dead connection replaced, not reused")
}

func TestDegradedConnectionRetestedBeforeReuse(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(Config{MaxConnections: 2}, f.factory)
	defer m.Close()
	ctx := context.Background()

	pc, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	fc := pc.Conn.(*fakeConn)
	pc.MarkDegraded()
	m.Release(pc)

	pc2, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	defer m.Release(pc2)

	assert.Equal(t, int64(1), fc.pings.Load(), "degraded connection probed before handout")
	assert.Equal(t, Healthy, pc2.Health())
}

func TestFailedRetestCreatesReplacement(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(Config{MaxConnections: 2}, f.factory)
	defer m.Close()
	ctx := context.Background()

	pc, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	pc.Conn.(*fakeConn).pingErr = errors.New("gone")
	pc.MarkDegraded()
	m.Release(pc)

	pc2, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	defer m.Release(pc2)

	assert.Equal(t, int64(2), f.created.Load())
	assert.True(t, pc.Conn.(*fakeConn).closed.Load())
}

func TestFactoryFailureFreesCapacity(t *testing.T) {
	f := &countingFactory{err: errors.New("dial refused")}
	m := NewManager(Config{MaxConnections: 1, AcquireTimeout: 50 * time.Millisecond}, f.factory)
	defer m.Close()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "svc")
	require.Error(t, err)

	// The failed slot must be returned; the next attempt dials again
	// rather than waiting for a phantom connection.
	f.err = nil
	pc, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	m.Release(pc)
}

func TestStatsAndClose(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(Config{MaxConnections: 3}, f.factory)
	ctx := context.Background()

	pc1, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	pc2, err := m.Acquire(ctx, "svc")
	require.NoError(t, err)
	m.Release(pc2)

	stats := m.Stats()
	require.Contains(t, stats, "svc")
	assert.Equal(t, 2, stats["svc"].Size)
	assert.Equal(t, 1, stats["svc"].Idle)

	m.Close()
	assert.True(t, pc2.Conn.(*fakeConn).closed.Load(), "idle connections closed on shutdown")

	_, err = m.Acquire(ctx, "svc")
	assert.ErrorIs(t, err, ErrClosed)

	// A connection lent out across Close is destroyed on release.
	m.Release(pc1)
	assert.True(t, pc1.Conn.(*fakeConn).closed.Load())
}

func TestTargetsAreIsolated(t *testing.T) {
	f := &countingFactory{}
	m := NewManager(Config{MaxConnections: 1, AcquireTimeout: 50 * time.Millisecond}, f.factory)
	defer m.Close()
	ctx := context.Background()

	pc, err := m.Acquire(ctx, "svc-a")
	require.NoError(t, err)
	defer m.Release(pc)

	// svc-a is exhausted; svc-b still has capacity.
	other, err := m.Acquire(ctx, "svc-b")
	require.NoError(t, err)
	m.Release(other)
}
