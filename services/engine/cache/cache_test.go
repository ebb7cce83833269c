// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCacheMemoryHit(t *testing.T) {
	c := New(Config{}, nil, nil)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Minute)

	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got)
	assert.Equal(t, int64(1), c.Stats().MemoryHits)
}

func TestCacheMiss(t *testing.T) {
	c := New(Config{}, newTestStore(t), nil)
	defer c.Close()

	_, ok := c.Get(context.Background(), "absent")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCacheSharedTierPromotion(t *testing.T) {
	store := newTestStore(t)
	c := New(Config{}, store, nil)
	defer c.Close()
	ctx := context.Background()

	// Seed the shared tier directly, bypassing memory.
	require.NoError(t, store.Set(ctx, "k1", encode([]byte("shared"), 1024), time.Minute))

	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("shared"), got)
	assert.Equal(t, int64(1), c.Stats().SharedHits)

	// Second read should come from memory.
	_, ok = c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().MemoryHits)
}

func TestCacheExpiredMemoryEntryFallsThrough(t *testing.T) {
	c := New(Config{}, nil, nil)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestCacheLRUEviction(t *testing.T) {
	c := New(Config{MemoryCapacity: 2}, nil, nil)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), time.Minute)
	c.Set(ctx, "b", []byte("2"), time.Minute)

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	c.Set(ctx, "c", []byte("3"), time.Minute)

	_, ok = c.Get(ctx, "b")
	assert.False(t, ok, "LRU entry should be evicted")
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCacheEvictPressure(t *testing.T) {
	c := New(Config{MemoryCapacity: 100}, nil, nil)
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
	}

	evicted := c.EvictPressure(0.5)
	assert.Equal(t, 5, evicted)
	assert.Equal(t, 5, c.Stats().MemoryEntries)

	// Most recently written keys survive.
	_, ok := c.Get(ctx, "k9")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "k0")
	assert.False(t, ok)
}

func TestCacheMGetMixedTiers(t *testing.T) {
	store := newTestStore(t)
	c := New(Config{}, store, nil)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "mem", []byte("from-memory"), time.Minute)
	require.NoError(t, store.Set(ctx, "shared", encode([]byte("from-shared"), 1024), time.Minute))

	got := c.MGet(ctx, []string{"mem", "shared", "absent"})
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("from-memory"), got["mem"])
	assert.Equal(t, []byte("from-shared"), got["shared"])
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCacheMSetWritesAllKeys(t *testing.T) {
	store := newTestStore(t)
	c := New(Config{}, store, nil)
	ctx := context.Background()

	c.MSet(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}, time.Minute)
	c.Close() // waits for the async store write

	for _, key := range []string{"a", "b"} {
		raw, err := store.Get(ctx, key)
		require.NoError(t, err, key)
		val, err := decode(raw)
		require.NoError(t, err)
		assert.NotEmpty(t, val)
	}
}

func TestCacheDeleteRemovesAllTiers(t *testing.T) {
	store := newTestStore(t)
	c := New(Config{}, store, nil)
	ctx := context.Background()

	c.Set(ctx, "k1", []byte("v1"), time.Minute)
	c.Close() // flush async write
	c.Delete(ctx, "k1")

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
	_, err := store.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingStore struct {
	Store
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("disk on fire")
}

func TestCacheStoreErrorIsAMiss(t *testing.T) {
	c := New(Config{}, &failingStore{}, nil)
	defer c.Close()

	_, ok := c.Get(context.Background(), "k1")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().StoreErrors)
}

func TestCachePrefetchRefreshesHotKeys(t *testing.T) {
	c := New(Config{
		PrefetchMinHits: 2,
		PrefetchWindow:  time.Hour, // everything is "near expiry"
	}, nil, nil)
	defer c.Close()
	ctx := context.Background()

	var mu sync.Mutex
	loaded := map[string]int{}
	c.SetLoader(func(ctx context.Context, key string) ([]byte, time.Duration, error) {
		mu.Lock()
		defer mu.Unlock()
		loaded[key]++
		return []byte("fresh"), time.Minute, nil
	})

	c.Set(ctx, "hot", []byte("stale"), time.Minute)
	c.Set(ctx, "cold", []byte("stale"), time.Minute)
	for i := 0; i < 3; i++ {
		_, _ = c.Get(ctx, "hot")
	}

	c.prefetchPass()

	mu.Lock()
	assert.Equal(t, 1, loaded["hot"])
	assert.Zero(t, loaded["cold"])
	mu.Unlock()

	got, ok := c.Get(ctx, "hot")
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), got)
}

func TestCompressionRoundTrip(t *testing.T) {
	t.Run("small value stays raw", func(t *testing.T) {
		encoded := encode([]byte("tiny"), 1024)
		assert.Equal(t, markerRaw, encoded[0])
		out, err := decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, []byte("tiny"), out)
	})

	t.Run("large value is compressed", func(t *testing.T) {
		value := bytes.Repeat([]byte("fairness "), 500)
		encoded := encode(value, 1024)
		assert.Equal(t, markerGzip, encoded[0])
		assert.Less(t, len(encoded), len(value))
		out, err := decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, value, out)
	})

	t.Run("unknown marker rejected", func(t *testing.T) {
		_, err := decode([]byte{0xFF, 0x01})
		assert.Error(t, err)
	})
}

func TestBadgerStoreTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("v"), 100*time.Millisecond))
	time.Sleep(200 * time.Millisecond)

	_, err := store.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}
