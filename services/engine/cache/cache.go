// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is the multi-tier intelligent cache.
//
// # Tier Order
//
// memory (LRU, fastest) -> shared store (badger) -> edge (optional).
// Get walks downward and promotes hits upward; Set writes the memory
// tier synchronously and the slower tiers asynchronously.
//
// # Thread Safety
//
// Safe for concurrent use. The memory tier is guarded by one mutex;
// slower tiers carry their own synchronization.
type Cache struct {
	config Config
	store  Store
	edge   EdgeTier
	loader Loader

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List

	flight singleflight.Group
	done   chan struct{}
	wg     sync.WaitGroup

	memoryHits        atomic.Int64
	sharedHits        atomic.Int64
	edgeHits          atomic.Int64
	misses            atomic.Int64
	evictions         atomic.Int64
	pressureEvictions atomic.Int64
	prefetches        atomic.Int64
	storeErrors       atomic.Int64
}

// New creates a Cache. store may be nil (memory-only operation); edge
// is optional. Call Close to stop the prefetch loop.
func New(config Config, store Store, edge EdgeTier) *Cache {
	c := &Cache{
		config:  config.withDefaults(),
		store:   store,
		edge:    edge,
		entries: make(map[string]*entry),
		lru:     list.New(),
		done:    make(chan struct{}),
	}
	if config.PrefetchInterval > 0 {
		c.wg.Add(1)
		go c.prefetchLoop(config.PrefetchInterval)
	}
	return c
}

// SetLoader registers the refresh function used by prefetching.
func (c *Cache) SetLoader(loader Loader) {
	c.loader = loader
}

// Get returns the cached value for key, or (nil, false) on miss.
// Hits in slower tiers are promoted to the memory tier on the way out.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !e.expired(now) {
		e.accessHits++
		c.lru.MoveToFront(e.lruElement)
		val := e.value
		c.mu.Unlock()
		c.memoryHits.Add(1)
		return val, true
	}
	c.mu.Unlock()

	if c.store != nil {
		stored, err := c.store.Get(ctx, key)
		switch {
		case err == nil:
			val, derr := decode(stored)
			if derr != nil {
				slog.Warn("discarding undecodable cache entry", "key", key, "error", derr)
				_ = c.store.Delete(ctx, key)
				break
			}
			c.sharedHits.Add(1)
			c.promote(key, val)
			return val, true
		case errors.Is(err, ErrNotFound):
		default:
			// Correctness over caching: a store failure is a miss.
			c.storeErrors.Add(1)
			slog.Warn("shared cache tier error, treating as miss", "key", key, "error", err)
		}
	}

	if c.edge != nil {
		stored, err := c.edge.Get(ctx, key)
		if err == nil && stored != nil {
			val, derr := decode(stored)
			if derr == nil {
				c.edgeHits.Add(1)
				c.promote(key, val)
				if c.store != nil {
					c.asyncStoreSet(key, val, c.config.DefaultTTL)
				}
				return val, true
			}
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Set writes value under key in all tiers. The memory tier is written
// synchronously; slower tiers asynchronously. ttl <= 0 uses DefaultTTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	c.promoteWithTTL(key, value, ttl)
	c.asyncStoreSet(key, value, ttl)
}

// MGet is the batched Get used for dashboard snapshots: one round-trip
// to the shared tier for all keys missing from memory.
func (c *Cache) MGet(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	var missing []string

	now := time.Now()
	c.mu.Lock()
	for _, key := range keys {
		if e, ok := c.entries[key]; ok && !e.expired(now) {
			e.accessHits++
			c.lru.MoveToFront(e.lruElement)
			out[key] = e.value
		} else {
			missing = append(missing, key)
		}
	}
	c.mu.Unlock()
	c.memoryHits.Add(int64(len(out)))

	if len(missing) == 0 || c.store == nil {
		c.misses.Add(int64(len(missing)))
		return out
	}

	stored, err := c.store.MGet(ctx, missing)
	if err != nil {
		c.storeErrors.Add(1)
		slog.Warn("shared cache tier mget failed", "keys", len(missing), "error", err)
		c.misses.Add(int64(len(missing)))
		return out
	}
	for _, key := range missing {
		raw, ok := stored[key]
		if !ok {
			c.misses.Add(1)
			continue
		}
		val, derr := decode(raw)
		if derr != nil {
			c.misses.Add(1)
			continue
		}
		c.sharedHits.Add(1)
		c.promote(key, val)
		out[key] = val
	}
	return out
}

// MSet is the batched Set: one write batch against the shared tier.
func (c *Cache) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	for key, value := range values {
		c.promoteWithTTL(key, value, ttl)
	}
	if c.store == nil {
		return
	}
	encoded := make(map[string][]byte, len(values))
	for key, value := range values {
		encoded[key] = encode(value, c.config.CompressionThreshold)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.MSet(ctx, encoded, ttl); err != nil {
			c.storeErrors.Add(1)
			slog.Warn("shared cache tier mset failed", "keys", len(encoded), "error", err)
		}
	}()
}

// Delete removes key from all tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Delete(ctx, key); err != nil {
			c.storeErrors.Add(1)
		}
	}
}

// EvictPressure drops roughly frac (0..1] of the memory tier, oldest
// first. Called by the memory optimizer under memory pressure.
func (c *Cache) EvictPressure(frac float64) int {
	if frac <= 0 {
		return 0
	}
	if frac > 1 {
		frac = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	target := int(float64(len(c.entries)) * frac)
	evicted := 0
	for evicted < target {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*entry))
		evicted++
	}
	c.pressureEvictions.Add(int64(evicted))
	return evicted
}

// Stats returns cache effectiveness counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	memEntries := len(c.entries)
	c.mu.Unlock()
	return Stats{
		MemoryEntries:     memEntries,
		MemoryHits:        c.memoryHits.Load(),
		SharedHits:        c.sharedHits.Load(),
		EdgeHits:          c.edgeHits.Load(),
		Misses:            c.misses.Load(),
		Evictions:         c.evictions.Load(),
		PressureEvictions: c.pressureEvictions.Load(),
		Prefetches:        c.prefetches.Load(),
		StoreErrors:       c.storeErrors.Load(),
	}
}

// Close stops the prefetch loop and waits for async writes to land.
// It does not close the shared store; the store owner does that.
func (c *Cache) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

// promote writes to the memory tier with the default TTL.
func (c *Cache) promote(key string, value []byte) {
	c.promoteWithTTL(key, value, c.config.DefaultTTL)
}

// promoteWithTTL writes the memory tier, evicting LRU entries past
// capacity. Promotion never loses the most recent write: the entry map
// is updated under the same lock that readers take.
func (c *Cache) promoteWithTTL(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.lru.MoveToFront(e.lruElement)
		return
	}

	for len(c.entries) >= c.config.MemoryCapacity {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*entry))
		c.evictions.Add(1)
	}

	e := &entry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	e.lruElement = c.lru.PushFront(e)
	c.entries[key] = e
}

// removeLocked drops an entry. Caller holds c.mu.
func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.lruElement)
	delete(c.entries, e.key)
}

// asyncStoreSet writes the slower tiers without blocking the caller.
func (c *Cache) asyncStoreSet(key string, value []byte, ttl time.Duration) {
	if c.store == nil && c.edge == nil {
		return
	}
	encoded := encode(value, c.config.CompressionThreshold)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if c.store != nil {
			if err := c.store.Set(ctx, key, encoded, ttl); err != nil {
				c.storeErrors.Add(1)
				slog.Warn("shared cache tier set failed", "key", key, "error", err)
			}
		}
		if c.edge != nil {
			if err := c.edge.Set(ctx, key, encoded, ttl); err != nil {
				slog.Debug("edge tier set failed", "key", key, "error", err)
			}
		}
	}()
}

// prefetchLoop refreshes hot keys shortly before they expire, guarded
// by singleflight so concurrent scans never stampede the loader.
func (c *Cache) prefetchLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.prefetchPass()
		}
	}
}

// prefetchPass finds hot, soon-to-expire keys and refreshes them.
func (c *Cache) prefetchPass() {
	if c.loader == nil {
		return
	}
	now := time.Now()

	c.mu.Lock()
	var hot []string
	for key, e := range c.entries {
		if e.accessHits >= c.config.PrefetchMinHits &&
			e.expiresAt.Sub(now) <= c.config.PrefetchWindow {
			hot = append(hot, key)
		}
	}
	c.mu.Unlock()

	for _, key := range hot {
		_, _, _ = c.flight.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			value, ttl, err := c.loader(ctx, key)
			if err != nil {
				slog.Debug("prefetch refresh failed", "key", key, "error", err)
				return nil, err
			}
			c.Set(ctx, key, value, ttl)
			c.prefetches.Add(1)
			return nil, nil
		})
	}
}
