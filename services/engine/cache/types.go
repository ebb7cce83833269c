// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the engine's multi-tier cache: an in-process
// LRU in front of a shared durable store, with an optional edge tier.
//
// Hits are promoted upward (write-through to faster tiers); values past
// a size threshold are compressed before hitting the shared tier.
// Frequently accessed keys are refreshed before TTL expiry to avoid
// stampedes on popular dashboard queries. Cache failures are never
// fatal: errors from the shared tier are logged and treated as misses.
package cache

import (
	"container/list"
	"context"
	"time"
)

// Config controls cache sizing and behavior.
type Config struct {
	// MemoryCapacity is the max entries in the in-process tier.
	// Default: 4096.
	MemoryCapacity int

	// DefaultTTL applies when Set is called with ttl <= 0. Default: 1h.
	DefaultTTL time.Duration

	// CompressionThreshold is the serialized size in bytes past which
	// values are gzip-compressed for the shared tier. Default: 1024.
	CompressionThreshold int

	// PrefetchMinHits is the access count past which a key becomes
	// prefetch-eligible. Default: 5.
	PrefetchMinHits int64

	// PrefetchWindow is how close to expiry a hot key must be before
	// it is proactively refreshed. Default: 30s.
	PrefetchWindow time.Duration

	// PrefetchInterval is how often the prefetch scan runs. Zero
	// disables prefetching.
	PrefetchInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MemoryCapacity:       4096,
		DefaultTTL:           time.Hour,
		CompressionThreshold: 1024,
		PrefetchMinHits:      5,
		PrefetchWindow:       30 * time.Second,
		PrefetchInterval:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MemoryCapacity <= 0 {
		c.MemoryCapacity = d.MemoryCapacity
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	if c.PrefetchMinHits <= 0 {
		c.PrefetchMinHits = d.PrefetchMinHits
	}
	if c.PrefetchWindow <= 0 {
		c.PrefetchWindow = d.PrefetchWindow
	}
	return c
}

// Store is the shared durable tier. BadgerStore is the production
// implementation; tests use in-memory badger.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// EdgeTier is the optional CDN-like outermost tier. Deployments without
// one leave it nil.
type EdgeTier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Loader recomputes the value for a key during prefetch refresh.
type Loader func(ctx context.Context, key string) ([]byte, time.Duration, error)

// entry is one in-memory cache slot. Owned exclusively by the cache.
type entry struct {
	key        string
	value      []byte
	expiresAt  time.Time
	accessHits int64
	lruElement *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	MemoryEntries     int   `json:"memory_entries"`
	MemoryHits        int64 `json:"memory_hits"`
	SharedHits        int64 `json:"shared_hits"`
	EdgeHits          int64 `json:"edge_hits"`
	Misses            int64 `json:"misses"`
	Evictions         int64 `json:"evictions"`
	PressureEvictions int64 `json:"pressure_evictions"`
	Prefetches        int64 `json:"prefetches"`
	StoreErrors       int64 `json:"store_errors"`
}
