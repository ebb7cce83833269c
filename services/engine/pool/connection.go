// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pool

import (
	"context"
	"sync"
	"time"
)

// Health is the probe status of a pooled connection.
type Health int

const (
	// Healthy connections are handed out normally.
	Healthy Health = iota

	// Degraded connections failed a recent probe; they are retested
	// with priority before reuse.
	Degraded

	// Dead connections are destroyed and never handed out again.
	Dead
)

// String returns the upper-case health name.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case Degraded:
		return "DEGRADED"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Conn is the resource a pool manages. Implementations wrap whatever the
// target speaks (an HTTP client bound to one transport, a store handle).
type Conn interface {
	// Ping probes liveness. Used by the background health loop.
	Ping(ctx context.Context) error

	// Close releases the underlying resource.
	Close() error
}

// Factory creates a new connection for a target.
type Factory func(ctx context.Context, target string) (Conn, error)

// PooledConnection is a connection handle with health bookkeeping.
//
// # Invariants
//
// A PooledConnection is never lent to two concurrent callers: Acquire
// removes it from the idle set, and Release returns it. Callers that
// detect a broken connection call MarkDead before Release.
type PooledConnection struct {
	// Conn is the wrapped resource. Valid between Acquire and Release.
	Conn Conn

	id     uint64
	target string

	mu       sync.Mutex
	health   Health
	lastUsed time.Time
	inUse    bool
}

// Health returns the current probe status.
func (p *PooledConnection) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// MarkDead flags the connection for destruction on release.
func (p *PooledConnection) MarkDead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = Dead
}

// MarkDegraded flags the connection for a priority retest.
func (p *PooledConnection) MarkDegraded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.health != Dead {
		p.health = Degraded
	}
}

func (p *PooledConnection) touch() {
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

func (p *PooledConnection) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}
