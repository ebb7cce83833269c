// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pool implements a generic connection pool with health probing
// and idle eviction.
//
// The engine keeps one pool per logical target (analysis service,
// metrics store). Acquire blocks up to a configurable timeout waiting
// for a free healthy connection, creating new ones while the pool is
// below capacity. A background loop probes idle connections and evicts
// dead or long-idle ones.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Acquire after the manager shuts down.
var ErrClosed = errors.New("connection pool is closed")

// PoolExhaustedError is returned when Acquire times out waiting for a
// free connection with the pool at capacity.
type PoolExhaustedError struct {
	Target  string
	Waited  time.Duration
	MaxSize int
}

// Error implements the error interface.
func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("pool for %q exhausted: waited %s with all %d connections busy",
		e.Target, e.Waited, e.MaxSize)
}

// Config controls pool sizing and maintenance.
type Config struct {
	// MaxConnections caps connections per target. Default: 10.
	MaxConnections int

	// AcquireTimeout bounds how long Acquire waits for a free
	// connection. Default: 5s.
	AcquireTimeout time.Duration

	// IdleTimeout closes connections unused for this long. Default: 90s.
	IdleTimeout time.Duration

	// HealthInterval is how often idle connections are probed.
	// Zero disables the background loop. Default: 30s.
	HealthInterval time.Duration

	// PingTimeout bounds a single health probe. Default: 2s.
	PingTimeout time.Duration

	// OnUsageChange, when set, observes the borrowed-connection count
	// for a target after every acquire and release.
	OnUsageChange func(target string, inUse int)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 10,
		AcquireTimeout: 5 * time.Second,
		IdleTimeout:    90 * time.Second,
		HealthInterval: 30 * time.Second,
		PingTimeout:    2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	return c
}

// Manager owns one pool per logical target.
//
// # Thread Safety
//
// Safe for concurrent use. Per-target pools have their own locks; no
// lock spans two pools.
type Manager struct {
	config  Config
	factory Factory

	mu     sync.Mutex
	pools  map[string]*targetPool
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// targetPool is the pool for a single target.
type targetPool struct {
	target string

	mu       sync.Mutex
	idle     []*PooledConnection
	size     int // idle + lent out
	borrowed int
	nextID   uint64
	// waiters are signalled on release
	cond *sync.Cond
}

// NewManager creates a pool manager using factory to dial targets.
func NewManager(config Config, factory Factory) *Manager {
	m := &Manager{
		config:  config.withDefaults(),
		factory: factory,
		pools:   make(map[string]*targetPool),
		done:    make(chan struct{}),
	}
	if config.HealthInterval > 0 {
		m.wg.Add(1)
		go m.healthLoop(config.HealthInterval)
	}
	return m
}

// Acquire returns a healthy connection for target, creating one if the
// pool is below capacity. Blocks up to AcquireTimeout; on timeout it
// returns a *PoolExhaustedError.
func (m *Manager) Acquire(ctx context.Context, target string) (*PooledConnection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	tp, ok := m.pools[target]
	if !ok {
		tp = &targetPool{target: target}
		tp.cond = sync.NewCond(&tp.mu)
		m.pools[target] = tp
	}
	m.mu.Unlock()

	deadline := time.Now().Add(m.config.AcquireTimeout)
	acquireCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		tp.mu.Lock()
		// Prefer degraded connections for a retest, then healthy ones.
		if pc := tp.takeIdleLocked(); pc != nil {
			tp.mu.Unlock()
			if pc.Health() == Degraded {
				if err := m.retest(acquireCtx, pc); err != nil {
					m.destroy(tp, pc)
					continue
				}
			}
			pc.mu.Lock()
			pc.inUse = true
			pc.mu.Unlock()
			m.noteUsage(tp, 1)
			return pc, nil
		}
		if tp.size < m.config.MaxConnections {
			tp.size++
			tp.nextID++
			id := tp.nextID
			tp.mu.Unlock()

			conn, err := m.factory(acquireCtx, target)
			if err != nil {
				tp.mu.Lock()
				tp.size--
				tp.cond.Broadcast()
				tp.mu.Unlock()
				return nil, fmt.Errorf("failed to create connection for %q: %w", target, err)
			}
			pc := &PooledConnection{
				Conn:     conn,
				id:       id,
				target:   target,
				health:   Healthy,
				lastUsed: time.Now(),
				inUse:    true,
			}
			m.noteUsage(tp, 1)
			return pc, nil
		}
		tp.mu.Unlock()

		// Pool at capacity with nothing idle: wait for a release.
		if err := tp.waitForIdle(acquireCtx); err != nil {
			// Caller cancellation is not exhaustion.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &PoolExhaustedError{
				Target:  target,
				Waited:  m.config.AcquireTimeout,
				MaxSize: m.config.MaxConnections,
			}
		}
	}
}

// Release returns a connection to its pool. Connections marked DEAD are
// destroyed and the pool size decremented instead.
func (m *Manager) Release(pc *PooledConnection) {
	if pc == nil {
		return
	}
	m.mu.Lock()
	tp, ok := m.pools[pc.target]
	closed := m.closed
	m.mu.Unlock()
	if !ok {
		_ = pc.Conn.Close()
		return
	}

	pc.touch()
	pc.mu.Lock()
	pc.inUse = false
	dead := pc.health == Dead
	pc.mu.Unlock()
	m.noteUsage(tp, -1)

	if dead || closed {
		m.destroy(tp, pc)
		return
	}

	tp.mu.Lock()
	tp.idle = append(tp.idle, pc)
	tp.cond.Broadcast()
	tp.mu.Unlock()
}

// Stats reports per-target pool sizes, keyed by target.
func (m *Manager) Stats() map[string]PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PoolStats, len(m.pools))
	for target, tp := range m.pools {
		tp.mu.Lock()
		out[target] = PoolStats{
			Target: target,
			Size:   tp.size,
			Idle:   len(tp.idle),
		}
		tp.mu.Unlock()
	}
	return out
}

// PoolStats is a point-in-time view of one pool.
type PoolStats struct {
	Target string `json:"target"`
	Size   int    `json:"size"`
	Idle   int    `json:"idle"`
}

// Close destroys all idle connections and rejects further Acquires.
// Connections currently lent out are destroyed on Release.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := make([]*targetPool, 0, len(m.pools))
	for _, tp := range m.pools {
		pools = append(pools, tp)
	}
	m.mu.Unlock()

	close(m.done)
	for _, tp := range pools {
		tp.mu.Lock()
		idle := tp.idle
		tp.idle = nil
		tp.size -= len(idle)
		tp.cond.Broadcast()
		tp.mu.Unlock()
		for _, pc := range idle {
			_ = pc.Conn.Close()
		}
	}
	m.wg.Wait()
}

// takeIdleLocked pops an idle connection, preferring degraded ones so
// they get retested first. Caller holds tp.mu.
func (tp *targetPool) takeIdleLocked() *PooledConnection {
	if len(tp.idle) == 0 {
		return nil
	}
	idx := len(tp.idle) - 1
	for i, pc := range tp.idle {
		if pc.Health() == Degraded {
			idx = i
			break
		}
	}
	pc := tp.idle[idx]
	tp.idle = append(tp.idle[:idx], tp.idle[idx+1:]...)
	return pc
}

// waitForIdle blocks until a connection is released or ctx expires.
func (tp *targetPool) waitForIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		// Wake the waiter so it can observe ctx expiry.
		tp.mu.Lock()
		tp.cond.Broadcast()
		tp.mu.Unlock()
	}()
	defer close(done)

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if len(tp.idle) == 0 && ctx.Err() == nil {
		// Any release or destroy broadcasts; the caller re-checks the
		// pool state after waking.
		tp.cond.Wait()
	}
	return ctx.Err()
}

// noteUsage adjusts a pool's borrowed count and reports it to the
// configured hook.
func (m *Manager) noteUsage(tp *targetPool, delta int) {
	tp.mu.Lock()
	tp.borrowed += delta
	n := tp.borrowed
	tp.mu.Unlock()
	if m.config.OnUsageChange != nil {
		m.config.OnUsageChange(tp.target, n)
	}
}

// retest probes a degraded connection before lending it out again.
func (m *Manager) retest(ctx context.Context, pc *PooledConnection) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
	defer cancel()
	if err := pc.Conn.Ping(pingCtx); err != nil {
		pc.MarkDead()
		return err
	}
	pc.mu.Lock()
	pc.health = Healthy
	pc.mu.Unlock()
	return nil
}

// destroy closes a connection and shrinks its pool.
func (m *Manager) destroy(tp *targetPool, pc *PooledConnection) {
	_ = pc.Conn.Close()
	tp.mu.Lock()
	tp.size--
	tp.cond.Broadcast()
	tp.mu.Unlock()
}

// healthLoop periodically probes idle connections and evicts idle-timed-out
// or dead ones.
func (m *Manager) healthLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep probes and evicts idle connections across all pools.
func (m *Manager) sweep() {
	m.mu.Lock()
	pools := make([]*targetPool, 0, len(m.pools))
	for _, tp := range m.pools {
		pools = append(pools, tp)
	}
	m.mu.Unlock()

	for _, tp := range pools {
		tp.mu.Lock()
		idle := append([]*PooledConnection(nil), tp.idle...)
		tp.idle = tp.idle[:0]
		tp.mu.Unlock()

		var keep []*PooledConnection
		for _, pc := range idle {
			if time.Since(pc.idleSince()) > m.config.IdleTimeout {
				slog.Debug("closing idle connection", "target", tp.target)
				m.destroy(tp, pc)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.config.PingTimeout)
			err := pc.Conn.Ping(ctx)
			cancel()
			switch {
			case err == nil:
				pc.mu.Lock()
				pc.health = Healthy
				pc.mu.Unlock()
				keep = append(keep, pc)
			case pc.Health() == Degraded:
				// Second consecutive failure: destroy.
				slog.Warn("destroying dead connection", "target", tp.target, "error", err)
				pc.MarkDead()
				m.destroy(tp, pc)
			default:
				pc.MarkDegraded()
				keep = append(keep, pc)
			}
		}

		tp.mu.Lock()
		tp.idle = append(tp.idle, keep...)
		if len(keep) > 0 {
			tp.cond.Broadcast()
		}
		tp.mu.Unlock()
	}
}
