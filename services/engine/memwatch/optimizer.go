// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memwatch samples this process's memory usage and sheds load
// when it crosses configured watermarks: cache eviction at the high
// mark, reduced batch concurrency at the critical mark.
package memwatch

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"
)

// CacheEvictor sheds a fraction of cached entries. The intelligent
// cache implements it.
type CacheEvictor interface {
	EvictPressure(frac float64) int
}

// Throttler reduces background work while active. The batch processor
// implements it.
type Throttler interface {
	Throttle(on bool)
}

// Level classifies current memory pressure.
type Level int

const (
	LevelNormal Level = iota
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Config sets sampling cadence and watermarks.
type Config struct {
	// Interval between samples. Default: 15s.
	Interval time.Duration

	// HighWatermark is the RSS fraction of system memory past which a
	// cache eviction pass runs. Default: 0.70.
	HighWatermark float64

	// CriticalWatermark additionally throttles the batch processor.
	// Default: 0.85.
	CriticalWatermark float64

	// EvictFraction of cache entries dropped per high-pressure pass.
	// Default: 0.25.
	EvictFraction float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 0.70
	}
	if c.CriticalWatermark <= 0 {
		c.CriticalWatermark = 0.85
	}
	if c.EvictFraction <= 0 {
		c.EvictFraction = 0.25
	}
	return c
}

// Sample is one memory observation.
type Sample struct {
	At         time.Time `json:"at"`
	RSSBytes   uint64    `json:"rss_bytes"`
	UsedFrac   float64   `json:"used_frac"`
	CPUPercent float64   `json:"cpu_percent"`
	Level      Level     `json:"-"`
}

// sampler abstracts gopsutil for tests.
type sampler func() (rssBytes uint64, usedFrac float64, cpuPercent float64, err error)

// Optimizer runs the sampling loop.
//
// # Thread Safety
//
// Safe for concurrent use; Start should only be called once.
type Optimizer struct {
	config    Config
	cache     CacheEvictor
	throttler Throttler
	sample    sampler

	mu      sync.Mutex
	last    Sample
	level   Level
	evicted int64

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an Optimizer sampling this process. cache and throttler
// may be nil; corresponding responses are then skipped.
func New(config Config, cache CacheEvictor, throttler Throttler) (*Optimizer, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	o := &Optimizer{
		config:    config.withDefaults(),
		cache:     cache,
		throttler: throttler,
		done:      make(chan struct{}),
	}
	o.sample = func() (uint64, float64, float64, error) {
		info, err := proc.MemoryInfo()
		if err != nil {
			return 0, 0, 0, err
		}
		frac, err := proc.MemoryPercent()
		if err != nil {
			return 0, 0, 0, err
		}
		cpu, err := proc.CPUPercent()
		if err != nil {
			cpu = 0
		}
		return info.RSS, float64(frac) / 100, cpu, nil
	}
	return o, nil
}

// Start launches the sampling loop. It returns immediately.
func (o *Optimizer) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.done:
				return
			case <-ticker.C:
				o.tick()
			}
		}
	}()
}

// tick takes one sample and reacts to watermark crossings.
func (o *Optimizer) tick() {
	rss, frac, cpu, err := o.sample()
	if err != nil {
		slog.Debug("memory sample failed", "error", err)
		return
	}

	level := LevelNormal
	switch {
	case frac >= o.config.CriticalWatermark:
		level = LevelCritical
	case frac >= o.config.HighWatermark:
		level = LevelHigh
	}

	o.mu.Lock()
	prev := o.level
	o.level = level
	o.last = Sample{
		At:         time.Now(),
		RSSBytes:   rss,
		UsedFrac:   frac,
		CPUPercent: cpu,
		Level:      level,
	}
	o.mu.Unlock()

	if level >= LevelHigh && o.cache != nil {
		n := o.cache.EvictPressure(o.config.EvictFraction)
		o.mu.Lock()
		o.evicted += int64(n)
		o.mu.Unlock()
		slog.Warn("memory pressure, evicted cache entries",
			"level", level.String(),
			"used_frac", frac,
			"evicted", n)
		debug.FreeOSMemory()
	}

	if o.throttler != nil {
		if level == LevelCritical && prev != LevelCritical {
			slog.Warn("critical memory pressure, throttling batch workers",
				"used_frac", frac)
			o.throttler.Throttle(true)
		}
		if level < LevelCritical && prev == LevelCritical {
			slog.Info("memory pressure recovered, restoring batch concurrency",
				"used_frac", frac)
			o.throttler.Throttle(false)
		}
	}
}

// Last returns the most recent sample.
func (o *Optimizer) Last() Sample {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Level returns the current pressure classification.
func (o *Optimizer) Level() Level {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// Close stops the sampling loop.
func (o *Optimizer) Close() {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
	o.wg.Wait()
}
