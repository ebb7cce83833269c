// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package collector aggregates bias analysis results into rolling
// statistics and a persisted historical series.
//
// Writes are buffered and flushed in the background (size threshold or
// ticker); a flush failure switches the collector into memory-only
// degraded mode with retry on the next tick, never dropping the rolling
// aggregates that alerting reads.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// Series dimensions used as badger key components and export tags.
const (
	dimOverall  = "overall"
	dimLayer    = "layer"
	dimFallback = "fallback"
	groupAll    = "all"
)

// Config controls buffering and flush cadence.
type Config struct {
	// FlushInterval is the background flush period. Default: 15s.
	FlushInterval time.Duration

	// FlushThreshold triggers an early flush once this many results are
	// buffered. Default: 256.
	FlushThreshold int

	// BufferLimit caps the write buffer while the store is unavailable.
	// Oldest records are dropped past the cap. Default: 4096.
	BufferLimit int

	// TimeBucket is the historical series granularity. Default: 1m.
	TimeBucket time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 15 * time.Second
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = 256
	}
	if c.BufferLimit <= 0 {
		c.BufferLimit = 4096
	}
	if c.TimeBucket <= 0 {
		c.TimeBucket = time.Minute
	}
	return c
}

// record is one buffered result, trimmed to what aggregation needs.
type record struct {
	overall      float64
	layers       map[datatypes.Layer]float64
	demographics datatypes.Demographics
	fallback     bool
	at           time.Time
}

// Collector ingests analysis results.
//
// # Thread Safety
//
// Record and all read methods are safe for concurrent use. Flushing
// happens on a background goroutine owned by the collector.
type Collector struct {
	config   Config
	store    SeriesStore
	exporter Exporter

	mu       sync.Mutex
	overall  welford
	perLayer map[datatypes.Layer]*welford
	perDemo  map[string]map[string]*welford
	fallback int64
	dropped  int64
	buffer   []record
	degraded bool

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Collector. store may be nil (pure in-memory operation,
// dashboards limited to process lifetime); exporter is optional.
func New(config Config, store SeriesStore, exporter Exporter) *Collector {
	c := &Collector{
		config:   config.withDefaults(),
		store:    store,
		exporter: exporter,
		perLayer: make(map[datatypes.Layer]*welford),
		perDemo:  make(map[string]map[string]*welford),
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.flushLoop()
	return c
}

// Record folds one result into the rolling aggregates and buffers it
// for the historical series. Never blocks on storage.
func (c *Collector) Record(result *datatypes.BiasAnalysisResult) {
	layers := make(map[datatypes.Layer]float64, len(result.Layers))
	for layer, lr := range result.Layers {
		layers[layer] = lr.Score
	}
	rec := record{
		overall:      result.OverallScore,
		layers:       layers,
		demographics: result.Demographics,
		fallback:     result.Fallback,
		at:           result.AnalyzedAt,
	}
	if rec.at.IsZero() {
		rec.at = time.Now()
	}

	c.mu.Lock()
	c.overall.add(rec.overall)
	for layer, score := range layers {
		w := c.perLayer[layer]
		if w == nil {
			w = &welford{}
			c.perLayer[layer] = w
		}
		w.add(score)
	}
	for dim, group := range result.Demographics.Slices() {
		if group == "" {
			continue
		}
		groups := c.perDemo[dim]
		if groups == nil {
			groups = make(map[string]*welford)
			c.perDemo[dim] = groups
		}
		w := groups[group]
		if w == nil {
			w = &welford{}
			groups[group] = w
		}
		w.add(rec.overall)
	}
	if rec.fallback {
		c.fallback++
	}

	if len(c.buffer) >= c.config.BufferLimit {
		c.buffer = c.buffer[1:]
		c.dropped++
	}
	c.buffer = append(c.buffer, rec)
	full := len(c.buffer) >= c.config.FlushThreshold
	c.mu.Unlock()

	if full {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// flushLoop drains the buffer on a ticker or on threshold signals.
func (c *Collector) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Flush(ctx); err != nil {
				slog.Warn("final metrics flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
		case <-c.flushCh:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.Flush(ctx); err != nil {
			slog.Warn("metrics flush failed, retaining buffer", "error", err)
		}
		cancel()
	}
}

// Flush writes buffered records to the series store. On failure the
// records are requeued (bounded) and the collector reports degraded.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if c.store == nil {
		return nil
	}

	buckets := bucketize(batch, c.config.TimeBucket)
	for key, agg := range buckets {
		if err := c.store.Merge(ctx, key, agg.stats()); err != nil {
			c.requeue(batch)
			c.setDegraded(true)
			return fmt.Errorf("failed to persist metrics bucket %s/%s: %w",
				key.Dimension, key.Group, err)
		}
	}
	c.setDegraded(false)

	if c.exporter != nil {
		if err := c.exporter.Export(ctx, buckets); err != nil {
			// Export is best effort; history in badger is authoritative.
			slog.Warn("metrics export failed", "buckets", len(buckets), "error", err)
		}
	}
	return nil
}

// bucketize folds records into per-bucket aggregates.
func bucketize(batch []record, bucketSize time.Duration) map[BucketKey]*welford {
	out := make(map[BucketKey]*welford)
	touch := func(key BucketKey, v float64) {
		w := out[key]
		if w == nil {
			w = &welford{}
			out[key] = w
		}
		w.add(v)
	}
	for _, rec := range batch {
		bucket := rec.at.Truncate(bucketSize).UTC()
		touch(BucketKey{bucket, dimOverall, groupAll}, rec.overall)
		for layer, score := range rec.layers {
			touch(BucketKey{bucket, dimLayer, string(layer)}, score)
		}
		for dim, group := range rec.demographics.Slices() {
			if group == "" {
				continue
			}
			touch(BucketKey{bucket, dim, group}, rec.overall)
		}
		if rec.fallback {
			touch(BucketKey{bucket, dimFallback, groupAll}, 1)
		}
	}
	return out
}

func (c *Collector) requeue(batch []record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(batch, c.buffer...)
	if over := len(c.buffer) - c.config.BufferLimit; over > 0 {
		c.buffer = c.buffer[over:]
		c.dropped += int64(over)
	}
}

func (c *Collector) setDegraded(v bool) {
	c.mu.Lock()
	changed := c.degraded != v
	c.degraded = v
	c.mu.Unlock()
	if changed && v {
		slog.Warn("metrics store unavailable, running memory-only")
	} else if changed {
		slog.Info("metrics store recovered")
	}
}

// Degraded reports whether the collector is running memory-only.
func (c *Collector) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// OverallStats returns the rolling population aggregate. Alerting uses
// this as the disparity baseline.
func (c *Collector) OverallStats() datatypes.SliceStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overall.stats()
}

// DimensionSlices returns the rolling per-group aggregates for one
// demographic dimension.
func (c *Collector) DimensionSlices(dimension string) map[string]datatypes.SliceStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups := c.perDemo[dimension]
	out := make(map[string]datatypes.SliceStats, len(groups))
	for group, w := range groups {
		out[group] = w.stats()
	}
	return out
}

// MetricValue resolves a dotted metric path against the rolling
// aggregates. Supported paths:
//
//	overall.mean | overall.count | overall.variance
//	layer.<layer>.mean
//	demographic.<dimension>.<group>.mean
//	fallback.count | fallback.rate
func (c *Collector) MetricValue(path string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := strings.Split(path, ".")
	switch parts[0] {
	case "overall":
		if len(parts) != 2 {
			return 0, false
		}
		s := c.overall.stats()
		switch parts[1] {
		case "mean":
			return s.Mean, true
		case "count":
			return float64(s.Count), true
		case "variance":
			return s.Variance, true
		}
	case "layer":
		if len(parts) != 3 || parts[2] != "mean" {
			return 0, false
		}
		if w, ok := c.perLayer[datatypes.Layer(parts[1])]; ok {
			return w.mean, true
		}
	case "demographic":
		if len(parts) != 4 || parts[3] != "mean" {
			return 0, false
		}
		if groups, ok := c.perDemo[parts[1]]; ok {
			if w, ok := groups[parts[2]]; ok {
				return w.mean, true
			}
		}
	case "fallback":
		if len(parts) != 2 {
			return 0, false
		}
		switch parts[1] {
		case "count":
			return float64(c.fallback), true
		case "rate":
			if c.overall.count == 0 {
				return 0, true
			}
			return float64(c.fallback) / float64(c.overall.count), true
		}
	}
	return 0, false
}

// DashboardData builds a snapshot for the given filters: stored history
// in the window merged with the not-yet-flushed buffer. Without a store
// (or in degraded mode) it falls back to the process-lifetime rolling
// aggregates.
func (c *Collector) DashboardData(ctx context.Context,
	filters datatypes.DashboardFilters) (*datatypes.DashboardSnapshot, error) {

	snap := &datatypes.DashboardSnapshot{
		GeneratedAt:    time.Now(),
		PerLayer:       make(map[datatypes.Layer]datatypes.SliceStats),
		PerDemographic: make(map[string]map[string]datatypes.SliceStats),
	}

	c.mu.Lock()
	degraded := c.degraded
	buffered := make([]record, len(c.buffer))
	copy(buffered, c.buffer)
	c.mu.Unlock()
	snap.Degraded = degraded

	if c.store == nil || degraded {
		c.fillFromRolling(snap, filters)
		return snap, nil
	}

	overall := &welford{}
	perLayer := make(map[datatypes.Layer]*welford)
	perDemo := make(map[string]map[string]*welford)
	var fallbackCount int64

	fold := func(key BucketKey, agg *welford) {
		switch key.Dimension {
		case dimOverall:
			overall.merge(agg)
		case dimLayer:
			w := perLayer[datatypes.Layer(key.Group)]
			if w == nil {
				w = &welford{}
				perLayer[datatypes.Layer(key.Group)] = w
			}
			w.merge(agg)
		case dimFallback:
			fallbackCount += agg.count
		default:
			if filters.Dimension != "" && key.Dimension != filters.Dimension {
				return
			}
			if filters.Group != "" && key.Group != filters.Group {
				return
			}
			groups := perDemo[key.Dimension]
			if groups == nil {
				groups = make(map[string]*welford)
				perDemo[key.Dimension] = groups
			}
			w := groups[key.Group]
			if w == nil {
				w = &welford{}
				groups[key.Group] = w
			}
			w.merge(agg)
		}
	}

	err := c.store.Scan(ctx, filters.From, filters.To, func(key BucketKey, stats datatypes.SliceStats) error {
		fold(key, fromStats(stats))
		return nil
	})
	if err != nil {
		// History unavailable right now; serve the rolling view.
		slog.Warn("series scan failed, serving rolling aggregates", "error", err)
		c.fillFromRolling(snap, filters)
		snap.Degraded = true
		return snap, nil
	}

	// Merge in records not yet flushed so the view is current.
	inWindow := buffered[:0]
	for _, rec := range buffered {
		if !filters.From.IsZero() && rec.at.Before(filters.From) {
			continue
		}
		if !filters.To.IsZero() && rec.at.After(filters.To) {
			continue
		}
		inWindow = append(inWindow, rec)
	}
	for key, agg := range bucketize(inWindow, c.config.TimeBucket) {
		fold(key, agg)
	}

	snap.Overall = overall.stats()
	for layer, w := range perLayer {
		snap.PerLayer[layer] = w.stats()
	}
	for dim, groups := range perDemo {
		out := make(map[string]datatypes.SliceStats, len(groups))
		for group, w := range groups {
			out[group] = w.stats()
		}
		snap.PerDemographic[dim] = out
	}
	snap.FallbackCount = fallbackCount
	return snap, nil
}

// fillFromRolling serves the process-lifetime aggregates, the best
// available view when history cannot be read.
func (c *Collector) fillFromRolling(snap *datatypes.DashboardSnapshot,
	filters datatypes.DashboardFilters) {

	c.mu.Lock()
	defer c.mu.Unlock()

	snap.Overall = c.overall.stats()
	for layer, w := range c.perLayer {
		snap.PerLayer[layer] = w.stats()
	}
	for dim, groups := range c.perDemo {
		if filters.Dimension != "" && dim != filters.Dimension {
			continue
		}
		out := make(map[string]datatypes.SliceStats, len(groups))
		for group, w := range groups {
			if filters.Group != "" && group != filters.Group {
				continue
			}
			out[group] = w.stats()
		}
		snap.PerDemographic[dim] = out
	}
	snap.FallbackCount = c.fallback
}

// Close flushes remaining records and stops the background loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
	if c.exporter != nil {
		c.exporter.Close()
	}
}
