// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine is the bias detection orchestrator: it validates
// sessions, coordinates multi-layer analysis through the bridge,
// combines layer scores, caches results, and fans completed analyses
// out to the metrics collector and alerting.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairlens-ai/fairlens/pkg/extensions"
	"github.com/fairlens-ai/fairlens/services/analysis"
	"github.com/fairlens-ai/fairlens/services/engine/alerts"
	"github.com/fairlens-ai/fairlens/services/engine/batch"
	"github.com/fairlens-ai/fairlens/services/engine/cache"
	"github.com/fairlens-ai/fairlens/services/engine/collector"
	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
	"github.com/fairlens-ai/fairlens/services/engine/memwatch"
	"github.com/fairlens-ai/fairlens/services/engine/observability"
)

// resultKeyPrefix namespaces analysis results in the shared cache.
const resultKeyPrefix = "result/"

// Components are the engine's collaborators. Cache, Collector, Alerts,
// Memwatch and Metrics are optional; the engine skips what is absent.
type Components struct {
	Cache     *cache.Cache
	Collector *collector.Collector
	Alerts    *alerts.System
	Memwatch  *memwatch.Optimizer
	Metrics   *observability.EngineMetrics
}

// Health is the engine's aggregate health view.
type Health struct {
	Status            string                 `json:"status"`
	Analysis          analysis.ServiceHealth `json:"analysis"`
	Breaker           string                 `json:"breaker"`
	CollectorDegraded bool                   `json:"collector_degraded"`
	MemoryPressure    string                 `json:"memory_pressure"`
	Cache             cache.Stats            `json:"cache"`
	Batch             batch.Stats            `json:"batch"`
	DroppedEvents     int64                  `json:"dropped_events"`
}

// Engine orchestrates bias analysis end to end.
//
// # Lifecycle
//
// New -> Start -> (Analyze*, DashboardData, ...) -> Close. Start on a
// running engine returns ErrAlreadyInitialized; operations after Close
// return ErrClosed. Close drains in-flight work within the configured
// grace period.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Engine struct {
	config Config
	opts   extensions.ServiceOptions
	bridge *analysis.Bridge

	cache     *cache.Cache
	collector *collector.Collector
	alerts    *alerts.System
	memwatch  *memwatch.Optimizer
	metrics   *observability.EngineMetrics
	batch     *batch.Processor

	validate *validator.Validate
	events   chan *datatypes.BiasAnalysisResult
	overflow atomic.Int64

	mu       sync.Mutex
	started  bool
	closed   bool
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// New creates an Engine. The configuration is validated up front; an
// invalid one returns *ConfigurationError and nothing is started.
func New(config Config, bridge *analysis.Bridge, components Components,
	batchConfig batch.Config, opts *extensions.ServiceOptions) (*Engine, error) {

	if bridge == nil {
		return nil, &ConfigurationError{Field: "bridge", Reason: "analysis bridge is required"}
	}
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	options := extensions.DefaultOptions()
	if opts != nil {
		options = opts.Normalize()
	}

	e := &Engine{
		config:    config,
		opts:      options,
		bridge:    bridge,
		cache:     components.Cache,
		collector: components.Collector,
		alerts:    components.Alerts,
		memwatch:  components.Memwatch,
		metrics:   components.Metrics,
		validate:  validator.New(),
		events:    make(chan *datatypes.BiasAnalysisResult, config.EventBuffer),
	}
	e.batch = batch.New(batchConfig, e.runBatchJob)
	return e, nil
}

// Start launches the background loops. Safe to call exactly once per
// engine lifetime.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return ErrAlreadyInitialized
	}
	e.started = true

	e.wg.Add(1)
	go e.fanout()
	if e.alerts != nil {
		e.alerts.Start()
	}
	if e.memwatch != nil {
		e.memwatch.Start(ctx)
	}
	slog.Info("bias detection engine started")
	return nil
}

// fanout delivers completed analyses to the collector. Runs until the
// events channel is closed during shutdown.
func (e *Engine) fanout() {
	defer e.wg.Done()
	for result := range e.events {
		if e.collector != nil {
			e.collector.Record(result)
		}
	}
}

// AnalyzeSession runs the full multi-layer analysis for one session.
//
// # Outputs
//
//   - *datatypes.BiasAnalysisResult: always complete; Fallback=true when
//     the analysis service was unreachable for every layer.
//   - error: *analysis.InvalidSessionError for malformed sessions,
//     ErrClosed after shutdown. Availability problems never surface as
//     errors.
func (e *Engine) AnalyzeSession(ctx context.Context,
	session *datatypes.TherapeuticSession) (*datatypes.BiasAnalysisResult, error) {

	if err := e.beginOp(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()
	started := time.Now()

	if err := e.validateSession(session); err != nil {
		e.audit(ctx, "session:unknown", "analyze", "blocked")
		e.countAnalysis("invalid", started)
		return nil, err
	}
	e.audit(ctx, "session:"+session.SessionID, "analyze", "success")

	if cached := e.cachedResult(ctx, session.SessionID); cached != nil {
		return cached, nil
	}

	actx, cancel := context.WithTimeout(ctx, e.config.AnalysisTimeout)
	defer cancel()
	layers, err := e.bridge.AnalyzeAllLayers(actx, session)
	if err != nil {
		e.countAnalysis("invalid", started)
		return nil, err
	}

	result := e.combine(session, layers)
	e.cacheResult(ctx, result)
	e.publish(result)

	outcome := "success"
	if result.Fallback {
		outcome = "fallback"
	}
	e.countAnalysis(outcome, started)
	return result, nil
}

// AnalyzeBatch enqueues sessions for background analysis and returns a
// pollable job handle. Sessions are validated when the job runs.
func (e *Engine) AnalyzeBatch(ctx context.Context,
	sessions []datatypes.TherapeuticSession, priority int) (*datatypes.BatchJob, error) {

	if err := e.beginOp(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()
	e.audit(ctx, fmt.Sprintf("batch:%d-sessions", len(sessions)), "analyze", "success")
	job, err := e.batch.Enqueue(sessions, priority)
	if err != nil {
		return nil, err
	}
	e.syncBatchGauges()
	return job, nil
}

// BatchJob returns the handle for a previously submitted job.
func (e *Engine) BatchJob(id string) (*datatypes.BatchJob, error) {
	return e.batch.Job(id)
}

// runBatchJob is the batch processor handler: analyze each session in
// order, skipping malformed ones.
func (e *Engine) runBatchJob(ctx context.Context,
	job *datatypes.BatchJob) ([]datatypes.BiasAnalysisResult, error) {

	defer e.syncBatchGauges()
	results := make([]datatypes.BiasAnalysisResult, 0, len(job.Sessions))
	for i := range job.Sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if job.Cancelled() {
			return nil, fmt.Errorf("job cancelled")
		}
		session := &job.Sessions[i]
		result, err := e.AnalyzeSession(ctx, session)
		if err != nil {
			var invalid *analysis.InvalidSessionError
			if errors.As(err, &invalid) {
				slog.Warn("skipping invalid session in batch",
					"job_id", job.ID,
					"session_id", session.SessionID,
					"reason", invalid.Reason)
				continue
			}
			return nil, err
		}
		results = append(results, *result)
	}
	return results, nil
}

// ThrottleBatch shrinks or restores batch concurrency. The memory
// optimizer calls it when crossing the critical watermark.
func (e *Engine) ThrottleBatch(on bool) {
	e.batch.Throttle(on)
}

// DashboardData returns the aggregated dashboard view.
func (e *Engine) DashboardData(ctx context.Context,
	filters datatypes.DashboardFilters) (*datatypes.DashboardSnapshot, error) {

	if err := e.beginOp(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()
	e.audit(ctx, "dashboard", "read", "success")
	if e.collector == nil {
		return &datatypes.DashboardSnapshot{GeneratedAt: time.Now()}, nil
	}
	return e.collector.DashboardData(ctx, filters)
}

// Alerts exposes the alert system for the HTTP surface. Nil when
// alerting is not configured.
func (e *Engine) Alerts() *alerts.System {
	return e.alerts
}

// Health reports aggregate engine health.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		Status:        "ok",
		Analysis:      e.bridge.HealthCheck(ctx),
		Breaker:       e.bridge.BreakerState().String(),
		Batch:         e.batch.Stats(),
		DroppedEvents: e.overflow.Load(),
	}
	if e.cache != nil {
		h.Cache = e.cache.Stats()
	}
	if e.collector != nil {
		h.CollectorDegraded = e.collector.Degraded()
	}
	if e.memwatch != nil {
		h.MemoryPressure = e.memwatch.Level().String()
	}

	if h.Analysis.Status == analysis.HealthDown ||
		h.CollectorDegraded ||
		h.MemoryPressure == "critical" ||
		h.Breaker == "OPEN" {
		h.Status = "degraded"
	}
	return h
}

// Close drains in-flight work and stops every component. Idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.batch.Close()
		// Callers that passed beginOp before closed was set may still be
		// mid-analysis; the events channel must outlive them.
		e.inflight.Wait()
		close(e.events)
		if started {
			e.wg.Wait()
		}
		if e.memwatch != nil {
			e.memwatch.Close()
		}
		if e.alerts != nil {
			e.alerts.Close()
		}
		if e.collector != nil {
			e.collector.Close()
		}
		if e.cache != nil {
			e.cache.Close()
		}
	}()

	select {
	case <-done:
		slog.Info("bias detection engine stopped",
			"dropped_events", e.overflow.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.config.ShutdownGrace):
		return fmt.Errorf("engine shutdown exceeded grace period %s", e.config.ShutdownGrace)
	}
}

// ====== internals ======

// beginOp admits one operation against the lifecycle state and counts
// it as in flight until the caller's matching inflight.Done. Close only
// tears down the fan-out channel once the count drains.
func (e *Engine) beginOp() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if !e.started {
		return fmt.Errorf("engine: not started")
	}
	e.inflight.Add(1)
	return nil
}

// validateSession applies structural validation plus the non-empty
// content requirement.
func (e *Engine) validateSession(session *datatypes.TherapeuticSession) error {
	if session == nil {
		return &analysis.InvalidSessionError{SessionID: "", Reason: "session is nil"}
	}
	if err := e.validate.Struct(session); err != nil {
		return &analysis.InvalidSessionError{
			SessionID: session.SessionID,
			Reason:    err.Error(),
		}
	}
	if !session.HasContent() {
		return &analysis.InvalidSessionError{
			SessionID: session.SessionID,
			Reason:    "session has no non-empty turn content",
		}
	}
	return nil
}

// cachedResult returns a prior analysis within its TTL, or nil.
func (e *Engine) cachedResult(ctx context.Context, sessionID string) *datatypes.BiasAnalysisResult {
	if e.cache == nil {
		return nil
	}
	raw, ok := e.cache.Get(ctx, resultKeyPrefix+sessionID)
	if !ok {
		e.countCacheOp("miss")
		return nil
	}
	var result datatypes.BiasAnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		slog.Warn("discarding undecodable cached result", "session_id", sessionID, "error", err)
		e.cache.Delete(ctx, resultKeyPrefix+sessionID)
		e.countCacheOp("miss")
		return nil
	}
	e.countCacheOp("hit")
	return &result
}

func (e *Engine) cacheResult(ctx context.Context, result *datatypes.BiasAnalysisResult) {
	if e.cache == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	e.cache.Set(ctx, resultKeyPrefix+result.SessionID, raw, e.config.ResultTTL)
}

// combine folds layer results into the overall score: the configured
// weighted sum clamped to [0, 1], confidence as the minimum layer
// confidence, fallback when every layer degraded.
func (e *Engine) combine(session *datatypes.TherapeuticSession,
	layers map[datatypes.Layer]datatypes.LayerResult) *datatypes.BiasAnalysisResult {

	var overall float64
	confidence := math.Inf(1)
	degraded := 0
	for _, layer := range datatypes.AllLayers() {
		lr := layers[layer]
		overall += e.config.Weights[layer] * lr.Score
		confidence = math.Min(confidence, lr.Confidence)
		if lr.Degraded {
			degraded++
			if e.metrics != nil {
				e.metrics.LayerFailuresTotal.WithLabelValues(string(layer)).Inc()
			}
		}
	}
	overall = math.Max(0, math.Min(1, overall))
	if math.IsInf(confidence, 1) {
		confidence = 0
	}

	return &datatypes.BiasAnalysisResult{
		SessionID:    session.SessionID,
		Layers:       layers,
		OverallScore: overall,
		Confidence:   confidence,
		Fallback:     degraded == len(datatypes.AllLayers()),
		Demographics: session.Demographics,
		AnalyzedAt:   time.Now().UTC(),
	}
}

// publish hands the result to the fan-out channel without blocking.
func (e *Engine) publish(result *datatypes.BiasAnalysisResult) {
	select {
	case e.events <- result:
	default:
		e.overflow.Add(1)
		if e.metrics != nil {
			e.metrics.EventOverflowsTotal.Inc()
		}
	}
}

func (e *Engine) audit(ctx context.Context, resource, action, outcome string) {
	event := extensions.AuditEvent{
		Actor:    extensions.ActorFromContext(ctx),
		Resource: resource,
		Action:   action,
		Outcome:  outcome,
	}
	if err := e.opts.AuditLogger.LogAccess(ctx, event); err != nil {
		slog.Warn("audit logging failed", "resource", resource, "error", err)
	}
}

func (e *Engine) countAnalysis(outcome string, started time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.AnalysesTotal.WithLabelValues(outcome).Inc()
	if outcome != "invalid" {
		e.metrics.AnalysisDurationSeconds.WithLabelValues(outcome).
			Observe(time.Since(started).Seconds())
	}
}

func (e *Engine) countCacheOp(outcome string) {
	if e.metrics != nil {
		e.metrics.CacheOpsTotal.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) syncBatchGauges() {
	if e.metrics == nil {
		return
	}
	stats := e.batch.Stats()
	e.metrics.BatchQueueDepth.Set(float64(stats.Queued))
	e.metrics.BatchJobsActive.Set(float64(stats.Running))
}
