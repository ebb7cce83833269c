// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// BridgeConfig controls retry, concurrency and fallback behavior.
type BridgeConfig struct {
	// MaxAttempts per layer call, including the first. Default: 3.
	MaxAttempts int

	// BackoffBase is the first retry delay. Default: 200ms.
	BackoffBase time.Duration

	// BackoffFactor multiplies the delay per attempt. Default: 2.
	BackoffFactor float64

	// JitterFrac randomizes each delay by ±frac. Default: 0.25.
	JitterFrac float64

	// MaxConcurrency bounds concurrent layer calls per session.
	// Default: 4 (the four layers fully parallel).
	MaxConcurrency int

	// NeutralScore is the placeholder for degraded layers. Default: 0.5.
	NeutralScore float64

	// Breaker configures the circuit breaker. Zero values use defaults.
	Breaker BreakerConfig
}

func (c BridgeConfig) withDefaults() BridgeConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.JitterFrac <= 0 {
		c.JitterFrac = 0.25
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.NeutralScore <= 0 {
		c.NeutralScore = 0.5
	}
	return c
}

// Bridge coordinates layer calls to the analysis service: retry with
// jittered exponential backoff on transient errors, no retry on 4xx,
// circuit breaking, and neutral degraded placeholders on total failure.
//
// # Thread Safety
//
// Safe for concurrent use across sessions.
type Bridge struct {
	client  Client
	config  BridgeConfig
	breaker *CircuitBreaker
}

// NewBridge creates a Bridge over client.
func NewBridge(client Client, config BridgeConfig) *Bridge {
	config = config.withDefaults()
	return &Bridge{
		client:  client,
		config:  config,
		breaker: NewCircuitBreaker(config.Breaker),
	}
}

// Analyze runs one layer with retries.
//
// # Outputs
//
//   - datatypes.LayerResult: the layer outcome; Degraded=true with the
//     neutral score when the service could not be reached.
//   - error: only *InvalidSessionError (permanent caller error). All
//     availability problems are absorbed into the degraded result.
func (b *Bridge) Analyze(ctx context.Context, session *datatypes.TherapeuticSession,
	layer datatypes.Layer) (datatypes.LayerResult, error) {

	if !b.breaker.Allow() {
		slog.Debug("circuit open, skipping analysis call",
			"session_id", session.SessionID, "layer", layer)
		return b.degraded(layer), nil
	}

	req := Request{
		SessionID:   session.SessionID,
		Layer:       layer,
		SessionData: *session,
	}

	var lastErr error
	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		resp, err := b.client.AnalyzeLayer(ctx, req)
		if err == nil {
			b.breaker.RecordSuccess()
			return datatypes.LayerResult{
				Layer:      layer,
				Score:      resp.Score,
				Confidence: resp.Confidence,
				Notes:      resp.Notes,
			}, nil
		}

		var invalid *InvalidSessionError
		if errors.As(err, &invalid) {
			// Caller error: permanent, never retried, does not count
			// against the circuit.
			return datatypes.LayerResult{}, invalid
		}

		lastErr = err
		b.breaker.RecordFailure()

		if attempt < b.config.MaxAttempts {
			delay := b.backoff(attempt)
			slog.Warn("analysis layer call failed, retrying",
				"session_id", session.SessionID,
				"layer", layer,
				"attempt", attempt,
				"delay", delay.String(),
				"error", err)
			select {
			case <-ctx.Done():
				return b.degraded(layer), nil
			case <-time.After(delay):
			}
		}
	}

	slog.Error("analysis layer failed after retries, degrading",
		"session_id", session.SessionID, "layer", layer, "error", lastErr)
	return b.degraded(layer), nil
}

// AnalyzeAllLayers fans the four layer calls out concurrently, bounded
// by MaxConcurrency. Layers are independent and may complete in any
// order; the returned map always contains all four layers (degraded
// placeholders where analysis failed).
func (b *Bridge) AnalyzeAllLayers(ctx context.Context,
	session *datatypes.TherapeuticSession) (map[datatypes.Layer]datatypes.LayerResult, error) {

	layers := datatypes.AllLayers()
	results := make([]datatypes.LayerResult, len(layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.config.MaxConcurrency)
	for i, layer := range layers {
		g.Go(func() error {
			lr, err := b.Analyze(gctx, session, layer)
			if err != nil {
				return err
			}
			results[i] = lr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Only *InvalidSessionError propagates out of Analyze.
		return nil, err
	}

	out := make(map[datatypes.Layer]datatypes.LayerResult, len(layers))
	for _, lr := range results {
		out[lr.Layer] = lr
	}
	return out, nil
}

// HealthCheck probes the analysis service.
func (b *Bridge) HealthCheck(ctx context.Context) ServiceHealth {
	health, err := b.client.Health(ctx)
	if err != nil {
		return ServiceHealth{Status: HealthDown}
	}
	return health
}

// BreakerState exposes the circuit state for health reporting.
func (b *Bridge) BreakerState() CircuitState {
	return b.breaker.State()
}

// degraded builds the neutral placeholder for an unreachable layer.
func (b *Bridge) degraded(layer datatypes.Layer) datatypes.LayerResult {
	return datatypes.LayerResult{
		Layer:    layer,
		Score:    b.config.NeutralScore,
		Notes:    "analysis service unreachable",
		Degraded: true,
	}
}

// backoff computes the jittered exponential delay for attempt n (1-based).
func (b *Bridge) backoff(attempt int) time.Duration {
	delay := float64(b.config.BackoffBase)
	for i := 1; i < attempt; i++ {
		delay *= b.config.BackoffFactor
	}
	jitter := 1 + b.config.JitterFrac*(2*rand.Float64()-1)
	return time.Duration(delay * jitter)
}
