// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the bias detection engine.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "fairlens"

// Subsystem for engine metrics
const engineSubsystem = "engine"

// EngineMetrics holds all Prometheus metrics for analysis operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring analysis
// throughput and degradation. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type EngineMetrics struct {
	// AnalysesTotal counts completed analyses by outcome.
	// Labels: outcome (success, fallback, invalid)
	AnalysesTotal *prometheus.CounterVec

	// AnalysisDurationSeconds measures end-to-end session analysis time.
	// Labels: outcome (success, fallback)
	AnalysisDurationSeconds *prometheus.HistogramVec

	// LayerFailuresTotal counts degraded layer results.
	// Labels: layer (preprocessing, model, interactive, evaluation)
	LayerFailuresTotal *prometheus.CounterVec

	// CacheOpsTotal counts result cache lookups.
	// Labels: outcome (hit, miss)
	CacheOpsTotal *prometheus.CounterVec

	// AlertsTotal counts alert lifecycle events.
	// Labels: event (triggered, escalated, acknowledged, resolved), severity
	AlertsTotal *prometheus.CounterVec

	// BatchJobsActive tracks batch jobs currently running.
	BatchJobsActive prometheus.Gauge

	// BatchQueueDepth tracks jobs waiting in the priority queue.
	BatchQueueDepth prometheus.Gauge

	// PoolConnectionsInUse tracks borrowed connections per target.
	// Labels: target
	PoolConnectionsInUse *prometheus.GaugeVec

	// CircuitState reports the analysis-service breaker (0 closed,
	// 1 half-open, 2 open).
	CircuitState prometheus.Gauge

	// EventOverflowsTotal counts internal engine events dropped under
	// backpressure.
	EventOverflowsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of EngineMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *EngineMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *EngineMetrics {
	DefaultMetrics = &EngineMetrics{
		AnalysesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "analyses_total",
				Help:      "Total completed session analyses by outcome",
			},
			[]string{"outcome"},
		),

		AnalysisDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "analysis_duration_seconds",
				Help:      "End-to-end session analysis duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"outcome"},
		),

		LayerFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "layer_failures_total",
				Help:      "Degraded layer results by layer",
			},
			[]string{"layer"},
		),

		CacheOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "cache_ops_total",
				Help:      "Result cache lookups by tier outcome",
			},
			[]string{"outcome"},
		),

		AlertsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "alerts_total",
				Help:      "Alert lifecycle events by type and severity",
			},
			[]string{"event", "severity"},
		),

		BatchJobsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "batch_jobs_active",
				Help:      "Batch jobs currently running",
			},
		),

		BatchQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "batch_queue_depth",
				Help:      "Jobs waiting in the batch priority queue",
			},
		),

		PoolConnectionsInUse: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "pool_connections_in_use",
				Help:      "Borrowed connections per pool target",
			},
			[]string{"target"},
		),

		CircuitState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "circuit_state",
				Help:      "Analysis service circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
		),

		EventOverflowsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "event_overflows_total",
				Help:      "Internal engine events dropped under backpressure",
			},
		),
	}
	return DefaultMetrics
}
