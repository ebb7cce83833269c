// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/fairlens-ai/fairlens/pkg/logging"
	"github.com/fairlens-ai/fairlens/services/analysis"
	"github.com/fairlens-ai/fairlens/services/engine"
	"github.com/fairlens-ai/fairlens/services/engine/alerts"
	"github.com/fairlens-ai/fairlens/services/engine/batch"
	"github.com/fairlens-ai/fairlens/services/engine/cache"
	"github.com/fairlens-ai/fairlens/services/engine/collector"
	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
	"github.com/fairlens-ai/fairlens/services/engine/memwatch"
	"github.com/fairlens-ai/fairlens/services/engine/observability"
	"github.com/fairlens-ai/fairlens/services/engine/pool"
	"github.com/fairlens-ai/fairlens/services/engine/routes"
)

// lazyThrottler defers to the engine once it exists. The memory
// optimizer is constructed before the engine but only started after it.
type lazyThrottler struct {
	engine *engine.Engine
}

func (t *lazyThrottler) Throttle(on bool) {
	if t.engine != nil {
		t.engine.ThrottleBatch(on)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   parseLogLevel(config.Log.Level),
		LogDir:  config.Log.Dir,
		Service: "engine",
		JSON:    true,
	})
	defer logger.Close()
	logger.SetAsDefault()

	metrics := observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanupTracer, err := observability.InitTracer(ctx, "fairlens-engine", config.Otel.Endpoint)
	if err != nil {
		return fmt.Errorf("setting up the OTLP tracer: %w", err)
	}
	defer cleanupTracer(context.Background())

	// --- Analysis service client behind the connection pool ---
	poolConfig := pool.DefaultConfig()
	poolConfig.OnUsageChange = func(target string, inUse int) {
		metrics.PoolConnectionsInUse.WithLabelValues(target).Set(float64(inUse))
	}
	pools := pool.NewManager(poolConfig,
		analysis.NewConnFactory(config.Analysis.URL, config.Engine.AnalysisTimeout))
	defer pools.Close()
	client := analysis.NewHTTPClient(pools, config.Analysis.URL, config.Analysis.RatePerSec)
	bridge := analysis.NewBridge(client, analysis.BridgeConfig{
		Breaker: analysis.BreakerConfig{
			OnStateChange: func(from, to analysis.CircuitState) {
				slog.Warn("analysis circuit state changed",
					"from", from.String(), "to", to.String())
				metrics.CircuitState.Set(circuitGauge(to))
			},
		},
	})

	// --- Shared cache tier ---
	cacheStore, err := cache.OpenBadgerStore(config.dataPath("cache"))
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}
	defer cacheStore.Close()
	resultCache := cache.New(cache.DefaultConfig(), cacheStore, nil)

	// --- Metrics collector with historical series ---
	series, err := collector.OpenBadgerSeries(config.dataPath("series"))
	if err != nil {
		return fmt.Errorf("opening metrics series store: %w", err)
	}
	defer series.Close()
	var exporter collector.Exporter
	if config.Influx.URL != "" {
		exporter = collector.NewInfluxExporter(config.Influx.URL,
			config.Influx.Token, config.Influx.Org, config.Influx.Bucket)
		slog.Info("influx export enabled", "url", config.Influx.URL,
			"bucket", config.Influx.Bucket)
	}
	coll := collector.New(collector.Config{}, series, exporter)

	// --- Alerting ---
	alertStore, err := alerts.OpenBadgerStore(config.dataPath("alerts"))
	if err != nil {
		return fmt.Errorf("opening alert store: %w", err)
	}
	defer alertStore.Close()

	alertRules, err := loadAlertRules(config.Alerts.RulesPath)
	if err != nil {
		return err
	}
	sinks := []alerts.Sink{
		alerts.LogSink{},
		alerts.MetricsSink{Events: metrics.AlertsTotal},
	}
	if config.Slack.Token != "" {
		sinks = append(sinks, alerts.NewSlackSink(config.Slack.Token, config.Slack.Channel))
		slog.Info("slack alert sink enabled", "channel", config.Slack.Channel)
	}
	dashboardFeed := alerts.NewChannelSink("dashboard", 64)
	sinks = append(sinks, dashboardFeed)
	alertSystem := alerts.New(alerts.Config{}, coll, alertStore, alertRules, sinks...)

	var ruleWatcher *alerts.RuleWatcher
	if config.Alerts.RulesPath != "" {
		ruleWatcher, err = alerts.NewRuleWatcher(config.Alerts.RulesPath, alertSystem)
		if err != nil {
			slog.Warn("alert rules hot reload unavailable",
				"path", config.Alerts.RulesPath, "error", err)
		} else {
			go ruleWatcher.Start(ctx)
		}
	}

	// --- Memory pressure watchdog ---
	throttler := &lazyThrottler{}
	optimizer, err := memwatch.New(memwatch.Config{}, resultCache, throttler)
	if err != nil {
		return fmt.Errorf("creating memory optimizer: %w", err)
	}

	// --- Engine ---
	eng, err := engine.New(config.Engine, bridge, engine.Components{
		Cache:     resultCache,
		Collector: coll,
		Alerts:    alertSystem,
		Memwatch:  optimizer,
		Metrics:   metrics,
	}, batch.Config{}, nil)
	if err != nil {
		return err
	}
	throttler.engine = eng
	if err := eng.Start(ctx); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, eng, dashboardFeed.Events())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Server.Port),
		Handler: router,
	}
	go func() {
		slog.Info("bias detection engine listening", "port", config.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
	return eng.Close(shutdownCtx)
}

// loadAlertRules treats an unset path as no rules; a configured path
// that fails to parse is a startup error.
func loadAlertRules(path string) ([]datatypes.AlertRule, error) {
	if path == "" {
		return nil, nil
	}
	rules, err := alerts.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("loading alert rules from %s: %w", path, err)
	}
	slog.Info("alert rules loaded", "path", path, "count", len(rules))
	return rules, nil
}

func circuitGauge(state analysis.CircuitState) float64 {
	switch state {
	case analysis.CircuitHalfOpen:
		return 1
	case analysis.CircuitOpen:
		return 2
	default:
		return 0
	}
}

func parseLogLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
