// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// EventType classifies notification events.
type EventType string

const (
	EventTriggered    EventType = "triggered"
	EventEscalated    EventType = "escalated"
	EventAcknowledged EventType = "acknowledged"
	EventResolved     EventType = "resolved"
)

// Event is one alert lifecycle notification.
type Event struct {
	Type  EventType
	Alert datatypes.Alert
	Rule  datatypes.AlertRule
	At    time.Time
}

// Sink delivers alert notifications to one channel (log, Slack, ...).
// Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// AlertDispatchError wraps a sink delivery failure after retries.
type AlertDispatchError struct {
	Sink string
	Err  error
}

func (e *AlertDispatchError) Error() string {
	return fmt.Sprintf("alert dispatch to %s failed: %v", e.Sink, e.Err)
}

func (e *AlertDispatchError) Unwrap() error { return e.Err }

// ====== Log sink ======

// LogSink writes notifications to the structured log. Always installed
// so alerts are visible even with no external sinks configured.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Notify(_ context.Context, event Event) error {
	attrs := []any{
		"event", string(event.Type),
		"alert_id", event.Alert.ID,
		"rule_id", event.Alert.RuleID,
		"severity", event.Alert.Severity.String(),
		"value", event.Alert.Value,
	}
	if event.Alert.Scope != "" {
		attrs = append(attrs, "scope", event.Alert.Scope)
	}
	if event.Rule.IsDisparity() {
		attrs = append(attrs, "baseline", event.Alert.Baseline)
	}
	switch event.Alert.Severity {
	case datatypes.SeverityCritical, datatypes.SeverityHigh:
		slog.Error("bias alert", attrs...)
	default:
		slog.Warn("bias alert", attrs...)
	}
	return nil
}

// ====== Channel sink ======

// ChannelSink pushes events onto a channel, dropping when full. Used by
// tests and by the websocket dashboard feed.
type ChannelSink struct {
	name string
	ch   chan Event
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(name string, buffer int) *ChannelSink {
	return &ChannelSink{name: name, ch: make(chan Event, buffer)}
}

func (s *ChannelSink) Name() string { return s.name }

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

func (s *ChannelSink) Notify(_ context.Context, event Event) error {
	select {
	case s.ch <- event:
		return nil
	default:
		return fmt.Errorf("channel sink %s full", s.name)
	}
}

// ====== Metrics sink ======

// MetricsSink counts lifecycle events on a Prometheus counter labelled
// by event type and severity.
type MetricsSink struct {
	Events *prometheus.CounterVec
}

func (MetricsSink) Name() string { return "metrics" }

func (s MetricsSink) Notify(_ context.Context, event Event) error {
	s.Events.WithLabelValues(string(event.Type), event.Alert.Severity.String()).Inc()
	return nil
}

var (
	_ Sink = LogSink{}
	_ Sink = (*ChannelSink)(nil)
	_ Sink = MetricsSink{}
)
