// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package alerts evaluates alerting rules against the collector's
// rolling metrics and manages the alert lifecycle.
//
// Each (rule, scope) pair runs an independent state machine:
//
//	OK -> TRIGGERED -> (ESCALATED)* -> RESOLVED -> OK
//
// Cooldown windows absorb repeat breaches into a breach counter,
// unacknowledged breaches escalate severity over time, and recovery
// requires the metric to stay in bounds for a hysteresis window.
// Notification dispatch is asynchronous and never blocks evaluation.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// MetricSource is the read surface the system evaluates against. The
// metrics collector implements it.
type MetricSource interface {
	MetricValue(path string) (float64, bool)
	OverallStats() datatypes.SliceStats
	DimensionSlices(dimension string) map[string]datatypes.SliceStats
}

// Config controls evaluation cadence and retention.
type Config struct {
	// EvaluateInterval is the rule evaluation period. Default: 10s.
	EvaluateInterval time.Duration

	// MinSampleSize is the minimum slice count before disparity rules
	// fire, avoiding noise from tiny groups. Default: 10.
	MinSampleSize int64

	// Retention is how long resolved alerts are kept before the archive
	// pass removes them. Default: 30 days.
	Retention time.Duration

	// ArchiveInterval is how often the archive pass runs. Default: 1h.
	ArchiveInterval time.Duration

	// DispatchAttempts per sink per event. Default: 3.
	DispatchAttempts int

	// DispatchTimeout bounds one sink delivery attempt. Default: 5s.
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.EvaluateInterval <= 0 {
		c.EvaluateInterval = 10 * time.Second
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = 10
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.ArchiveInterval <= 0 {
		c.ArchiveInterval = time.Hour
	}
	if c.DispatchAttempts <= 0 {
		c.DispatchAttempts = 3
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Second
	}
	return c
}

type scopeKey struct {
	ruleID string
	scope  string
}

// ruleState is the per-(rule, scope) lifecycle tracking.
type ruleState struct {
	alert          *datatypes.Alert
	lastTriggered  time.Time
	lastEscalation time.Time
	recoveryStart  time.Time
}

// System owns rule evaluation and the alert lifecycle.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type System struct {
	config Config
	source MetricSource
	store  Store

	mu         sync.Mutex
	rules      []datatypes.AlertRule
	states     map[scopeKey]*ruleState
	sinks      []Sink
	suppressed int64

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a System. store may be nil (no persistence, active alerts
// only); sinks may be empty, though LogSink is usually installed.
func New(config Config, source MetricSource, store Store,
	rules []datatypes.AlertRule, sinks ...Sink) *System {

	return &System{
		config: config.withDefaults(),
		source: source,
		store:  store,
		rules:  rules,
		states: make(map[scopeKey]*ruleState),
		sinks:  sinks,
		done:   make(chan struct{}),
	}
}

// Start launches the evaluation and archive loops.
func (s *System) Start() {
	s.wg.Add(1)
	go s.evaluateLoop()
	if s.store != nil {
		s.wg.Add(1)
		go s.archiveLoop()
	}
}

// Close stops the background loops and waits for in-flight dispatches.
func (s *System) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// ReplaceRules atomically swaps the rule set. State for rules that no
// longer exist is dropped; surviving rules keep their state.
func (s *System) ReplaceRules(rules []datatypes.AlertRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules

	keep := make(map[string]bool, len(rules))
	for _, rule := range rules {
		keep[rule.ID] = true
	}
	for key := range s.states {
		if !keep[key.ruleID] {
			delete(s.states, key)
		}
	}
}

// Rules returns a copy of the current rule set.
func (s *System) Rules() []datatypes.AlertRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datatypes.AlertRule, len(s.rules))
	copy(out, s.rules)
	return out
}

func (s *System) evaluateLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Evaluate(time.Now())
		}
	}
}

func (s *System) archiveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.ArchiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := s.store.Archive(ctx, time.Now().Add(-s.config.Retention))
			cancel()
			if err != nil {
				slog.Warn("alert archive pass failed", "error", err)
			} else if removed > 0 {
				slog.Info("archived resolved alerts", "removed", removed)
			}
		}
	}
}

// Evaluate runs one full evaluation cycle at the given time. Called by
// the background loop; exported so tests can drive time explicitly.
func (s *System) Evaluate(now time.Time) {
	s.mu.Lock()
	rules := make([]datatypes.AlertRule, len(s.rules))
	copy(rules, s.rules)
	s.mu.Unlock()

	for i := range rules {
		rule := &rules[i]
		switch {
		case rule.IsDisparity():
			s.evaluateDisparity(rule, now)
		case rule.Dimension != "":
			s.evaluatePerGroup(rule, now)
		default:
			value, ok := s.source.MetricValue(rule.MetricPath)
			if !ok {
				continue
			}
			s.step(rule, "", value, 0, rule.Op.Apply(value, rule.Threshold), now)
		}
	}
}

// evaluateDisparity compares each demographic slice against the
// population baseline: |slice.mean - pop.mean| / max(pop.mean, eps)
// exceeding the configured ratio breaches, once the slice has enough
// samples to be meaningful.
func (s *System) evaluateDisparity(rule *datatypes.AlertRule, now time.Time) {
	const eps = 1e-9
	pop := s.source.OverallStats()
	if pop.Count == 0 {
		return
	}
	baseline := pop.Mean

	for group, stats := range s.source.DimensionSlices(rule.Dimension) {
		if stats.Count < s.config.MinSampleSize {
			continue
		}
		deviation := math.Abs(stats.Mean-baseline) / math.Max(baseline, eps)
		s.step(rule, group, stats.Mean, baseline, deviation > rule.DisparityRatio, now)
	}
}

// evaluatePerGroup applies a fixed threshold to each group's mean.
func (s *System) evaluatePerGroup(rule *datatypes.AlertRule, now time.Time) {
	for group, stats := range s.source.DimensionSlices(rule.Dimension) {
		if stats.Count < s.config.MinSampleSize {
			continue
		}
		s.step(rule, group, stats.Mean, 0, rule.Op.Apply(stats.Mean, rule.Threshold), now)
	}
}

// step advances one (rule, scope) state machine.
func (s *System) step(rule *datatypes.AlertRule, scope string,
	value, baseline float64, breached bool, now time.Time) {

	key := scopeKey{ruleID: rule.ID, scope: scope}

	s.mu.Lock()
	st := s.states[key]
	if st == nil {
		st = &ruleState{}
		s.states[key] = st
	}

	var event *Event
	switch {
	case breached && st.alert != nil:
		st.alert.BreachCount++
		st.alert.Value = value
		st.alert.Baseline = baseline
		st.recoveryStart = time.Time{}

		// Escalation only while unacknowledged and below CRITICAL.
		base := st.lastEscalation
		if base.IsZero() {
			base = st.alert.CreatedAt
		}
		if st.alert.State == datatypes.AlertOpen &&
			st.alert.Severity < datatypes.SeverityCritical &&
			rule.EscalationWindow > 0 &&
			now.Sub(base) >= rule.EscalationWindow {

			st.alert.Severity = st.alert.Severity.Escalate()
			st.alert.EscalationLevel++
			st.lastEscalation = now
			st.alert.Transitions = append(st.alert.Transitions, datatypes.AlertTransition{
				From: st.alert.State,
				To:   st.alert.State,
				At:   now,
				Note: fmt.Sprintf("escalated to %s", st.alert.Severity),
			})
			event = &Event{Type: EventEscalated, Alert: *st.alert, Rule: *rule, At: now}
		}
		s.persistLocked(st.alert)

	case breached:
		if !st.lastTriggered.IsZero() && now.Sub(st.lastTriggered) < rule.Cooldown {
			s.suppressed++
			break
		}
		alert := &datatypes.Alert{
			ID:        uuid.NewString(),
			RuleID:    rule.ID,
			Scope:     scope,
			Value:     value,
			Baseline:  baseline,
			Severity:  rule.Severity,
			State:     datatypes.AlertOpen,
			CreatedAt: now,
			Transitions: []datatypes.AlertTransition{{
				To:   datatypes.AlertOpen,
				At:   now,
				Note: "triggered",
			}},
		}
		st.alert = alert
		st.lastTriggered = now
		st.lastEscalation = time.Time{}
		st.recoveryStart = time.Time{}
		s.persistLocked(alert)
		event = &Event{Type: EventTriggered, Alert: *alert, Rule: *rule, At: now}

	case st.alert != nil:
		// In bounds with an active alert: hysteresis before resolving.
		if st.recoveryStart.IsZero() {
			st.recoveryStart = now
		}
		if now.Sub(st.recoveryStart) >= rule.RecoveryWindow {
			st.alert.Transitions = append(st.alert.Transitions, datatypes.AlertTransition{
				From: st.alert.State,
				To:   datatypes.AlertResolved,
				At:   now,
				Note: "recovered",
			})
			st.alert.State = datatypes.AlertResolved
			s.persistLocked(st.alert)
			event = &Event{Type: EventResolved, Alert: *st.alert, Rule: *rule, At: now}
			st.alert = nil
			st.recoveryStart = time.Time{}
		}
	}
	s.mu.Unlock()

	if event != nil {
		s.dispatch(*event)
	}
}

// persistLocked writes an alert record best-effort. Caller holds s.mu.
func (s *System) persistLocked(alert *datatypes.Alert) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, alert); err != nil {
		slog.Warn("failed to persist alert record",
			"alert_id", alert.ID,
			"error", err)
	}
}

// Acknowledge marks an open alert acknowledged, stopping escalation.
func (s *System) Acknowledge(ctx context.Context, id, by string) (*datatypes.Alert, error) {
	return s.transition(ctx, id, by, datatypes.AlertAcknowledged, EventAcknowledged)
}

// Resolve closes an alert manually.
func (s *System) Resolve(ctx context.Context, id, by string) (*datatypes.Alert, error) {
	return s.transition(ctx, id, by, datatypes.AlertResolved, EventResolved)
}

func (s *System) transition(ctx context.Context, id, by string,
	to datatypes.AlertState, eventType EventType) (*datatypes.Alert, error) {

	s.mu.Lock()
	var alert *datatypes.Alert
	var rule datatypes.AlertRule
	for key, st := range s.states {
		if st.alert != nil && st.alert.ID == id {
			alert = st.alert
			for _, r := range s.rules {
				if r.ID == key.ruleID {
					rule = r
					break
				}
			}
			if to == datatypes.AlertResolved {
				st.alert = nil
				st.recoveryStart = time.Time{}
			}
			break
		}
	}
	if alert == nil {
		s.mu.Unlock()
		if s.store == nil {
			return nil, ErrAlertNotFound
		}
		stored, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		alert = stored
	}

	if alert.State == to {
		s.mu.Unlock()
		return alert, nil
	}
	if alert.State == datatypes.AlertResolved {
		s.mu.Unlock()
		return nil, fmt.Errorf("alert %s is already resolved", id)
	}

	now := time.Now()
	alert.Transitions = append(alert.Transitions, datatypes.AlertTransition{
		From: alert.State,
		To:   to,
		At:   now,
		By:   by,
	})
	alert.State = to
	s.persistLocked(alert)
	out := *alert
	s.mu.Unlock()

	s.dispatch(Event{Type: eventType, Alert: out, Rule: rule, At: now})
	return &out, nil
}

// ActiveAlerts returns unresolved alerts currently tracked in memory.
func (s *System) ActiveAlerts() []*datatypes.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*datatypes.Alert
	for _, st := range s.states {
		if st.alert != nil {
			copied := *st.alert
			out = append(out, &copied)
		}
	}
	return out
}

// List returns persisted alerts filtered by state, falling back to the
// in-memory view when no store is configured.
func (s *System) List(ctx context.Context, state datatypes.AlertState) ([]*datatypes.Alert, error) {
	if s.store == nil {
		alerts := s.ActiveAlerts()
		if state == "" {
			return alerts, nil
		}
		filtered := alerts[:0]
		for _, a := range alerts {
			if a.State == state {
				filtered = append(filtered, a)
			}
		}
		return filtered, nil
	}
	return s.store.List(ctx, state)
}

// Suppressed returns how many breaches were absorbed by cooldowns.
func (s *System) Suppressed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}

// dispatch fans the event out to every sink with bounded retries.
// Failures are logged and never propagate to evaluation.
func (s *System) dispatch(event Event) {
	s.mu.Lock()
	sinks := make([]Sink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.Unlock()

	for _, sink := range sinks {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			var lastErr error
			for attempt := 0; attempt < s.config.DispatchAttempts; attempt++ {
				ctx, cancel := context.WithTimeout(context.Background(), s.config.DispatchTimeout)
				lastErr = sink.Notify(ctx, event)
				cancel()
				if lastErr == nil {
					return
				}
				select {
				case <-s.done:
					return
				case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
				}
			}
			dispatchErr := &AlertDispatchError{Sink: sink.Name(), Err: lastErr}
			slog.Error("alert notification dropped",
				"sink", sink.Name(),
				"alert_id", event.Alert.ID,
				"error", dispatchErr)
		}()
	}
}
