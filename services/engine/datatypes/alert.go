// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"time"
)

// AlertSeverity orders alert importance. Severities are strictly ordered:
// LOW < MEDIUM < HIGH < CRITICAL.
type AlertSeverity int

const (
	SeverityLow AlertSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the canonical upper-case severity name.
func (s AlertSeverity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ParseSeverity converts a severity name to its AlertSeverity value.
func ParseSeverity(s string) (AlertSeverity, error) {
	switch s {
	case "LOW", "low":
		return SeverityLow, nil
	case "MEDIUM", "medium":
		return SeverityMedium, nil
	case "HIGH", "high":
		return SeverityHigh, nil
	case "CRITICAL", "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// Escalate returns the next severity up, capped at CRITICAL.
func (s AlertSeverity) Escalate() AlertSeverity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

// AlertState is the acknowledgement state of an alert instance.
type AlertState string

const (
	AlertOpen         AlertState = "OPEN"
	AlertAcknowledged AlertState = "ACKNOWLEDGED"
	AlertResolved     AlertState = "RESOLVED"
)

// CompareOp is the comparison operator of an alert rule.
type CompareOp string

const (
	OpGreaterThan CompareOp = "gt"
	OpGreaterEq   CompareOp = "gte"
	OpLessThan    CompareOp = "lt"
	OpLessEq      CompareOp = "lte"
)

// Apply evaluates `value op threshold`.
func (op CompareOp) Apply(value, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterEq:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessEq:
		return value <= threshold
	default:
		return false
	}
}

// AlertRule is a configuration entity describing one alerting condition.
//
// Rules are loaded from configuration and are read-only at evaluation
// time; the rule watcher swaps the whole rule set atomically on reload.
type AlertRule struct {
	// ID uniquely identifies the rule. Required.
	ID string `json:"id" yaml:"id" validate:"required"`

	// MetricPath selects the metric to evaluate, e.g. "overall.mean"
	// or "layer.model.mean".
	MetricPath string `json:"metric_path" yaml:"metric_path" validate:"required"`

	// Op is the comparison operator applied to the metric.
	Op CompareOp `json:"op" yaml:"op" validate:"required,oneof=gt gte lt lte"`

	// Threshold is the boundary value for the comparison.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// Severity assigned to alerts created by this rule.
	Severity AlertSeverity `json:"severity" yaml:"severity"`

	// Cooldown suppresses duplicate alerts after a trigger.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`

	// EscalationWindow is how long a breach may persist unacknowledged
	// before the alert escalates one severity level.
	EscalationWindow time.Duration `json:"escalation_window" yaml:"escalation_window"`

	// RecoveryWindow is how long the metric must stay within threshold
	// before the alert auto-resolves (hysteresis).
	RecoveryWindow time.Duration `json:"recovery_window" yaml:"recovery_window"`

	// Dimension optionally scopes the rule to one demographic dimension;
	// the rule is then evaluated per demographic group.
	Dimension string `json:"dimension,omitempty" yaml:"dimension,omitempty"`

	// DisparityRatio, when > 0, turns this into a disparity rule: the
	// rule fires when a demographic slice's metric deviates from the
	// population baseline by more than this relative ratio. Threshold
	// and Op are ignored for disparity rules.
	DisparityRatio float64 `json:"disparity_ratio,omitempty" yaml:"disparity_ratio,omitempty"`
}

// IsDisparity reports whether the rule compares a demographic slice
// against the population baseline rather than a fixed threshold.
func (r *AlertRule) IsDisparity() bool {
	return r.DisparityRatio > 0
}

// AlertTransition records one state change for audit purposes.
type AlertTransition struct {
	From AlertState `json:"from"`
	To   AlertState `json:"to"`
	At   time.Time  `json:"at"`
	By   string     `json:"by,omitempty"`
	Note string     `json:"note,omitempty"`
}

// Alert is an instance entity created when a rule fires.
//
// The full transition history is retained for audit; alerts are archived
// after the retention window elapses.
type Alert struct {
	// ID is a UUID assigned at creation.
	ID string `json:"id"`

	// RuleID of the rule that fired.
	RuleID string `json:"rule_id"`

	// Scope is the demographic group the alert applies to, or "" for
	// population-wide rules.
	Scope string `json:"scope,omitempty"`

	// Value is the metric value that triggered the alert.
	Value float64 `json:"value"`

	// Baseline is the population baseline for disparity alerts.
	Baseline float64 `json:"baseline,omitempty"`

	// Severity at creation; escalation raises it in place.
	Severity AlertSeverity `json:"severity"`

	// State is the acknowledgement state.
	State AlertState `json:"state"`

	// EscalationLevel counts how many times the alert escalated.
	EscalationLevel int `json:"escalation_level"`

	// BreachCount counts re-breaches absorbed by the cooldown window.
	BreachCount int `json:"breach_count"`

	// CreatedAt is when the rule first fired.
	CreatedAt time.Time `json:"created_at"`

	// Transitions is the full state-change history.
	Transitions []AlertTransition `json:"transitions,omitempty"`
}
