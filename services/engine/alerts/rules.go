// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package alerts

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// ruleSpec is the on-disk rule shape. Severities and durations are
// strings in YAML and converted during load.
type ruleSpec struct {
	ID               string  `yaml:"id"`
	MetricPath       string  `yaml:"metric_path"`
	Op               string  `yaml:"op"`
	Threshold        float64 `yaml:"threshold"`
	Severity         string  `yaml:"severity"`
	Cooldown         string  `yaml:"cooldown"`
	EscalationWindow string  `yaml:"escalation_window"`
	RecoveryWindow   string  `yaml:"recovery_window"`
	Dimension        string  `yaml:"dimension"`
	DisparityRatio   float64 `yaml:"disparity_ratio"`
}

type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// Rule-level defaults applied when the file omits the field.
const (
	defaultCooldown         = 5 * time.Minute
	defaultEscalationWindow = 15 * time.Minute
	defaultRecoveryWindow   = 5 * time.Minute
)

// LoadRules reads and validates an alert rules file.
func LoadRules(path string) ([]datatypes.AlertRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules converts YAML rule specs into validated AlertRules.
func ParseRules(raw []byte) ([]datatypes.AlertRule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("invalid rules yaml: %w", err)
	}

	seen := make(map[string]bool, len(file.Rules))
	rules := make([]datatypes.AlertRule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		rule, err := spec.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, spec.ID, err)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s ruleSpec) toRule() (datatypes.AlertRule, error) {
	var zero datatypes.AlertRule
	if s.ID == "" {
		return zero, fmt.Errorf("missing id")
	}

	severity, err := datatypes.ParseSeverity(s.Severity)
	if err != nil {
		return zero, err
	}

	rule := datatypes.AlertRule{
		ID:             s.ID,
		MetricPath:     s.MetricPath,
		Threshold:      s.Threshold,
		Severity:       severity,
		Dimension:      s.Dimension,
		DisparityRatio: s.DisparityRatio,
	}

	if rule.DisparityRatio < 0 {
		return zero, fmt.Errorf("disparity_ratio must be >= 0")
	}
	if rule.IsDisparity() {
		if rule.Dimension == "" {
			return zero, fmt.Errorf("disparity rule requires a dimension")
		}
	} else {
		switch datatypes.CompareOp(s.Op) {
		case datatypes.OpGreaterThan, datatypes.OpGreaterEq,
			datatypes.OpLessThan, datatypes.OpLessEq:
			rule.Op = datatypes.CompareOp(s.Op)
		default:
			return zero, fmt.Errorf("unknown op %q", s.Op)
		}
		if rule.MetricPath == "" && rule.Dimension == "" {
			return zero, fmt.Errorf("missing metric_path")
		}
	}

	if rule.Cooldown, err = parseWindow(s.Cooldown, defaultCooldown); err != nil {
		return zero, fmt.Errorf("cooldown: %w", err)
	}
	if rule.EscalationWindow, err = parseWindow(s.EscalationWindow, defaultEscalationWindow); err != nil {
		return zero, fmt.Errorf("escalation_window: %w", err)
	}
	if rule.RecoveryWindow, err = parseWindow(s.RecoveryWindow, defaultRecoveryWindow); err != nil {
		return zero, fmt.Errorf("recovery_window: %w", err)
	}
	return rule, nil
}

func parseWindow(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}
