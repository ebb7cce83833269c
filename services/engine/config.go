// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// weightTolerance is how far the layer weight sum may drift from 1.
const weightTolerance = 1e-6

// SeverityThresholds map an overall bias score to a severity class.
// Values must be strictly increasing: Low < Medium < High < Critical.
type SeverityThresholds struct {
	Low      float64 `yaml:"low" json:"low" validate:"gte=0,lte=1"`
	Medium   float64 `yaml:"medium" json:"medium" validate:"gte=0,lte=1"`
	High     float64 `yaml:"high" json:"high" validate:"gte=0,lte=1"`
	Critical float64 `yaml:"critical" json:"critical" validate:"gte=0,lte=1"`
}

// SeverityFor classifies a score. Scores below Low are unclassified
// (no concern).
func (t SeverityThresholds) SeverityFor(score float64) (datatypes.AlertSeverity, bool) {
	switch {
	case score >= t.Critical:
		return datatypes.SeverityCritical, true
	case score >= t.High:
		return datatypes.SeverityHigh, true
	case score >= t.Medium:
		return datatypes.SeverityMedium, true
	case score >= t.Low:
		return datatypes.SeverityLow, true
	default:
		return 0, false
	}
}

// Config is the engine's top-level configuration.
type Config struct {
	// Weights combine the four layer scores into the overall score.
	// Must cover every layer and sum to 1 within a small tolerance.
	Weights map[datatypes.Layer]float64 `yaml:"weights" json:"weights"`

	// Thresholds classify overall scores into severity bands.
	Thresholds SeverityThresholds `yaml:"thresholds" json:"thresholds"`

	// ResultTTL is how long analysis results stay cached. Default: 1h.
	ResultTTL time.Duration `yaml:"result_ttl" json:"result_ttl"`

	// AnalysisTimeout bounds one full session analysis. Default: 30s.
	AnalysisTimeout time.Duration `yaml:"analysis_timeout" json:"analysis_timeout"`

	// EventBuffer sizes the internal result fan-out channel. Default: 256.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`

	// ShutdownGrace bounds draining on Close. Default: 15s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// DefaultConfig returns production defaults: equal layer weights and
// conventional severity bands.
func DefaultConfig() Config {
	return Config{
		Weights: map[datatypes.Layer]float64{
			datatypes.LayerPreprocessing: 0.25,
			datatypes.LayerModel:         0.25,
			datatypes.LayerInteractive:   0.25,
			datatypes.LayerEvaluation:    0.25,
		},
		Thresholds: SeverityThresholds{
			Low:      0.25,
			Medium:   0.50,
			High:     0.75,
			Critical: 0.90,
		},
		ResultTTL:       time.Hour,
		AnalysisTimeout: 30 * time.Second,
		EventBuffer:     256,
		ShutdownGrace:   15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Weights) == 0 {
		c.Weights = d.Weights
	}
	if c.Thresholds == (SeverityThresholds{}) {
		c.Thresholds = d.Thresholds
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = d.ResultTTL
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = d.AnalysisTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

// Validate checks structural and cross-field constraints, returning
// *ConfigurationError on the first violation.
func (c Config) Validate() error {
	if err := validator.New().Struct(c.Thresholds); err != nil {
		return &ConfigurationError{Field: "thresholds", Reason: err.Error()}
	}

	var sum float64
	for _, layer := range datatypes.AllLayers() {
		weight, ok := c.Weights[layer]
		if !ok {
			return &ConfigurationError{
				Field:  "weights",
				Reason: fmt.Sprintf("missing weight for layer %s", layer),
			}
		}
		if weight < 0 || weight > 1 {
			return &ConfigurationError{
				Field:  fmt.Sprintf("weights.%s", layer),
				Reason: fmt.Sprintf("weight %v outside [0, 1]", weight),
			}
		}
		sum += weight
	}
	for layer := range c.Weights {
		switch layer {
		case datatypes.LayerPreprocessing, datatypes.LayerModel,
			datatypes.LayerInteractive, datatypes.LayerEvaluation:
		default:
			return &ConfigurationError{
				Field:  "weights",
				Reason: fmt.Sprintf("unknown layer %q", layer),
			}
		}
	}
	if math.Abs(sum-1) > weightTolerance {
		return &ConfigurationError{
			Field:  "weights",
			Reason: fmt.Sprintf("weights sum to %v, want 1", sum),
		}
	}

	t := c.Thresholds
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return &ConfigurationError{
			Field:  "thresholds",
			Reason: "severity thresholds must be strictly increasing",
		}
	}
	return nil
}
