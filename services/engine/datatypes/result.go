// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Layer identifies one of the four independent analysis passes.
type Layer string

const (
	// LayerPreprocessing scores bias introduced during data preparation.
	LayerPreprocessing Layer = "preprocessing"

	// LayerModel scores model-level bias.
	LayerModel Layer = "model"

	// LayerInteractive scores bias in the live interaction.
	LayerInteractive Layer = "interactive"

	// LayerEvaluation scores bias in outcome evaluation.
	LayerEvaluation Layer = "evaluation"
)

// AllLayers returns the four analysis layers in canonical order.
func AllLayers() []Layer {
	return []Layer{LayerPreprocessing, LayerModel, LayerInteractive, LayerEvaluation}
}

// LayerResult is the outcome of a single analysis layer.
type LayerResult struct {
	// Layer that produced this result.
	Layer Layer `json:"layer"`

	// Score is the bias score in [0, 1]. Higher is worse.
	Score float64 `json:"score"`

	// Confidence is the analysis service's confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Notes is free-text commentary from the analysis service.
	Notes string `json:"notes,omitempty"`

	// Degraded marks a layer whose analysis could not be completed;
	// the score is a configured neutral placeholder.
	Degraded bool `json:"degraded,omitempty"`
}

// BiasAnalysisResult is the immutable output of one session analysis.
//
// # Invariants
//
//   - OverallScore is the configured weighted sum of the four layer
//     scores, clamped to [0, 1].
//   - All four layers are always present; degraded layers carry the
//     neutral placeholder score.
//   - Created once per analysis and cached by SessionID with a TTL.
type BiasAnalysisResult struct {
	// SessionID of the source session.
	SessionID string `json:"session_id"`

	// Layers holds the per-layer results, keyed by layer name.
	Layers map[Layer]LayerResult `json:"layers"`

	// OverallScore is the weighted combination of layer scores in [0, 1].
	OverallScore float64 `json:"overall_score"`

	// Confidence is the minimum layer confidence; a low value flags
	// results the dashboard should render with a caveat.
	Confidence float64 `json:"confidence"`

	// Fallback is true when the external analysis service was unreachable
	// for every layer and the result was synthesized locally.
	Fallback bool `json:"fallback"`

	// Demographics echoes the session's demographic attributes so the
	// metrics collector can slice without re-reading the session.
	Demographics Demographics `json:"demographics"`

	// AnalyzedAt is when the analysis completed.
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// DegradedLayers returns how many layers carry placeholder scores.
func (r *BiasAnalysisResult) DegradedLayers() int {
	n := 0
	for _, lr := range r.Layers {
		if lr.Degraded {
			n++
		}
	}
	return n
}
