// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// SliceStats holds aggregate score statistics for one slice (the whole
// population, one layer, or one demographic group) over a time window.
// This is the DemographicBreakdown value object: always recomputed from
// raw results, never a source of truth.
type SliceStats struct {
	Count    int64   `json:"count"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// DashboardFilters narrows a dashboard query.
type DashboardFilters struct {
	// From/To bound the time window. Zero values mean unbounded.
	From time.Time `json:"from,omitzero" form:"from"`
	To   time.Time `json:"to,omitzero" form:"to"`

	// Dimension restricts the demographic breakdown to one dimension
	// (age_bracket, gender, ethnicity). Empty returns all dimensions.
	Dimension string `json:"dimension,omitempty" form:"dimension"`

	// Group restricts to a single demographic group within Dimension.
	Group string `json:"group,omitempty" form:"group"`
}

// DashboardSnapshot is the aggregated view returned to dashboard queries.
//
// Snapshots merge buffered (not yet flushed) aggregates with stored
// history, so they are never stale by more than the flush interval.
type DashboardSnapshot struct {
	GeneratedAt time.Time `json:"generated_at"`

	// Overall aggregates across all sessions in the window.
	Overall SliceStats `json:"overall"`

	// PerLayer aggregates keyed by analysis layer.
	PerLayer map[Layer]SliceStats `json:"per_layer"`

	// PerDemographic aggregates keyed by dimension then group.
	PerDemographic map[string]map[string]SliceStats `json:"per_demographic"`

	// FallbackCount is how many results in the window were synthesized
	// locally because the analysis service was unreachable.
	FallbackCount int64 `json:"fallback_count"`

	// Degraded is true while the collector runs in memory-only mode
	// because the shared store is unavailable.
	Degraded bool `json:"degraded"`
}
