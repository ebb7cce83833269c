// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared data model for the bias detection
// engine: therapeutic sessions, per-layer analysis results, alerts, batch
// jobs, and dashboard snapshots.
//
// All types in this package are plain data. Sessions and analysis results
// are immutable once submitted/created; mutable entities (Alert, BatchJob)
// carry their own synchronization.
package datatypes

import (
	"strings"
	"time"
)

// Demographics holds the optional demographic attributes of a session
// participant. Every field may be empty; empty dimensions are excluded
// from demographic aggregation.
type Demographics struct {
	// AgeBracket is a coarse bucket such as "18-24" or "65+".
	AgeBracket string `json:"age_bracket,omitempty"`

	// Gender as self-reported by the participant.
	Gender string `json:"gender,omitempty"`

	// Ethnicity as self-reported by the participant.
	Ethnicity string `json:"ethnicity,omitempty"`
}

// Dimension names used for demographic slicing. These are the keys under
// which the metrics collector aggregates per-group statistics.
const (
	DimensionAge       = "age_bracket"
	DimensionGender    = "gender"
	DimensionEthnicity = "ethnicity"
)

// Slices returns the populated (dimension, group) pairs for aggregation.
// Empty attributes are skipped.
func (d Demographics) Slices() map[string]string {
	out := make(map[string]string, 3)
	if d.AgeBracket != "" {
		out[DimensionAge] = d.AgeBracket
	}
	if d.Gender != "" {
		out[DimensionGender] = d.Gender
	}
	if d.Ethnicity != "" {
		out[DimensionEthnicity] = d.Ethnicity
	}
	return out
}

// SessionTurn is a single utterance in a therapeutic conversation.
type SessionTurn struct {
	// Speaker identifies the role, e.g. "therapist" or "client".
	Speaker string `json:"speaker" validate:"required"`

	// Content is the utterance text.
	Content string `json:"content"`

	// Timestamp is when the turn occurred. Optional.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// TherapeuticSession is the input unit of analysis.
//
// # Description
//
// A session is immutable once submitted for analysis. The engine validates
// that at least one turn carries non-empty content before accepting it.
//
// # Thread Safety
//
// Safe for concurrent reads. Never mutated after submission.
type TherapeuticSession struct {
	// SessionID uniquely identifies the session. Used as the cache key
	// for analysis results.
	SessionID string `json:"session_id" validate:"required"`

	// Demographics are the participant's optional demographic attributes.
	Demographics Demographics `json:"demographics"`

	// Turns is the conversation transcript as structured turns.
	Turns []SessionTurn `json:"turns" validate:"required,dive"`

	// Timestamp is when the session took place.
	Timestamp time.Time `json:"timestamp"`
}

// HasContent reports whether the session carries at least one turn with
// non-whitespace content. Sessions without content are rejected as invalid.
func (s *TherapeuticSession) HasContent() bool {
	for _, t := range s.Turns {
		if strings.TrimSpace(t.Content) != "" {
			return true
		}
	}
	return false
}
