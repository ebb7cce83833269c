// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis is the typed client to the external multi-layer
// fairness analysis service.
//
// The external service runs the actual fairness-metric algorithms and is
// treated as an opaque, possibly-unavailable dependency. This package
// owns the wire contract (strictly typed, schema-versioned), retries
// with backoff, circuit breaking, and fallback synthesis when the
// service cannot be reached.
package analysis

import (
	"fmt"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// SchemaVersion is the wire contract version this client speaks.
// Responses carrying a different version are rejected as unavailable
// rather than parsed best-effort.
const SchemaVersion = "v1"

// Request is one layer-analysis request to the external service.
type Request struct {
	SchemaVersion string                       `json:"schema_version"`
	SessionID     string                       `json:"session_id"`
	Layer         datatypes.Layer              `json:"layer"`
	SessionData   datatypes.TherapeuticSession `json:"session_data"`
}

// Response is the external service's answer for one layer.
type Response struct {
	SchemaVersion string  `json:"schema_version"`
	Score         float64 `json:"score"`
	Confidence    float64 `json:"confidence"`
	Notes         string  `json:"notes"`
}

// valid rejects responses outside the contract: wrong schema version or
// scores outside [0, 1].
func (r *Response) valid() bool {
	if r.SchemaVersion != "" && r.SchemaVersion != SchemaVersion {
		return false
	}
	return r.Score >= 0 && r.Score <= 1
}

// HealthStatus is the external service's self-reported status.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// ServiceHealth is the result of a liveness probe.
type ServiceHealth struct {
	Status    HealthStatus `json:"status"`
	LatencyMs int64        `json:"latency_ms"`
}

// ServiceUnavailableError marks a layer call that failed after retries,
// or a response outside the typed contract. The engine absorbs it into a
// fallback result; it never reaches an API caller.
type ServiceUnavailableError struct {
	Layer datatypes.Layer
	Err   error
}

// Error implements the error interface.
func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("analysis service unavailable for layer %q: %v", e.Layer, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// InvalidSessionError marks a request the service rejected as malformed
// (4xx). Never retried.
type InvalidSessionError struct {
	SessionID string
	Reason    string
}

// Error implements the error interface.
func (e *InvalidSessionError) Error() string {
	return fmt.Sprintf("invalid session %q: %s", e.SessionID, e.Reason)
}
