// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the dependency-injection points of the bias
// detection engine.
//
// The open source build wires no-op implementations; deployments subject
// to HIPAA or institutional audit requirements inject their own
// AuditLogger at construction time. Nothing in this package is a
// process-wide singleton: options are passed explicitly so that multiple
// engine instances can coexist in one process (and in tests).
package extensions

// ServiceOptions carries optional implementations injected into the
// engine at construction time.
//
// A nil *ServiceOptions is equivalent to DefaultOptions().
type ServiceOptions struct {
	// AuditLogger receives access events for compliance logging.
	// Default: NoopAuditLogger.
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuditLogger: NoopAuditLogger{},
	}
}

// Normalize fills nil fields with the no-op defaults.
func (o ServiceOptions) Normalize() ServiceOptions {
	if o.AuditLogger == nil {
		o.AuditLogger = NoopAuditLogger{}
	}
	return o
}
