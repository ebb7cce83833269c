// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent captures one access to a protected resource.
//
// # Compliance Fields
//
// For HIPAA audit trails, always populate Actor, Resource, Action and
// Timestamp. Outcome distinguishes permitted from denied access.
type AuditEvent struct {
	// Timestamp is when the access occurred (UTC). Implementations set
	// it to time.Now().UTC() when zero.
	Timestamp time.Time

	// Actor identifies who performed the action. Use "system" for
	// automated actions, "anonymous" if unknown.
	Actor string

	// Resource is what was accessed, e.g. "session:sess-123" or
	// "dashboard".
	Resource string

	// Action is the operation attempted: "analyze", "read", "export",
	// "acknowledge".
	Action string

	// Outcome is "success", "failure" or "blocked".
	Outcome string

	// Metadata holds event-specific details. Never put transcript
	// content or other PHI here; log identifiers only.
	Metadata map[string]any
}

// AuditLogger is the compliance logging extension point.
//
// Implementations must be safe for concurrent use and must not block the
// request path: buffer internally and flush asynchronously.
type AuditLogger interface {
	// LogAccess records one access event. Errors are logged by the
	// caller but never fail the underlying operation.
	LogAccess(ctx context.Context, event AuditEvent) error
}

// NoopAuditLogger discards all events. Used when auditing is disabled.
type NoopAuditLogger struct{}

// LogAccess implements AuditLogger.
func (NoopAuditLogger) LogAccess(ctx context.Context, event AuditEvent) error {
	return nil
}

// SlogAuditLogger writes audit events to the process log. Suitable for
// development and for deployments whose log pipeline is itself the
// system of record.
type SlogAuditLogger struct {
	Logger *slog.Logger
}

// LogAccess implements AuditLogger.
func (l SlogAuditLogger) LogAccess(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit",
		"actor", event.Actor,
		"resource", event.Resource,
		"action", event.Action,
		"outcome", event.Outcome,
		"at", event.Timestamp,
	)
	return nil
}

var _ AuditLogger = NoopAuditLogger{}
var _ AuditLogger = SlogAuditLogger{}

type actorContextKey struct{}

// ContextWithActor stores the acting principal for downstream audit
// logging. HTTP middleware sets it from the authenticated identity.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the acting principal, or "anonymous" when
// none was set.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorContextKey{}).(string); ok && actor != "" {
		return actor
	}
	return "anonymous"
}
