// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFillsNilFields(t *testing.T) {
	opts := ServiceOptions{}.Normalize()
	require.NotNil(t, opts.AuditLogger)
	assert.IsType(t, NoopAuditLogger{}, opts.AuditLogger)

	custom := SlogAuditLogger{}
	opts = ServiceOptions{AuditLogger: custom}.Normalize()
	assert.Equal(t, custom, opts.AuditLogger)
}

func TestActorContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "anonymous", ActorFromContext(ctx))

	ctx = ContextWithActor(ctx, "dr-osei")
	assert.Equal(t, "dr-osei", ActorFromContext(ctx))

	assert.Equal(t, "anonymous", ActorFromContext(ContextWithActor(context.Background(), "")))
}

func TestSlogAuditLoggerFillsTimestamp(t *testing.T) {
	logger := SlogAuditLogger{}
	err := logger.LogAccess(context.Background(), AuditEvent{
		Actor:    "system",
		Resource: "session:s1",
		Action:   "analyze",
		Outcome:  "success",
	})
	assert.NoError(t, err)
}
