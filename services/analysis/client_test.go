// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
	"github.com/fairlens-ai/fairlens/services/engine/pool"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	pools := pool.NewManager(pool.Config{MaxConnections: 2},
		NewConnFactory(server.URL, 5*time.Second))
	t.Cleanup(pools.Close)
	return NewHTTPClient(pools, server.URL, 0)
}

func layerRequest() Request {
	return Request{
		SessionID: "s1",
		Layer:     datatypes.LayerModel,
		SessionData: datatypes.TherapeuticSession{
			SessionID: "s1",
			Turns:     []datatypes.SessionTurn{{Speaker: "client", Content: "hello"}},
		},
	}
}

func TestAnalyzeLayerRoundTrip(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/analyze", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, SchemaVersion, req.SchemaVersion)
		assert.Equal(t, datatypes.LayerModel, req.Layer)

		json.NewEncoder(w).Encode(Response{
			SchemaVersion: SchemaVersion,
			Score:         0.72,
			Confidence:    0.9,
			Notes:         "elevated sentiment disparity",
		})
	}))

	resp, err := client.AnalyzeLayer(context.Background(), layerRequest())
	require.NoError(t, err)
	assert.InDelta(t, 0.72, resp.Score, 1e-9)
	assert.Equal(t, "elevated sentiment disparity", resp.Notes)
}

func TestAnalyzeLayerRejectsOutOfContractResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"wrong schema version", `{"schema_version":"v99","score":0.5}`},
		{"score above one", `{"schema_version":"v1","score":1.7}`},
		{"negative score", `{"schema_version":"v1","score":-0.1}`},
		{"not json", `<html>proxy error</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))

			_, err := client.AnalyzeLayer(context.Background(), layerRequest())
			var unavailable *ServiceUnavailableError
			require.ErrorAs(t, err, &unavailable)
			assert.Equal(t, datatypes.LayerModel, unavailable.Layer)
		})
	}
}

func TestAnalyzeLayer4xxBecomesInvalidSession(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "transcript too short", http.StatusUnprocessableEntity)
	}))

	_, err := client.AnalyzeLayer(context.Background(), layerRequest())
	var invalid *InvalidSessionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "s1", invalid.SessionID)
	assert.Contains(t, invalid.Reason, "422")
}

func TestAnalyzeLayer5xxIsTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream crashed", http.StatusBadGateway)
	}))

	_, err := client.AnalyzeLayer(context.Background(), layerRequest())
	require.Error(t, err)
	var invalid *InvalidSessionError
	assert.False(t, errors.As(err, &invalid), "5xx must stay retryable")
	assert.Contains(t, err.Error(), "502")
}

func TestHealthReportsLatencyAndStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(ServiceHealth{Status: HealthHealthy})
	}))

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health.Status)
	assert.GreaterOrEqual(t, health.LatencyMs, int64(0))
}

func TestHealthDownWhenUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // dead endpoint

	pools := pool.NewManager(pool.Config{MaxConnections: 1},
		NewConnFactory(server.URL, time.Second))
	defer pools.Close()
	client := NewHTTPClient(pools, server.URL, 0)

	health, err := client.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, HealthDown, health.Status)
}
