// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairlens-ai/fairlens/services/analysis"
	"github.com/fairlens-ai/fairlens/services/engine"
	"github.com/fairlens-ai/fairlens/services/engine/batch"
	"github.com/fairlens-ai/fairlens/services/engine/cache"
	"github.com/fairlens-ai/fairlens/services/engine/collector"
	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubClient scores every layer 0.4 unless down.
type stubClient struct {
	down bool
}

func (s *stubClient) AnalyzeLayer(ctx context.Context, req analysis.Request) (analysis.Response, error) {
	if s.down {
		return analysis.Response{}, &analysis.ServiceUnavailableError{Layer: req.Layer}
	}
	return analysis.Response{SchemaVersion: analysis.SchemaVersion, Score: 0.4, Confidence: 0.9}, nil
}

func (s *stubClient) Health(ctx context.Context) (analysis.ServiceHealth, error) {
	return analysis.ServiceHealth{Status: analysis.HealthHealthy}, nil
}

var _ analysis.Client = (*stubClient)(nil)

func newHandlerEngine(t *testing.T, client analysis.Client) *engine.Engine {
	t.Helper()
	bridge := analysis.NewBridge(client, analysis.BridgeConfig{
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	})
	coll := collector.New(collector.Config{FlushInterval: time.Hour}, nil, nil)
	c := cache.New(cache.Config{}, nil, nil)
	e, err := engine.New(engine.DefaultConfig(), bridge,
		engine.Components{Cache: c, Collector: coll},
		batch.Config{MaxConcurrency: 2, RetryBackoff: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func validSessionJSON(id string) []byte {
	session := datatypes.TherapeuticSession{
		SessionID:    id,
		Demographics: datatypes.Demographics{Gender: "female"},
		Turns: []datatypes.SessionTurn{
			{Speaker: "therapist", Content: "How was your week?"},
			{Speaker: "client", Content: "Better than the last one."},
		},
		Timestamp: time.Now(),
	}
	raw, _ := json.Marshal(session)
	return raw
}

func doRequest(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleAnalyzeSuccess(t *testing.T) {
	e := newHandlerEngine(t, &stubClient{})
	router := gin.New()
	router.POST("/v1/analyze", HandleAnalyze(e))

	w := doRequest(router, http.MethodPost, "/v1/analyze", validSessionJSON("s1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result datatypes.BiasAnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "s1", result.SessionID)
	assert.InDelta(t, 0.4, result.OverallScore, 1e-9)
	assert.False(t, result.Fallback)
}

func TestHandleAnalyzeFallbackIsStill200(t *testing.T) {
	e := newHandlerEngine(t, &stubClient{down: true})
	router := gin.New()
	router.POST("/v1/analyze", HandleAnalyze(e))

	w := doRequest(router, http.MethodPost, "/v1/analyze", validSessionJSON("s1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result datatypes.BiasAnalysisResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Fallback)
}

func TestHandleAnalyzeRejectsInvalidSession(t *testing.T) {
	e := newHandlerEngine(t, &stubClient{})
	router := gin.New()
	router.POST("/v1/analyze", HandleAnalyze(e))

	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("{nope")},
		{"missing session id", []byte(`{"turns":[{"speaker":"client","content":"hi"}]}`)},
		{"no content", []byte(`{"session_id":"s1","turns":[{"speaker":"client","content":"  "}]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodPost, "/v1/analyze", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	e := newHandlerEngine(t, &stubClient{})
	router := gin.New()
	router.POST("/v1/analyze/batch", HandleBatchAnalyze(e))
	router.GET("/v1/analyze/batch/:jobId", GetBatchJob(e))

	body, _ := json.Marshal(map[string]any{
		"sessions": []json.RawMessage{validSessionJSON("b1"), validSessionJSON("b2")},
		"priority": 3,
	})
	w := doRequest(router, http.MethodPost, "/v1/analyze/batch", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted struct {
		JobID     string `json:"job_id"`
		StatusURL string `json:"status_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.JobID)

	assert.Eventually(t, func() bool {
		w := doRequest(router, http.MethodGet, accepted.StatusURL, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var snap datatypes.JobSnapshot
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			return false
		}
		return snap.Status == datatypes.JobSucceeded && len(snap.Results) == 2
	}, 10*time.Second, 20*time.Millisecond)
}

func TestBatchRejectsEmptyAndUnknownJob(t *testing.T) {
	e := newHandlerEngine(t, &stubClient{})
	router := gin.New()
	router.POST("/v1/analyze/batch", HandleBatchAnalyze(e))
	router.GET("/v1/analyze/batch/:jobId", GetBatchJob(e))

	w := doRequest(router, http.MethodPost, "/v1/analyze/batch", []byte(`{"sessions":[]}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/v1/analyze/batch/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleDashboard(t *testing.T) {
	e := newHandlerEngine(t, &stubClient{})
	router := gin.New()
	router.POST("/v1/analyze", HandleAnalyze(e))
	router.GET("/v1/dashboard", HandleDashboard(e))

	w := doRequest(router, http.MethodPost, "/v1/analyze", validSessionJSON("s1"))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool {
		w := doRequest(router, http.MethodGet, "/v1/dashboard", nil)
		if w.Code != http.StatusOK {
			return false
		}
		var snap datatypes.DashboardSnapshot
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			return false
		}
		return snap.Overall.Count == 1
	}, 2*time.Second, 10*time.Millisecond)

	w = doRequest(router, http.MethodGet, "/v1/dashboard?from=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportJSONAndCSV(t *testing.T) {
	e := newHandlerEngine(t, &stubClient{})
	router := gin.New()
	router.POST("/v1/analyze", HandleAnalyze(e))
	exports := NewExportManager(e)
	router.POST("/v1/export", exports.HandleExport())

	w := doRequest(router, http.MethodPost, "/v1/analyze", validSessionJSON("s1"))
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/v1/export", []byte(`{"format":"json"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var snap datatypes.DashboardSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))

	w = doRequest(router, http.MethodPost, "/v1/export", []byte(`{"format":"csv"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rows, err := csv.NewReader(bytes.NewReader(w.Body.Bytes())).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, []string{"dimension", "group", "count", "mean", "variance", "min", "max"}, rows[0])
	assert.Equal(t, "overall", rows[1][0])

	w = doRequest(router, http.MethodPost, "/v1/export", []byte(`{"format":"xml"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportLargeWindowRunsInBackground(t *testing.T) {
	e := newHandlerEngine(t, &stubClient{})
	router := gin.New()
	exports := NewExportManager(e)
	router.POST("/v1/export", exports.HandleExport())
	router.GET("/v1/export/:exportId", exports.GetExport())

	body, _ := json.Marshal(ExportRequest{
		Format: "json",
		Filters: datatypes.DashboardFilters{
			From: time.Now().Add(-90 * 24 * time.Hour),
		},
	})
	w := doRequest(router, http.MethodPost, "/v1/export", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted struct {
		ExportID  string `json:"export_id"`
		StatusURL string `json:"status_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))

	assert.Eventually(t, func() bool {
		w := doRequest(router, http.MethodGet, accepted.StatusURL, nil)
		return w.Code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	w = doRequest(router, http.MethodGet, "/v1/export/no-such-export", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAlertsWithoutAlerting(t *testing.T) {
	e := newHandlerEngine(t, &stubClient{})
	router := gin.New()
	router.GET("/v1/alerts", ListAlerts(e))
	router.POST("/v1/alerts/:alertId/ack", AcknowledgeAlert(e))

	w := doRequest(router, http.MethodGet, "/v1/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/v1/alerts?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/v1/alerts/some-id/ack", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	e := newHandlerEngine(t, &stubClient{})
	router := gin.New()
	router.GET("/health", HealthCheck(e))

	w := doRequest(router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health engine.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "CLOSED", health.Breaker)
}
