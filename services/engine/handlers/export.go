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
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fairlens-ai/fairlens/services/engine"
	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// largeExportWindow is the time range above which an export runs as a
// background job instead of blocking the request.
const largeExportWindow = 30 * 24 * time.Hour

// exportRetention is how long finished export artifacts stay fetchable.
const exportRetention = 15 * time.Minute

// ExportRequest is the body of POST /v1/export.
type ExportRequest struct {
	Format  string                     `json:"format"`
	Filters datatypes.DashboardFilters `json:"filters"`

	// Async forces background processing even for small windows.
	Async bool `json:"async"`
}

type exportStatus string

const (
	exportRunning exportStatus = "RUNNING"
	exportDone    exportStatus = "DONE"
	exportFailed  exportStatus = "FAILED"
)

type exportJob struct {
	id          string
	status      exportStatus
	contentType string
	filename    string
	data        []byte
	err         string
	createdAt   time.Time
}

// ExportManager renders dashboard aggregates as JSON or CSV. Small
// windows are served inline; large ones become pollable background jobs.
type ExportManager struct {
	engine *engine.Engine

	mu   sync.Mutex
	jobs map[string]*exportJob
}

// NewExportManager creates the manager backing the /v1/export routes.
func NewExportManager(e *engine.Engine) *ExportManager {
	return &ExportManager{engine: e, jobs: make(map[string]*exportJob)}
}

// HandleExport serves POST /v1/export.
func (m *ExportManager) HandleExport() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if req.Format != "json" && req.Format != "csv" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json or csv"})
			return
		}

		if req.Async || m.isLargeWindow(req.Filters) {
			job := m.startJob(req)
			c.JSON(http.StatusAccepted, gin.H{
				"export_id":  job.id,
				"status":     job.status,
				"status_url": "/v1/export/" + job.id,
			})
			return
		}

		data, contentType, filename, err := m.render(c.Request.Context(), req)
		if err != nil {
			slog.Error("export failed", "format", req.Format, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		c.Header("Content-Disposition", "attachment; filename="+filename)
		c.Data(http.StatusOK, contentType, data)
	}
}

// GetExport serves GET /v1/export/:exportId for background exports.
func (m *ExportManager) GetExport() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("exportId")
		m.mu.Lock()
		job, ok := m.jobs[id]
		if ok {
			job = &exportJob{
				id: job.id, status: job.status, contentType: job.contentType,
				filename: job.filename, data: job.data, err: job.err,
			}
		}
		m.mu.Unlock()

		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "export not found", "export_id": id})
			return
		}
		switch job.status {
		case exportRunning:
			c.JSON(http.StatusAccepted, gin.H{"export_id": id, "status": job.status})
		case exportFailed:
			c.JSON(http.StatusInternalServerError, gin.H{
				"export_id": id, "status": job.status, "error": job.err,
			})
		default:
			c.Header("Content-Disposition", "attachment; filename="+job.filename)
			c.Data(http.StatusOK, job.contentType, job.data)
		}
	}
}

func (m *ExportManager) isLargeWindow(filters datatypes.DashboardFilters) bool {
	if filters.From.IsZero() {
		return false
	}
	to := filters.To
	if to.IsZero() {
		to = time.Now()
	}
	return to.Sub(filters.From) > largeExportWindow
}

func (m *ExportManager) startJob(req ExportRequest) *exportJob {
	job := &exportJob{
		id:        uuid.New().String(),
		status:    exportRunning,
		createdAt: time.Now(),
	}
	m.mu.Lock()
	m.jobs[job.id] = job
	m.pruneLocked()
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		data, contentType, filename, err := m.render(ctx, req)

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			job.status = exportFailed
			job.err = err.Error()
			slog.Error("background export failed", "export_id", job.id, "error", err)
			return
		}
		job.status = exportDone
		job.contentType = contentType
		job.filename = filename
		job.data = data
	}()
	return job
}

// pruneLocked drops finished artifacts past retention. Caller holds mu.
func (m *ExportManager) pruneLocked() {
	cutoff := time.Now().Add(-exportRetention)
	for id, job := range m.jobs {
		if job.status != exportRunning && job.createdAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}

func (m *ExportManager) render(ctx context.Context, req ExportRequest) ([]byte, string, string, error) {
	snapshot, err := m.engine.DashboardData(ctx, req.Filters)
	if err != nil {
		return nil, "", "", fmt.Errorf("building export snapshot: %w", err)
	}

	stamp := snapshot.GeneratedAt.UTC().Format("20060102T150405Z")
	if req.Format == "json" {
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return nil, "", "", err
		}
		return data, "application/json", "bias-export-" + stamp + ".json", nil
	}

	data, err := renderCSV(snapshot)
	if err != nil {
		return nil, "", "", err
	}
	return data, "text/csv", "bias-export-" + stamp + ".csv", nil
}

// renderCSV flattens a snapshot into one row per slice.
func renderCSV(snapshot *datatypes.DashboardSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"dimension", "group", "count", "mean", "variance", "min", "max"}); err != nil {
		return nil, err
	}
	writeRow := func(dimension, group string, s datatypes.SliceStats) error {
		return w.Write([]string{
			dimension,
			group,
			strconv.FormatInt(s.Count, 10),
			strconv.FormatFloat(s.Mean, 'f', 6, 64),
			strconv.FormatFloat(s.Variance, 'f', 6, 64),
			strconv.FormatFloat(s.Min, 'f', 6, 64),
			strconv.FormatFloat(s.Max, 'f', 6, 64),
		})
	}

	if err := writeRow("overall", "all", snapshot.Overall); err != nil {
		return nil, err
	}
	for _, layer := range datatypes.AllLayers() {
		if s, ok := snapshot.PerLayer[layer]; ok {
			if err := writeRow("layer", string(layer), s); err != nil {
				return nil, err
			}
		}
	}
	dimensions := make([]string, 0, len(snapshot.PerDemographic))
	for dimension := range snapshot.PerDemographic {
		dimensions = append(dimensions, dimension)
	}
	sort.Strings(dimensions)
	for _, dimension := range dimensions {
		groups := make([]string, 0, len(snapshot.PerDemographic[dimension]))
		for group := range snapshot.PerDemographic[dimension] {
			groups = append(groups, group)
		}
		sort.Strings(groups)
		for _, group := range groups {
			if err := writeRow(dimension, group, snapshot.PerDemographic[dimension][group]); err != nil {
				return nil, err
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
