// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fairlens-ai/fairlens/services/analysis"
	"github.com/fairlens-ai/fairlens/services/engine"
	"github.com/fairlens-ai/fairlens/services/engine/batch"
	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// BatchRequest is the body of POST /v1/analyze/batch.
type BatchRequest struct {
	Sessions []datatypes.TherapeuticSession `json:"sessions"`
	Priority int                            `json:"priority"`
}

// HandleAnalyze runs a single-session analysis synchronously.
//
// Malformed sessions get 400 with the rejection reason. A degraded
// analysis (fallback result) is still a 200; callers inspect the
// fallback flag.
func HandleAnalyze(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var session datatypes.TherapeuticSession
		if err := c.ShouldBindJSON(&session); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		result, err := e.AnalyzeSession(c.Request.Context(), &session)
		if err != nil {
			var invalid *analysis.InvalidSessionError
			switch {
			case errors.As(err, &invalid):
				c.JSON(http.StatusBadRequest, gin.H{
					"error":      "invalid session",
					"session_id": invalid.SessionID,
					"reason":     invalid.Reason,
				})
			case errors.Is(err, engine.ErrClosed):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine is shutting down"})
			default:
				slog.Error("session analysis failed", "session_id", session.SessionID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed"})
			}
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// HandleBatchAnalyze enqueues a background batch job and returns its
// handle with 202.
func HandleBatchAnalyze(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if len(req.Sessions) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sessions must not be empty"})
			return
		}

		job, err := e.AnalyzeBatch(c.Request.Context(), req.Sessions, req.Priority)
		if err != nil {
			switch {
			case errors.Is(err, batch.ErrQueueFull):
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "batch queue is full, retry later"})
			case errors.Is(err, engine.ErrClosed), errors.Is(err, batch.ErrClosed):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine is shutting down"})
			default:
				slog.Error("batch enqueue failed", "sessions", len(req.Sessions), "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue batch"})
			}
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":     job.ID,
			"status":     job.Status(),
			"status_url": "/v1/analyze/batch/" + job.ID,
		})
	}
}

// GetBatchJob returns a snapshot of a batch job for polling.
func GetBatchJob(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("jobId")
		job, err := e.BatchJob(id)
		if err != nil {
			if errors.Is(err, batch.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "job_id": id})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up job"})
			return
		}
		c.JSON(http.StatusOK, job.Snapshot())
	}
}
