// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers holds the gin HTTP handlers for the bias detection
// engine's API surface.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fairlens-ai/fairlens/services/engine"
)

// HealthCheck reports aggregate engine health. Degraded states are
// still 200 so load balancers keep routing; the body carries detail.
func HealthCheck(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, e.Health(c.Request.Context()))
	}
}
