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
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fairlens-ai/fairlens/pkg/extensions"
	"github.com/fairlens-ai/fairlens/services/engine"
	"github.com/fairlens-ai/fairlens/services/engine/alerts"
	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// ListAlerts returns alert records, optionally filtered by state via
// the ?state=open|acknowledged|resolved query parameter.
func ListAlerts(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var state datatypes.AlertState
		if raw := c.Query("state"); raw != "" {
			switch strings.ToUpper(raw) {
			case string(datatypes.AlertOpen):
				state = datatypes.AlertOpen
			case string(datatypes.AlertAcknowledged):
				state = datatypes.AlertAcknowledged
			case string(datatypes.AlertResolved):
				state = datatypes.AlertResolved
			default:
				c.JSON(http.StatusBadRequest,
					gin.H{"error": "state must be open, acknowledged or resolved"})
				return
			}
		}

		system := e.Alerts()
		if system == nil {
			c.JSON(http.StatusOK, gin.H{"alerts": []any{}})
			return
		}

		records, err := system.List(c.Request.Context(), state)
		if err != nil {
			slog.Error("alert listing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alerts": records, "suppressed": system.Suppressed()})
	}
}

// AcknowledgeAlert marks an open alert as acknowledged by the calling
// operator, stopping further escalation.
func AcknowledgeAlert(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		system := e.Alerts()
		if system == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "alerting is not configured"})
			return
		}

		id := c.Param("alertId")
		actor := extensions.ActorFromContext(c.Request.Context())
		record, err := system.Acknowledge(c.Request.Context(), id, actor)
		if err != nil {
			if errors.Is(err, alerts.ErrAlertNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "alert not found", "alert_id": id})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "alert_id": id})
			return
		}
		c.JSON(http.StatusOK, record)
	}
}
