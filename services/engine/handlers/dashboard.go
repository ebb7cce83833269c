// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fairlens-ai/fairlens/services/engine"
	"github.com/fairlens-ai/fairlens/services/engine/alerts"
	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// dashboardPushInterval is how often the live websocket pushes a fresh
// snapshot to connected dashboards.
const dashboardPushInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleDashboard returns the aggregated dashboard snapshot. Filters
// come from query parameters: from, to (RFC 3339), dimension, group.
func HandleDashboard(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		filters, err := bindDashboardFilters(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		snapshot, err := e.DashboardData(c.Request.Context(), filters)
		if err != nil {
			slog.Error("dashboard query failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build dashboard"})
			return
		}
		c.JSON(http.StatusOK, snapshot)
	}
}

// wsMessage is one frame on the live dashboard socket.
type wsMessage struct {
	Type     string                       `json:"type"`
	Snapshot *datatypes.DashboardSnapshot `json:"snapshot,omitempty"`
	Alert    *datatypes.Alert             `json:"alert,omitempty"`
	Event    string                       `json:"event,omitempty"`
}

// HandleDashboardWebSocket streams live dashboard updates: an initial
// snapshot on connect, a refresh on every push interval, and alert
// lifecycle events as they happen. alertEvents is usually the channel
// of an alerts.ChannelSink; nil disables the alert feed.
func HandleDashboardWebSocket(e *engine.Engine, alertEvents <-chan alerts.Event) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade dashboard websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("dashboard websocket connected", "remote", ws.RemoteAddr())

		// Reader goroutine: we never expect client frames, but reading
		// is how gorilla surfaces close frames and dead peers.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if !pushSnapshot(c, e, ws) {
			return
		}
		ticker := time.NewTicker(dashboardPushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				slog.Info("dashboard websocket disconnected", "remote", ws.RemoteAddr())
				return
			case <-ticker.C:
				if !pushSnapshot(c, e, ws) {
					return
				}
			case ev, ok := <-alertEvents:
				if !ok {
					alertEvents = nil
					continue
				}
				msg := wsMessage{Type: "alert", Alert: &ev.Alert, Event: string(ev.Type)}
				if err := ws.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}
}

func pushSnapshot(c *gin.Context, e *engine.Engine, ws *websocket.Conn) bool {
	snapshot, err := e.DashboardData(c.Request.Context(), datatypes.DashboardFilters{})
	if err != nil {
		slog.Warn("dashboard websocket snapshot failed", "error", err)
		return false
	}
	if err := ws.WriteJSON(wsMessage{Type: "snapshot", Snapshot: snapshot}); err != nil {
		return false
	}
	return true
}

func bindDashboardFilters(c *gin.Context) (datatypes.DashboardFilters, error) {
	var filters datatypes.DashboardFilters
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, &filterError{"from", raw}
		}
		filters.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, &filterError{"to", raw}
		}
		filters.To = t
	}
	filters.Dimension = c.Query("dimension")
	filters.Group = c.Query("group")
	return filters, nil
}

type filterError struct {
	field string
	value string
}

func (e *filterError) Error() string {
	return "invalid " + e.field + " value " + e.value + ", want RFC 3339 timestamp"
}
