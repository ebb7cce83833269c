// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/fairlens-ai/fairlens/pkg/extensions"
	"github.com/fairlens-ai/fairlens/services/engine"
	"github.com/fairlens-ai/fairlens/services/engine/alerts"
	"github.com/fairlens-ai/fairlens/services/engine/handlers"
)

// actorHeader carries the acting principal for audit trails. The
// reverse proxy sets it from the authenticated identity.
const actorHeader = "X-Fairlens-Actor"

// ActorMiddleware copies the authenticated principal from the request
// header into the context for downstream audit logging.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := c.GetHeader(actorHeader); actor != "" {
			c.Request = c.Request.WithContext(
				extensions.ContextWithActor(c.Request.Context(), actor))
		}
		c.Next()
	}
}

// SetupRoutes registers the engine's API surface. alertFeed is the
// channel of an alerts.ChannelSink for the live dashboard; nil disables
// alert pushes over the websocket.
func SetupRoutes(router *gin.Engine, e *engine.Engine, alertFeed <-chan alerts.Event) {
	router.Use(otelgin.Middleware("fairlens-engine"))
	router.Use(ActorMiddleware())

	router.GET("/health", handlers.HealthCheck(e))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	exports := handlers.NewExportManager(e)

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/analyze", handlers.HandleAnalyze(e))
		v1.POST("/analyze/batch", handlers.HandleBatchAnalyze(e))
		v1.GET("/analyze/batch/:jobId", handlers.GetBatchJob(e))

		v1.GET("/dashboard", handlers.HandleDashboard(e))
		v1.GET("/dashboard/ws", handlers.HandleDashboardWebSocket(e, alertFeed))

		v1.POST("/export", exports.HandleExport())
		v1.GET("/export/:exportId", exports.GetExport())

		// Alert administration routes
		alertGroup := v1.Group("/alerts")
		{
			alertGroup.GET("", handlers.ListAlerts(e))
			alertGroup.POST("/:alertId/ack", handlers.AcknowledgeAlert(e))
		}
	}
}
