// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dagrun

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/dagrun/services/dagrun/telemetry"
)

// NewRouter returns a gin engine with tracing middleware and every route.
func NewRouter(svc *Service, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	SetupRoutes(router, svc)
	return router
}

// SetupRoutes registers the dagrun API on router. /metrics is registered
// only when telemetry.Init has installed the Prometheus exporter.
func SetupRoutes(router *gin.Engine, svc *Service) {
	router.GET("/health", HealthCheck)
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	v1 := router.Group("/v1/dagrun")
	{
		v1.POST("/validate", HandleValidate(svc))

		runs := v1.Group("/runs")
		{
			runs.POST("", HandleSubmitRun(svc))
			runs.GET("", HandleListRuns(svc))
			runs.GET("/:id", HandleGetRun(svc))
			runs.GET("/:id/events", HandleRunEvents(svc))
		}
	}
}
