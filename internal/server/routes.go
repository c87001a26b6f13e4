// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// SetupRoutes registers all HTTP routes on router.
func SetupRoutes(router *gin.Engine, s *Server) {
	router.GET("/health", s.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(otelgin.Middleware("teamsync"))
	{
		teams := v1.Group("/teams")
		{
			teams.GET("/:teamID/ws", s.HandleSync)
			teams.GET("/:teamID/state", s.GetTeamState)
			teams.GET("/:teamID/log", s.ExportTeamLog)
		}
	}
}
