// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers all hub routes with the router group.
//
// Trigger Endpoints:
//
//	POST /v1/hub/sources/:name/upload  - Start an upload for a source
//	POST /v1/hub/builds/:name/build    - Start a merged build
//	POST /v1/hub/builds/:name/publish  - Diff and publish the latest build
//	POST /v1/hub/builds/:name/rollback - Swap back to the previous release
//
// Inspection Endpoints:
//
//	GET  /v1/hub/jobs                  - List jobs (filter by query params)
//	GET  /v1/hub/jobs/:id              - Get one job
//	GET  /v1/hub/jobs/:id/log          - Get a job's transition log
//	GET  /v1/hub/sources/:name         - Last successful upload for a source
//	GET  /v1/hub/builds/:name          - All recorded versions of a build
//	GET  /v1/hub/builds/:name/releases - Release history and live pointer
//	GET  /v1/hub/builds/:name/diff/:version - Stored change-set for a version
//
// Health Endpoints:
//
//	GET  /v1/hub/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	hub := rg.Group("/hub")
	{
		// Triggers
		hub.POST("/sources/:name/upload", h.HandleUploadTrigger())
		hub.POST("/builds/:name/build", h.HandleBuildTrigger())
		hub.POST("/builds/:name/publish", h.HandlePublishTrigger())
		hub.POST("/builds/:name/rollback", h.HandleRollback())

		// Inspection
		hub.GET("/jobs", h.HandleListJobs())
		hub.GET("/jobs/:id", h.HandleGetJob())
		hub.GET("/jobs/:id/log", h.HandleJobLog())
		hub.GET("/sources/:name", h.HandleSourceStatus())
		hub.GET("/builds/:name", h.HandleListBuilds())
		hub.GET("/builds/:name/releases", h.HandleReleases())
		hub.GET("/builds/:name/diff/:version", h.HandleBuildDiff())

		// Health
		hub.GET("/health", h.HandleHealth())
	}
}

// NewRouter builds the hub's full gin engine: /v1 routes plus the
// Prometheus scrape endpoint.
func NewRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	RegisterRoutes(v1, h)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
