// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package truth

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all truth service routes with the router.
//
// Description:
//
//	Registers all /v1/truth/* endpoints with the given Gin router
//	group. The router group should already have any required
//	middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET  /v1/truth/snapshot - Validated snapshot retrieval
//	POST /v1/truth/context - Issue a signed context package
//	POST /v1/truth/bindings - Record an output binding
//	GET  /v1/truth/retrievals - Retrieval audit journal
//	GET  /v1/truth/violations - Unacknowledged violation events
//	POST /v1/truth/violations/:id/ack - Acknowledge a violation
//	GET  /v1/truth/violations/stream - Websocket event stream
//	GET  /v1/truth/health - Health check
//	GET  /v1/truth/ready - Readiness check
//
// Example:
//
//	svc, _ := truth.NewService(cfg, opts)
//	handlers := truth.NewHandlers(svc)
//
//	v1 := router.Group("/v1")
//	truth.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	tr := rg.Group("/truth")
	{
		// Retrieval and issuance
		tr.GET("/snapshot", handlers.HandleSnapshot)
		tr.POST("/context", handlers.HandleContext)

		// Provenance
		tr.POST("/bindings", handlers.HandleBind)
		tr.GET("/retrievals", handlers.HandleRetrievals)

		// Violations
		tr.GET("/violations", handlers.HandleViolations)
		tr.POST("/violations/:id/ack", handlers.HandleAckViolation)
		tr.GET("/violations/stream", handlers.HandleViolationStream)

		// Health checks
		tr.GET("/health", handlers.HandleHealth)
		tr.GET("/ready", handlers.HandleReady)
	}
}
