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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianTruth/services/truth/binding"
	"github.com/AleutianAI/AleutianTruth/services/truth/gateway"
	"github.com/AleutianAI/AleutianTruth/services/truth/retrieval"
)

// Handlers contains the HTTP handlers for the truth service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleSnapshot handles GET /v1/truth/snapshot.
//
// Description:
//
//	Runs a validated retrieval for the requesting agent. Every call
//	is audited; on any validation failure the request halts with an
//	explicit error rather than returning partial state.
//
// Query Parameters:
//
//	agent_id - The requesting agent. Required.
//	tier - The access tier. Required.
//
// Response:
//
//	200 OK: SnapshotResponse
//	400 Bad Request: Missing parameters
//	403 Forbidden: Tier denied
//	409 Conflict: Stale, invalid, or integrity-failed snapshot
//	503 Service Unavailable: No snapshot exists yet
//	504 Gateway Timeout: Retrieval budget exceeded
func (h *Handlers) HandleSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSnapshot")

	agentID := c.Query("agent_id")
	tier := c.Query("tier")
	if agentID == "" || tier == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "agent_id and tier query parameters are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	snap, err := h.svc.validator.Retrieve(c.Request.Context(), agentID, tier, 0)
	if err != nil {
		var halt *retrieval.HaltError
		if errors.As(err, &halt) {
			logger.Warn("Retrieval halted", "agent_id", agentID, "outcome", halt.Outcome)
			c.JSON(haltStatus(halt.Outcome), ErrorResponse{
				Error: halt.Reason,
				Code:  string(halt.Outcome),
			})
			return
		}
		logger.Error("Retrieval failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "retrieval failed",
			Code:  "INTERNAL",
		})
		return
	}

	c.JSON(http.StatusOK, SnapshotResponse{Snapshot: snap})
}

func haltStatus(outcome retrieval.Outcome) int {
	switch outcome {
	case retrieval.OutcomeTierDenied:
		return http.StatusForbidden
	case retrieval.OutcomeUnavailable:
		return http.StatusServiceUnavailable
	case retrieval.OutcomeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusConflict
	}
}

// HandleContext handles POST /v1/truth/context.
//
// Description:
//
//	Issues a signed, single-use context package scoped to the
//	caller's role. A REJECT carries the reason code; no degraded
//	package is ever returned.
//
// Request Body:
//
//	ContextRequest
//
// Response:
//
//	200 OK: gateway.ContextPackage
//	400 Bad Request: Validation error
//	403 Forbidden: Unknown or revoked role
//	409 Conflict: Underlying retrieval halt or expired component
//	504 Gateway Timeout: Issuance budget exceeded
func (h *Handlers) HandleContext(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleContext")

	var req ContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	pkg, err := h.svc.gateway.GetContextPackage(c.Request.Context(), req.AgentID, req.Role, 0)
	if err != nil {
		var rej *gateway.RejectError
		if errors.As(err, &rej) {
			logger.Warn("Context issuance rejected",
				"agent_id", req.AgentID, "role", req.Role, "reason", rej.Reason)
			c.JSON(rejectStatus(rej.Reason), ErrorResponse{
				Error: rej.Detail,
				Code:  rej.Reason,
			})
			return
		}
		logger.Error("Context issuance failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "context issuance failed",
			Code:  "INTERNAL",
		})
		return
	}

	c.JSON(http.StatusOK, pkg)
}

func rejectStatus(reason string) int {
	switch reason {
	case gateway.ReasonRoleInvalid, gateway.ReasonRoleRevoked:
		return http.StatusForbidden
	case gateway.ReasonTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusConflict
	}
}

// HandleBind handles POST /v1/truth/bindings.
//
// Request Body:
//
//	BindRequest
//
// Response:
//
//	200 OK: BindResponse
//	400 Bad Request: Validation error
//	422 Unprocessable Entity: Binding refused
func (h *Handlers) HandleBind(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleBind")

	var req BindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	bound, err := h.svc.binder.Bind(c.Request.Context(), req.ArtifactID, req.ContextHash, req.SnapshotHash, req.AgentID)
	if err != nil {
		var be *binding.BindError
		if errors.As(err, &be) {
			logger.Warn("Binding refused", "artifact_id", req.ArtifactID, "detail", be.Detail)
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
				Error: be.Detail,
				Code:  "BIND_REFUSED",
			})
			return
		}
		logger.Error("Binding failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "binding failed",
			Code:  "INTERNAL",
		})
		return
	}

	c.JSON(http.StatusOK, BindResponse{Binding: bound})
}

// HandleRetrievals handles GET /v1/truth/retrievals. Returns the full
// retrieval audit journal in append order.
func (h *Handlers) HandleRetrievals(c *gin.Context) {
	var records []retrieval.Record
	err := h.svc.retrievals.Each(c.Request.Context(),
		func() any { return &retrieval.Record{} },
		func(row any) bool {
			records = append(records, *row.(*retrieval.Record))
			return true
		})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to read retrieval journal",
			Code:  "INTERNAL",
		})
		return
	}
	c.JSON(http.StatusOK, RetrievalsResponse{Records: records, Count: len(records)})
}

// HandleViolations handles GET /v1/truth/violations. Returns
// unacknowledged events.
func (h *Handlers) HandleViolations(c *gin.Context) {
	events := h.svc.monitor.Active()
	c.JSON(http.StatusOK, ViolationsResponse{Events: events, Count: len(events)})
}

// HandleAckViolation handles POST /v1/truth/violations/:id/ack.
func (h *Handlers) HandleAckViolation(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.monitor.Acknowledge(id); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": id})
}

// HandleHealth handles GET /v1/truth/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: ServiceVersion})
}

// HandleReady handles GET /v1/truth/ready.
//
// Description:
//
//	Ready means the assembler is not halted and at least one snapshot
//	exists. A halted assembler reports 503; operators must intervene
//	before the service serves truth again.
func (h *Handlers) HandleReady(c *gin.Context) {
	assemblerState := "running"
	if h.svc.assembler.Halted() {
		assemblerState = "halted"
	}

	last, ok, err := h.svc.store.LastSequence(c.Request.Context())
	resp := ReadyResponse{
		Ready:          err == nil && ok && assemblerState == "running",
		AssemblerState: assemblerState,
		LastSequence:   last,
	}
	if !resp.Ready {
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
