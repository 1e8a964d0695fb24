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
	"github.com/AleutianAI/AleutianTruth/services/truth/binding"
	"github.com/AleutianAI/AleutianTruth/services/truth/retrieval"
	"github.com/AleutianAI/AleutianTruth/services/truth/snapshot"
	"github.com/AleutianAI/AleutianTruth/services/truth/violation"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SnapshotResponse wraps the current validated snapshot.
type SnapshotResponse struct {
	Snapshot *snapshot.Snapshot `json:"snapshot"`
}

// ContextRequest asks the gateway for a signed context package.
type ContextRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Role    string `json:"role" binding:"required"`
}

// BindRequest records provenance for an externally produced artifact.
type BindRequest struct {
	ArtifactID   string `json:"artifact_id" binding:"required"`
	ContextHash  string `json:"context_hash"`
	SnapshotHash string `json:"snapshot_hash" binding:"required"`
	AgentID      string `json:"agent_id" binding:"required"`
}

// BindResponse wraps the recorded binding.
type BindResponse struct {
	Binding *binding.OutputBinding `json:"binding"`
}

// RetrievalsResponse lists retrieval audit records.
type RetrievalsResponse struct {
	Records []retrieval.Record `json:"records"`
	Count   int                `json:"count"`
}

// ViolationsResponse lists unacknowledged violation events.
type ViolationsResponse struct {
	Events []violation.Event `json:"events"`
	Count  int               `json:"count"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse reports readiness. The service is ready when the
// assembler is not halted and the ledger holds at least one snapshot.
type ReadyResponse struct {
	Ready          bool   `json:"ready"`
	AssemblerState string `json:"assembler_state"`
	LastSequence   uint64 `json:"last_sequence"`
}
