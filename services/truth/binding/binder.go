// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package binding records the backward-traceable link from any produced
// artifact to the exact snapshot and context that governed it.
//
// An OutputBinding is the canonical evidence auditors use to reconstruct
// which state produced an artifact. Bind is strict: both hashes must
// resolve to real, existing rows or nothing is persisted.
package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
	"github.com/AleutianAI/AleutianTruth/services/truth/gateway"
	"github.com/AleutianAI/AleutianTruth/services/truth/snapshot"
	"github.com/AleutianAI/AleutianTruth/services/truth/telemetry"
)

// OutputBinding is one append-only row linking an artifact to state.
type OutputBinding struct {
	// ArtifactID identifies the downstream artifact.
	ArtifactID string `json:"artifact_id"`

	// SnapshotHash is the composite hash of the governing snapshot.
	SnapshotHash string `json:"snapshot_hash"`

	// ContextHash is the governing context hash; empty for artifacts
	// produced outside the hydration path.
	ContextHash string `json:"context_hash,omitempty"`

	// AgentID is the agent that emitted the artifact.
	AgentID string `json:"agent_id"`

	// BoundAt is when the binding was recorded.
	BoundAt time.Time `json:"bound_at"`
}

// BindError is the terminal result of a failed bind. Nothing is
// persisted; the caller must re-bind with valid hashes.
type BindError struct {
	Detail string
}

func (e *BindError) Error() string {
	return "binding rejected: " + e.Detail
}

// IssueResolver resolves context hashes against the issuance journal.
// *gateway.Gateway satisfies this.
type IssueResolver interface {
	FindIssue(ctx context.Context, contextHash string) (*gateway.IssueRecord, error)
}

// Binder validates and persists output bindings.
//
// Thread Safety: Safe for concurrent use.
type Binder struct {
	snapshots snapshot.Store
	issues    IssueResolver
	bindings  audit.Log
	clock     func() time.Time
	logger    *slog.Logger
}

// Config configures the binder.
type Config struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

// NewBinder creates a binder.
//
// Inputs:
//
//	snapshots - The snapshot ledger. Must not be nil.
//	issues - The issuance resolver. Must not be nil.
//	bindings - The binding journal. Must not be nil.
func NewBinder(snapshots snapshot.Store, issues IssueResolver, bindings audit.Log, cfg Config) (*Binder, error) {
	if snapshots == nil {
		return nil, errors.New("snapshots must not be nil")
	}
	if issues == nil {
		return nil, errors.New("issues must not be nil")
	}
	if bindings == nil {
		return nil, errors.New("bindings must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		snapshots: snapshots,
		issues:    issues,
		bindings:  bindings,
		clock:     cfg.Clock,
		logger:    logger,
	}, nil
}

// Bind validates and persists one output binding.
//
// Description:
//
//	The snapshot hash must resolve to a committed snapshot and, when a
//	context hash is given, that hash must resolve to a journaled
//	issuance whose snapshot matches. An artifact already bound to a
//	different snapshot is refused: one artifact maps to exactly one
//	sequence number. Re-binding to the same snapshot returns the
//	existing row without appending another. On any failure nothing is
//	persisted.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	artifactID - The artifact. Must not be empty.
//	contextHash - Optional governing context hash.
//	snapshotHash - The governing snapshot's composite hash.
//	agentID - The emitting agent. Must not be empty.
//
// Outputs:
//
//	*OutputBinding - The persisted row.
//	error - *BindError on validation failure.
//
// Thread Safety: Safe for concurrent use.
func (b *Binder) Bind(ctx context.Context, artifactID, contextHash, snapshotHash, agentID string) (*OutputBinding, error) {
	fail := func(detail string) (*OutputBinding, error) {
		telemetry.RecordBinding(ctx, telemetry.OutcomeError)
		b.logger.Warn("binding rejected",
			slog.String("artifact_id", artifactID),
			slog.String("agent_id", agentID),
			slog.String("detail", detail))
		return nil, &BindError{Detail: detail}
	}

	if artifactID == "" {
		return fail("artifact id must not be empty")
	}
	if agentID == "" {
		return fail("agent id must not be empty")
	}
	if snapshotHash == "" {
		return fail("snapshot hash must not be empty")
	}

	snap, err := b.snapshots.GetByHash(ctx, snapshotHash)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return fail(fmt.Sprintf("snapshot hash %s not found in ledger", snapshotHash))
		}
		return fail(fmt.Sprintf("resolve snapshot hash: %v", err))
	}

	if contextHash != "" {
		issue, err := b.issues.FindIssue(ctx, contextHash)
		if err != nil {
			return fail(fmt.Sprintf("resolve context hash: %v", err))
		}
		if issue == nil {
			return fail(fmt.Sprintf("context hash %s was never issued", contextHash))
		}
		if issue.SnapshotHash != snapshotHash {
			return fail(fmt.Sprintf("context hash %s was issued for snapshot %s, not %s",
				contextHash, issue.SnapshotHash, snapshotHash))
		}
	}

	// One artifact, one sequence number, one journal row.
	existing, err := b.FindByArtifact(ctx, artifactID)
	if err != nil {
		return fail(fmt.Sprintf("scan existing bindings: %v", err))
	}
	if existing != nil {
		if existing.SnapshotHash != snapshotHash {
			return fail(fmt.Sprintf("artifact %s is already bound to snapshot %s", artifactID, existing.SnapshotHash))
		}
		telemetry.RecordBinding(ctx, telemetry.OutcomeOK)
		b.logger.Debug("artifact already bound",
			slog.String("artifact_id", artifactID),
			slog.String("snapshot_hash", snapshotHash))
		return existing, nil
	}

	bound := &OutputBinding{
		ArtifactID:   artifactID,
		SnapshotHash: snapshotHash,
		ContextHash:  contextHash,
		AgentID:      agentID,
		BoundAt:      b.clock(),
	}
	if err := b.bindings.Append(ctx, bound); err != nil {
		return fail(fmt.Sprintf("persist binding: %v", err))
	}

	telemetry.RecordBinding(ctx, telemetry.OutcomeOK)
	b.logger.Info("artifact bound",
		slog.String("artifact_id", artifactID),
		slog.String("agent_id", agentID),
		slog.Uint64("snapshot_sequence", snap.SequenceNumber),
		slog.String("snapshot_hash", snapshotHash),
		slog.String("context_hash", contextHash))
	return bound, nil
}

// FindByArtifact returns the first binding for an artifact, if any.
func (b *Binder) FindByArtifact(ctx context.Context, artifactID string) (*OutputBinding, error) {
	var found *OutputBinding
	err := b.bindings.Each(ctx,
		func() any { return &OutputBinding{} },
		func(row any) bool {
			ob := row.(*OutputBinding)
			if ob.ArtifactID == artifactID {
				found = ob
				return false
			}
			return true
		})
	if err != nil {
		return nil, err
	}
	return found, nil
}
