// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway wraps validated snapshots into signed, hash-addressed
// context packages scoped to one role for one call.
//
// A ContextPackage is ephemeral: it is valid for a single dispatch and
// is never persisted as reusable state. The issuance journal records the
// full linkage snapshot → context hash → agent → issue time, which is
// what the output binder and auditors resolve against.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
	"github.com/AleutianAI/AleutianTruth/services/truth/canonical"
	"github.com/AleutianAI/AleutianTruth/services/truth/retrieval"
	"github.com/AleutianAI/AleutianTruth/services/truth/state"
	"github.com/AleutianAI/AleutianTruth/services/truth/telemetry"
)

// Reject reason codes.
const (
	ReasonRoleInvalid   = "ROLE_INVALID"
	ReasonRoleRevoked   = "ROLE_REVOKED"
	ReasonHalt          = "RETRIEVAL_HALT"
	ReasonMissingField  = "MISSING_COMPONENT"
	ReasonExpiredField  = "COMPONENT_EXPIRED"
	ReasonTimeout       = "TIMEOUT"
	ReasonSigningFailed = "SIGNING_FAILED"
)

// RejectError is the terminal fail-closed result of an issuance attempt.
//
// There is no retry-with-stale-data path; the caller may try again later
// and gets a fresh validation pass.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("context package rejected: %s", e.Reason)
	}
	return fmt.Sprintf("context package rejected: %s: %s", e.Reason, e.Detail)
}

// ContextPackage is a role-scoped, signed projection of one snapshot,
// delivered to one consumer for one call.
type ContextPackage struct {
	// AgentID is the consumer the package was issued to.
	AgentID string `json:"agent_id"`

	// Role is the authority role the projection was scoped by.
	Role string `json:"role"`

	// SnapshotSequence identifies the underlying snapshot.
	SnapshotSequence uint64 `json:"snapshot_sequence"`

	// SnapshotHash is the underlying snapshot's composite hash.
	SnapshotHash string `json:"snapshot_hash"`

	// Projection holds the role-visible components, sorted by name.
	Projection []state.Component `json:"projection"`

	// Nonce is the per-issuance nonce bound into the context hash, so
	// two issuances of identical projections stay distinguishable.
	Nonce string `json:"nonce"`

	// ContextHash is the SHA-256 hex digest over the canonical
	// projection encoding, bound to the snapshot hash and nonce.
	ContextHash string `json:"context_hash"`

	// IssuedAt is the issuance time.
	IssuedAt time.Time `json:"issued_at"`

	// Signature is Ed25519 over (context_hash, issued_at, agent_id).
	Signature []byte `json:"integrity_signature"`
}

// IssueRecord is the append-only audit row for one issued package.
type IssueRecord struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	Role             string    `json:"role"`
	SnapshotSequence uint64    `json:"snapshot_sequence"`
	SnapshotHash     string    `json:"snapshot_hash"`
	ContextHash      string    `json:"context_hash"`
	IssuedAt         time.Time `json:"issued_at"`
}

// Gateway issues context packages behind the retrieval validator.
//
// Thread Safety: Safe for concurrent use.
type Gateway struct {
	validator *retrieval.Validator
	signer    *Signer
	roles     *AuthorityMap
	issues    audit.Log
	clock     func() time.Time
	logger    *slog.Logger
}

// Config configures the gateway.
type Config struct {
	// Clock overrides time.Now for tests.
	Clock func() time.Time

	// Logger is optional.
	Logger *slog.Logger
}

// NewGateway creates a gateway.
//
// Inputs:
//
//	validator - The retrieval validator. Must not be nil.
//	signer - The package signer. Must not be nil.
//	roles - The role authority map. Must not be nil.
//	issues - The issuance journal. Must not be nil.
func NewGateway(validator *retrieval.Validator, signer *Signer, roles *AuthorityMap, issues audit.Log, cfg Config) (*Gateway, error) {
	if validator == nil {
		return nil, errors.New("validator must not be nil")
	}
	if signer == nil {
		return nil, errors.New("signer must not be nil")
	}
	if roles == nil {
		return nil, errors.New("roles must not be nil")
	}
	if issues == nil {
		return nil, errors.New("issues must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		validator: validator,
		signer:    signer,
		roles:     roles,
		issues:    issues,
		clock:     cfg.Clock,
		logger:    logger,
	}, nil
}

// Signer returns the gateway's signer, for signature verification.
func (g *Gateway) Signer() *Signer { return g.signer }

// GetContextPackage issues one signed package for one call.
//
// Description:
//
//	Retrieves the latest validated snapshot through the fail-closed
//	validator, scopes it to the role's grant, hashes and signs the
//	projection, and journals the full linkage. A validator HALT
//	propagates as REJECT with no fallback; unknown or revoked roles
//	are rejected before any retrieval happens.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	agentID - The requesting consumer. Must not be empty.
//	role - The authority role to scope by.
//	timeout - Caller-supplied budget; zero means no extra deadline.
//
// Outputs:
//
//	*ContextPackage - A single-use signed package.
//	error - *RejectError on any failure, the context error on
//	        cancellation.
//
// Thread Safety: Safe for concurrent use.
func (g *Gateway) GetContextPackage(ctx context.Context, agentID, role string, timeout time.Duration) (*ContextPackage, error) {
	if agentID == "" {
		return nil, errors.New("agentID must not be empty")
	}

	grant, known := g.roles.Grant(role)
	if !known {
		return nil, g.reject(ctx, agentID, role, &RejectError{
			Reason: ReasonRoleInvalid,
			Detail: fmt.Sprintf("unknown role %q", role),
		})
	}
	if grant.Revoked {
		return nil, g.reject(ctx, agentID, role, &RejectError{
			Reason: ReasonRoleRevoked,
			Detail: fmt.Sprintf("role %q is revoked", role),
		})
	}

	snap, err := g.validator.Retrieve(ctx, agentID, grant.Tier, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		var halt *retrieval.HaltError
		if errors.As(err, &halt) {
			reason := ReasonHalt
			if halt.Outcome == retrieval.OutcomeTimeout {
				reason = ReasonTimeout
			}
			return nil, g.reject(ctx, agentID, role, &RejectError{Reason: reason, Detail: halt.Error()})
		}
		return nil, g.reject(ctx, agentID, role, &RejectError{Reason: ReasonHalt, Detail: err.Error()})
	}

	// Scope the projection. Nil grant components means everything the
	// tier already authorized, i.e. the whole snapshot as served.
	projection := snap.Components
	if grant.Components != nil {
		projection = make([]state.Component, 0, len(grant.Components))
		for _, name := range grant.Components {
			c, ok := snap.Component(name)
			if !ok {
				return nil, g.reject(ctx, agentID, role, &RejectError{
					Reason: ReasonMissingField,
					Detail: fmt.Sprintf("component %q absent from snapshot %d", name, snap.SequenceNumber),
				})
			}
			projection = append(projection, c)
		}
		sort.Slice(projection, func(i, j int) bool {
			return projection[i].Name < projection[j].Name
		})
	}

	now := g.clock()
	if grant.MaxComponentAge > 0 {
		for _, c := range projection {
			if age := now.Sub(c.UpdatedAt); age > grant.MaxComponentAge {
				return nil, g.reject(ctx, agentID, role, &RejectError{
					Reason: ReasonExpiredField,
					Detail: fmt.Sprintf("component %q age %s exceeds role limit %s", c.Name, age.Round(time.Second), grant.MaxComponentAge),
				})
			}
		}
	}

	nonce := uuid.NewString()
	contextHash, err := canonical.ProjectionHash(snap.CompositeHash, nonce, projection)
	if err != nil {
		return nil, g.reject(ctx, agentID, role, &RejectError{Reason: ReasonSigningFailed, Detail: err.Error()})
	}

	sig, err := g.signer.Sign(contextHash, now, agentID)
	if err != nil {
		return nil, g.reject(ctx, agentID, role, &RejectError{Reason: ReasonSigningFailed, Detail: err.Error()})
	}

	pkg := &ContextPackage{
		AgentID:          agentID,
		Role:             role,
		SnapshotSequence: snap.SequenceNumber,
		SnapshotHash:     snap.CompositeHash,
		Projection:       projection,
		Nonce:            nonce,
		ContextHash:      contextHash,
		IssuedAt:         now,
		Signature:        sig,
	}

	rec := IssueRecord{
		ID:               uuid.NewString(),
		AgentID:          agentID,
		Role:             role,
		SnapshotSequence: snap.SequenceNumber,
		SnapshotHash:     snap.CompositeHash,
		ContextHash:      contextHash,
		IssuedAt:         now,
	}
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.issues.Append(logCtx, rec); err != nil {
		// An unjournaled package would be unresolvable at bind time;
		// fail closed instead of handing it out.
		return nil, g.reject(ctx, agentID, role, &RejectError{Reason: ReasonHalt, Detail: fmt.Sprintf("journal issuance: %v", err)})
	}

	telemetry.RecordIssue(ctx, telemetry.OutcomeOK)
	g.logger.Info("context package issued",
		slog.String("agent_id", agentID),
		slog.String("role", role),
		slog.Uint64("snapshot_sequence", snap.SequenceNumber),
		slog.String("snapshot_hash", snap.CompositeHash),
		slog.String("context_hash", contextHash))
	return pkg, nil
}

// FindIssue resolves a context hash against the issuance journal.
//
// Outputs:
//
//	*IssueRecord - The issuance row, or nil if the hash was never issued.
//	error - Non-nil on journal read failure.
func (g *Gateway) FindIssue(ctx context.Context, contextHash string) (*IssueRecord, error) {
	var found *IssueRecord
	err := g.issues.Each(ctx,
		func() any { return &IssueRecord{} },
		func(row any) bool {
			rec := row.(*IssueRecord)
			if rec.ContextHash == contextHash {
				found = rec
				return false
			}
			return true
		})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// reject records the rejection and returns the error unchanged.
func (g *Gateway) reject(ctx context.Context, agentID, role string, err *RejectError) error {
	outcome := telemetry.OutcomeReject
	if err.Reason == ReasonTimeout {
		outcome = telemetry.OutcomeTimeout
	}
	telemetry.RecordIssue(ctx, outcome)
	g.logger.Warn("context package rejected",
		slog.String("agent_id", agentID),
		slog.String("role", role),
		slog.String("reason", err.Reason),
		slog.String("detail", err.Detail))
	return err
}
