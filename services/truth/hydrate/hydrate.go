// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hydrate implements the context hydration layer: the only path
// by which consumer functions (automated agents, LLM-backed advisors)
// receive system truth.
//
// The steps are fixed and non-reorderable: obtain a context package,
// block immediately on rejection, merge system context and caller
// content as structurally distinct fields, dispatch, bind the output,
// journal the trace. No fallback exists for a failed package fetch: no
// cached, synthetic, or best-effort context is ever substituted.
package hydrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
	"github.com/AleutianAI/AleutianTruth/services/truth/binding"
	"github.com/AleutianAI/AleutianTruth/services/truth/gateway"
	"github.com/AleutianAI/AleutianTruth/services/truth/telemetry"
	"github.com/AleutianAI/AleutianTruth/services/truth/violation"
)

// Block reason codes.
const (
	ReasonRejected         = "REJECTED"
	ReasonTimeout          = "TIMEOUT"
	ReasonCacheUse         = "CACHE_USE"
	ReasonSignatureInvalid = "SIGNATURE_INVALID"
)

// BlockedError is the terminal result when dispatch never happened.
// The consumer function is guaranteed not to have run.
type BlockedError struct {
	Reason string
	Detail string
}

func (e *BlockedError) Error() string {
	if e.Detail == "" {
		return "dispatch blocked: " + e.Reason
	}
	return fmt.Sprintf("dispatch blocked: %s: %s", e.Reason, e.Detail)
}

// Payload is the merged dispatch payload. SystemContext and UserContent
// are structurally distinct fields, never flattened into one string, so
// caller content cannot manipulate the priority of system truth.
type Payload struct {
	// SystemContext is the immutable, high-priority truth package.
	SystemContext *gateway.ContextPackage `json:"system_context"`

	// UserContent is the mutable, low-priority caller content.
	UserContent json.RawMessage `json:"user_content"`
}

// ConsumerResult is what a consumer function returns on success.
type ConsumerResult struct {
	// ArtifactID identifies the produced artifact. Assigned by the
	// hydrator when empty.
	ArtifactID string `json:"artifact_id"`

	// Output is the artifact payload.
	Output json.RawMessage `json:"output"`
}

// ConsumerFunc is the downstream consumer boundary. Its reasoning is
// opaque to this service.
type ConsumerFunc func(ctx context.Context, payload Payload) (ConsumerResult, error)

// DispatchResult is the successful outcome of one hydrated dispatch.
type DispatchResult struct {
	ArtifactID       string                 `json:"artifact_id"`
	Output           json.RawMessage        `json:"output"`
	Binding          *binding.OutputBinding `json:"binding"`
	ContextHash      string                 `json:"context_hash"`
	SnapshotHash     string                 `json:"snapshot_hash"`
	SnapshotSequence uint64                 `json:"snapshot_sequence"`
}

// TraceRecord is the append-only trace row for one completed attempt.
type TraceRecord struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	Role             string    `json:"role"`
	ContextHash      string    `json:"context_hash"`
	SnapshotHash     string    `json:"snapshot_hash,omitempty"`
	SnapshotSequence uint64    `json:"snapshot_sequence,omitempty"`
	ArtifactID       string    `json:"artifact_id,omitempty"`
	Outcome          string    `json:"outcome"`
	Reason           string    `json:"reason,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
}

// Trace outcomes.
const (
	TraceOK            = "OK"
	TraceBlocked       = "BLOCKED"
	TraceTimeout       = "TIMEOUT"
	TraceConsumerError = "CONSUMER_ERROR"
	TraceBindError     = "BIND_ERROR"
)

// Hydrator runs the fixed hydrate-and-dispatch sequence.
//
// Thread Safety: Safe for concurrent use.
type Hydrator struct {
	gateway *gateway.Gateway
	binder  *binding.Binder
	monitor *violation.Monitor
	traces  audit.Log
	clock   func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	consumed map[string]struct{}
}

// Config configures the hydrator.
type Config struct {
	Clock  func() time.Time
	Logger *slog.Logger
}

// NewHydrator creates a hydrator.
//
// Inputs:
//
//	gw - The truth gateway. Must not be nil.
//	binder - The output binder. Must not be nil.
//	monitor - The violation monitor. Must not be nil.
//	traces - The dispatch trace journal. Must not be nil.
func NewHydrator(gw *gateway.Gateway, binder *binding.Binder, monitor *violation.Monitor, traces audit.Log, cfg Config) (*Hydrator, error) {
	if gw == nil {
		return nil, errors.New("gateway must not be nil")
	}
	if binder == nil {
		return nil, errors.New("binder must not be nil")
	}
	if monitor == nil {
		return nil, errors.New("monitor must not be nil")
	}
	if traces == nil {
		return nil, errors.New("traces must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hydrator{
		gateway:  gw,
		binder:   binder,
		monitor:  monitor,
		traces:   traces,
		clock:    cfg.Clock,
		logger:   logger,
		consumed: make(map[string]struct{}),
	}, nil
}

// consume marks a context hash used for its single call. Returns false
// if the hash was already consumed.
func (h *Hydrator) consume(contextHash string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, used := h.consumed[contextHash]; used {
		return false
	}
	h.consumed[contextHash] = struct{}{}
	return true
}

// HydrateAndDispatch runs one governed dispatch.
//
// Description:
//
//	Step order is fixed:
//	 1. Obtain a ContextPackage from the gateway.
//	 2. On REJECT, return *BlockedError immediately; the consumer
//	    function is never invoked.
//	 3. Build the merged payload with structurally distinct
//	    system_context and user_content fields.
//	 4. Dispatch to the consumer function.
//	 5. Bind the consumer's output through the output binder.
//	 6. Journal the full request/response trace.
//
//	The package signature is verified and its context hash is consumed
//	before dispatch; a reused hash raises CACHE_USE and blocks, a bad
//	signature raises SIGNATURE_INVALID and blocks. A consumer failure
//	caused by an expired deadline is traced as TIMEOUT rather than
//	CONSUMER_ERROR.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	agentID - The consuming agent. Must not be empty.
//	role - The authority role to scope truth by.
//	userContent - Caller-supplied content, opaque JSON.
//	consumerFn - The consumer. Must not be nil.
//	timeout - Caller-supplied budget; zero means no extra deadline.
//
// Outputs:
//
//	*DispatchResult - On success: the artifact, its binding, and the
//	                  governing hashes.
//	error - *BlockedError when dispatch never happened, a consumer or
//	        binding error otherwise, the context error on cancellation.
//
// Thread Safety: Safe for concurrent use.
func (h *Hydrator) HydrateAndDispatch(ctx context.Context, agentID, role string, userContent json.RawMessage, consumerFn ConsumerFunc, timeout time.Duration) (*DispatchResult, error) {
	if agentID == "" {
		return nil, errors.New("agentID must not be empty")
	}
	if consumerFn == nil {
		return nil, errors.New("consumerFn must not be nil")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := h.clock()

	// Step 1: obtain the package. Step 2: block on rejection.
	pkg, err := h.gateway.GetContextPackage(ctx, agentID, role, 0)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Cancellation has zero side effects, no trace.
			return nil, err
		}
		blocked := &BlockedError{Reason: ReasonRejected, Detail: err.Error()}
		var rej *gateway.RejectError
		if errors.As(err, &rej) && rej.Reason == gateway.ReasonTimeout {
			blocked.Reason = ReasonTimeout
		}
		h.trace(ctx, TraceRecord{
			AgentID:   agentID,
			Role:      role,
			Outcome:   TraceBlocked,
			Reason:    blocked.Reason + ": " + blocked.Detail,
			StartedAt: started,
		})
		telemetry.RecordDispatch(ctx, telemetry.OutcomeBlocked)
		return nil, blocked
	}

	// The signature must verify against (context_hash, issued_at,
	// agent_id) before the package is trusted for dispatch.
	if !h.gateway.Signer().Verify(pkg.ContextHash, pkg.IssuedAt, pkg.AgentID, pkg.Signature) {
		h.monitor.Raise(ctx, violation.SignatureInvalid, agentID,
			fmt.Sprintf("package signature invalid for context hash %s", pkg.ContextHash))
		blocked := &BlockedError{Reason: ReasonSignatureInvalid, Detail: "package signature does not verify"}
		h.trace(ctx, TraceRecord{
			AgentID:     agentID,
			Role:        role,
			ContextHash: pkg.ContextHash,
			Outcome:     TraceBlocked,
			Reason:      blocked.Reason,
			StartedAt:   started,
		})
		telemetry.RecordDispatch(ctx, telemetry.OutcomeBlocked)
		return nil, blocked
	}

	// Single-call validity: consume the hash exactly once.
	if !h.consume(pkg.ContextHash) {
		h.monitor.Raise(ctx, violation.CacheUse, agentID,
			fmt.Sprintf("context hash %s reused beyond its single-call validity", pkg.ContextHash))
		blocked := &BlockedError{Reason: ReasonCacheUse, Detail: "context package already consumed"}
		h.trace(ctx, TraceRecord{
			AgentID:     agentID,
			Role:        role,
			ContextHash: pkg.ContextHash,
			Outcome:     TraceBlocked,
			Reason:      blocked.Reason,
			StartedAt:   started,
		})
		telemetry.RecordDispatch(ctx, telemetry.OutcomeBlocked)
		return nil, blocked
	}

	// Step 3: merged payload, structurally distinct fields.
	payload := Payload{
		SystemContext: pkg,
		UserContent:   userContent,
	}

	// Step 4: dispatch.
	result, err := consumerFn(ctx, payload)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			h.trace(ctx, TraceRecord{
				AgentID:          agentID,
				Role:             role,
				ContextHash:      pkg.ContextHash,
				SnapshotHash:     pkg.SnapshotHash,
				SnapshotSequence: pkg.SnapshotSequence,
				Outcome:          TraceTimeout,
				Reason:           "dispatch timeout expired: " + err.Error(),
				StartedAt:        started,
			})
			telemetry.RecordDispatch(ctx, telemetry.OutcomeTimeout)
			return nil, fmt.Errorf("dispatch timeout expired: %w", err)
		}
		h.trace(ctx, TraceRecord{
			AgentID:          agentID,
			Role:             role,
			ContextHash:      pkg.ContextHash,
			SnapshotHash:     pkg.SnapshotHash,
			SnapshotSequence: pkg.SnapshotSequence,
			Outcome:          TraceConsumerError,
			Reason:           err.Error(),
			StartedAt:        started,
		})
		telemetry.RecordDispatch(ctx, telemetry.OutcomeError)
		return nil, fmt.Errorf("consumer failed: %w", err)
	}

	artifactID := result.ArtifactID
	if artifactID == "" {
		artifactID = uuid.NewString()
	}

	// Step 5: bind the output.
	bound, err := h.binder.Bind(ctx, artifactID, pkg.ContextHash, pkg.SnapshotHash, agentID)
	if err != nil {
		h.trace(ctx, TraceRecord{
			AgentID:          agentID,
			Role:             role,
			ContextHash:      pkg.ContextHash,
			SnapshotHash:     pkg.SnapshotHash,
			SnapshotSequence: pkg.SnapshotSequence,
			ArtifactID:       artifactID,
			Outcome:          TraceBindError,
			Reason:           err.Error(),
			StartedAt:        started,
		})
		telemetry.RecordDispatch(ctx, telemetry.OutcomeError)
		return nil, fmt.Errorf("bind output: %w", err)
	}

	// Step 6: full trace.
	h.trace(ctx, TraceRecord{
		AgentID:          agentID,
		Role:             role,
		ContextHash:      pkg.ContextHash,
		SnapshotHash:     pkg.SnapshotHash,
		SnapshotSequence: pkg.SnapshotSequence,
		ArtifactID:       artifactID,
		Outcome:          TraceOK,
		StartedAt:        started,
	})
	telemetry.RecordDispatch(ctx, telemetry.OutcomeOK)
	h.logger.Info("dispatch completed",
		slog.String("agent_id", agentID),
		slog.String("role", role),
		slog.String("artifact_id", artifactID),
		slog.Uint64("snapshot_sequence", pkg.SnapshotSequence))

	return &DispatchResult{
		ArtifactID:       artifactID,
		Output:           result.Output,
		Binding:          bound,
		ContextHash:      pkg.ContextHash,
		SnapshotHash:     pkg.SnapshotHash,
		SnapshotSequence: pkg.SnapshotSequence,
	}, nil
}

// trace journals one completed attempt. A trace row is evidence; it is
// written with a fresh context so an expired deadline cannot drop it.
func (h *Hydrator) trace(ctx context.Context, rec TraceRecord) {
	rec.ID = uuid.NewString()
	rec.CompletedAt = h.clock()
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.traces.Append(logCtx, rec); err != nil {
		h.logger.Error("failed to journal dispatch trace",
			slog.String("agent_id", rec.AgentID),
			slog.String("error", err.Error()))
	}
}
