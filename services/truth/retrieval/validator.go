// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
	"github.com/AleutianAI/AleutianTruth/services/truth/snapshot"
	"github.com/AleutianAI/AleutianTruth/services/truth/telemetry"
)

// DefaultMaxStaleness is the default snapshot age ceiling.
//
// The threshold is a deployment choice; 5 minutes is the shipped default
// and is overridden per deployment in the truthd config.
const DefaultMaxStaleness = 5 * time.Minute

// TierPolicy maps an access tier to the component names it may read.
//
// A nil name list authorizes the full canonical set. A tier absent from
// the policy is denied outright.
type TierPolicy map[string][]string

// Components returns the authorized component names for a tier.
func (p TierPolicy) Components(tier string) ([]string, bool) {
	names, ok := p[tier]
	return names, ok
}

// Config configures the validator.
type Config struct {
	// MaxStaleness is the snapshot age ceiling. Zero takes the default.
	MaxStaleness time.Duration

	// Tiers is the tier authorization policy. Must not be empty.
	Tiers TierPolicy

	// Clock overrides time.Now for tests.
	Clock func() time.Time

	// Logger is optional.
	Logger *slog.Logger
}

// Validator is the fail-closed gate between callers and the ledger.
//
// Thread Safety: Safe for concurrent use.
type Validator struct {
	store        snapshot.Store
	records      audit.Log
	tiers        TierPolicy
	maxStaleness time.Duration
	clock        func() time.Time
	logger       *slog.Logger
}

// NewValidator creates a validator over a ledger and a record journal.
//
// Inputs:
//
//	store - The snapshot ledger. Must not be nil.
//	records - The retrieval record journal. Must not be nil.
//	cfg - Policy and tuning. Tiers must not be empty.
//
// Outputs:
//
//	*Validator - Ready to use.
//	error - Non-nil on invalid inputs.
func NewValidator(store snapshot.Store, records audit.Log, cfg Config) (*Validator, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if records == nil {
		return nil, errors.New("records must not be nil")
	}
	if len(cfg.Tiers) == 0 {
		return nil, errors.New("tier policy must not be empty")
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = DefaultMaxStaleness
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:        store,
		records:      records,
		tiers:        cfg.Tiers,
		maxStaleness: cfg.MaxStaleness,
		clock:        cfg.Clock,
		logger:       logger,
	}, nil
}

// MaxStaleness returns the configured snapshot age ceiling.
func (v *Validator) MaxStaleness() time.Duration {
	return v.maxStaleness
}

// Retrieve fetches and validates the latest snapshot for an agent.
//
// Description:
//
//	Validates existence, IsValid, hash integrity, age against the
//	staleness threshold, and tier authorization. Any failure is a
//	*HaltError; there is no partial or cached result. Every completed
//	attempt is journaled. A cancelled attempt (context.Canceled before
//	completion) journals nothing; an expired timeout journals TIMEOUT.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	agentID - The requesting agent. Must not be empty.
//	tier - The requested access tier.
//	timeout - Caller-supplied budget; zero means no extra deadline.
//
// Outputs:
//
//	*snapshot.Snapshot - One whole snapshot; every field belongs to its
//	                     single sequence number.
//	error - *HaltError on validation failure, the context error on
//	        cancellation.
//
// Thread Safety: Safe for concurrent use. Two sequential successful
// retrievals by one agent never observe a decreasing sequence number,
// because the ledger is append-only and only the latest snapshot is
// served.
func (v *Validator) Retrieve(ctx context.Context, agentID, tier string, timeout time.Duration) (*snapshot.Snapshot, error) {
	if agentID == "" {
		return nil, errors.New("agentID must not be empty")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := v.clock()
	snap, err := v.validate(ctx, tier, started)
	elapsed := v.clock().Sub(started)

	// Pure cancellation: no side effects, no record.
	if err != nil && errors.Is(err, context.Canceled) {
		return nil, err
	}

	// Timeout is treated identically to HALT, with reason TIMEOUT.
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = &HaltError{Outcome: OutcomeTimeout, Reason: "retrieval timeout expired"}
	}

	rec := Record{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Tier:        tier,
		ValidatedAt: started,
		Timestamp:   v.clock(),
	}
	if err == nil {
		seq := snap.SequenceNumber
		rec.SnapshotSequence = &seq
		rec.SnapshotHash = snap.CompositeHash
		rec.Outcome = OutcomeOK
	} else {
		var halt *HaltError
		if errors.As(err, &halt) {
			rec.Outcome = halt.Outcome
			rec.Reason = halt.Reason
		} else {
			rec.Outcome = OutcomeUnavailable
			rec.Reason = err.Error()
			err = &HaltError{Outcome: OutcomeUnavailable, Reason: err.Error()}
		}
	}

	// The record is audit evidence; append with a fresh context so a
	// just-expired deadline cannot suppress it.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if logErr := v.records.Append(logCtx, rec); logErr != nil {
		v.logger.Error("failed to journal retrieval record",
			slog.String("agent_id", agentID),
			slog.String("error", logErr.Error()))
	}

	telemetry.RecordRetrieval(ctx, outcomeLabel(rec.Outcome), elapsed)

	if err != nil {
		v.logger.Warn("retrieval halted",
			slog.String("agent_id", agentID),
			slog.String("tier", tier),
			slog.String("outcome", string(rec.Outcome)),
			slog.String("reason", rec.Reason))
		return nil, err
	}

	v.logger.Debug("retrieval served",
		slog.String("agent_id", agentID),
		slog.String("tier", tier),
		slog.Uint64("sequence", snap.SequenceNumber))
	return snap, nil
}

// validate runs the fail-closed checks in order. The staleness check
// uses now, the single instant the caller records as ValidatedAt.
func (v *Validator) validate(ctx context.Context, tier string, now time.Time) (*snapshot.Snapshot, error) {
	authorized, known := v.tiers.Components(tier)
	if !known {
		return nil, &HaltError{Outcome: OutcomeTierDenied, Reason: fmt.Sprintf("unknown tier %q", tier)}
	}

	snap, err := v.store.Latest(ctx)
	if err != nil {
		switch {
		case errors.Is(err, snapshot.ErrEmpty):
			return nil, &HaltError{Outcome: OutcomeUnavailable, Reason: "no snapshot committed"}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			var integrity *snapshot.IntegrityError
			if errors.As(err, &integrity) {
				return nil, &HaltError{Outcome: OutcomeIntegrity, Reason: integrity.Error()}
			}
			return nil, &HaltError{Outcome: OutcomeUnavailable, Reason: err.Error()}
		}
	}

	if !snap.IsValid {
		return nil, &HaltError{
			Outcome: OutcomeInvalid,
			Reason:  fmt.Sprintf("snapshot %d is quarantined", snap.SequenceNumber),
		}
	}

	if err := snap.Verify(); err != nil {
		// Corruption is never served, full stop.
		return nil, &HaltError{Outcome: OutcomeIntegrity, Reason: err.Error()}
	}

	if age := snap.Age(now); age > v.maxStaleness {
		return nil, &HaltError{
			Outcome: OutcomeStale,
			Reason:  fmt.Sprintf("snapshot age %s exceeds threshold %s", age.Round(time.Second), v.maxStaleness),
		}
	}

	// Tier authorization: every authorized component must exist in the
	// snapshot. A tier scoped to vanished components fails closed.
	for _, name := range authorized {
		if _, ok := snap.Component(name); !ok {
			return nil, &HaltError{
				Outcome: OutcomeTierDenied,
				Reason:  fmt.Sprintf("tier %q requires component %q not present in snapshot", tier, name),
			}
		}
	}

	return snap, nil
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeOK:
		return telemetry.OutcomeOK
	case OutcomeTimeout:
		return telemetry.OutcomeTimeout
	case OutcomeIntegrity:
		return telemetry.OutcomeIntegrity
	default:
		return telemetry.OutcomeHalt
	}
}
