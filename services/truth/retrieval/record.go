// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval implements the fail-closed retrieval validator.
//
// A retrieval either returns one whole committed snapshot or a terminal
// HALT. There is no cached, partial, or best-effort path: every field a
// caller sees belongs to exactly one sequence number. Every completed
// attempt, success or failure, is journaled as a Record; a cancelled
// attempt produces no side effects and no record.
package retrieval

import (
	"fmt"
	"time"
)

// Outcome classifies a completed retrieval attempt.
type Outcome string

const (
	// OutcomeOK means a snapshot was returned.
	OutcomeOK Outcome = "OK"
	// OutcomeStale means the latest snapshot exceeded the staleness threshold.
	OutcomeStale Outcome = "STALE"
	// OutcomeUnavailable means no snapshot has been committed yet.
	OutcomeUnavailable Outcome = "UNAVAILABLE"
	// OutcomeInvalid means the latest snapshot is quarantined.
	OutcomeInvalid Outcome = "INVALID"
	// OutcomeTierDenied means the requested tier is not authorized.
	OutcomeTierDenied Outcome = "TIER_DENIED"
	// OutcomeIntegrity means hash re-verification failed. Fatal.
	OutcomeIntegrity Outcome = "INTEGRITY"
	// OutcomeTimeout means the caller-supplied timeout expired.
	OutcomeTimeout Outcome = "TIMEOUT"
)

// Record is one append-only audit row per completed retrieval attempt.
type Record struct {
	// ID uniquely identifies the attempt.
	ID string `json:"id"`

	// AgentID is the requesting agent.
	AgentID string `json:"agent_id"`

	// Tier is the requested access tier.
	Tier string `json:"tier"`

	// SnapshotSequence is the served sequence number, nil on failure.
	SnapshotSequence *uint64 `json:"snapshot_sequence,omitempty"`

	// SnapshotHash is the served composite hash, empty on failure.
	SnapshotHash string `json:"snapshot_hash,omitempty"`

	// Outcome classifies the attempt.
	Outcome Outcome `json:"outcome"`

	// Reason carries failure detail for auditors.
	Reason string `json:"reason,omitempty"`

	// ValidatedAt is the instant the validation checks ran. Staleness
	// audits judge snapshot age against this, not Timestamp, which is
	// stamped after validation and can land past the threshold.
	ValidatedAt time.Time `json:"validated_at"`

	// Timestamp is when the attempt completed.
	Timestamp time.Time `json:"timestamp"`
}

// HaltError is the terminal fail-closed result of a retrieval.
//
// The caller may retry later; it must never substitute stale or cached
// data for the snapshot it did not get.
type HaltError struct {
	Outcome Outcome
	Reason  string
}

func (e *HaltError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("retrieval halted: %s", e.Outcome)
	}
	return fmt.Sprintf("retrieval halted: %s: %s", e.Outcome, e.Reason)
}
