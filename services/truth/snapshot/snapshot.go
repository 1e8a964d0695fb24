// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot implements atomic snapshot assembly and the
// append-only, sequence-ordered snapshot ledger.
//
// A Snapshot is an immutable capture of every canonical state component
// at one sequence number, stamped with a composite hash over a canonical
// serialization. The Assembler is the single writer; readers see a
// complete snapshot or none.
package snapshot

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianTruth/services/truth/canonical"
	"github.com/AleutianAI/AleutianTruth/services/truth/state"
)

// Snapshot is an immutable, atomically-assembled capture of system-wide
// state at one sequence number.
//
// Snapshots are never mutated or deleted once persisted. The composite
// hash must reproduce exactly when recomputed from the stored components
// and sequence number; any mismatch is fatal corruption and the snapshot
// must never be served.
type Snapshot struct {
	// SequenceNumber is strictly monotonic and gap-free across the ledger.
	SequenceNumber uint64 `json:"sequence_number"`

	// Components holds every canonical component, sorted by name.
	Components []state.Component `json:"components"`

	// CompositeHash is the SHA-256 hex digest over the canonical
	// serialization of (sequence_number, components).
	CompositeHash string `json:"composite_hash"`

	// CreatedAt is when assembly committed.
	CreatedAt time.Time `json:"created_at"`

	// IsValid is false only for snapshots quarantined by an operator.
	IsValid bool `json:"is_valid"`
}

// New assembles a Snapshot value from sorted components and computes its
// composite hash. It does not persist anything.
func New(seq uint64, components []state.Component, createdAt time.Time) (*Snapshot, error) {
	hash, err := canonical.SnapshotHash(seq, components)
	if err != nil {
		return nil, fmt.Errorf("compute composite hash: %w", err)
	}
	cloned := make([]state.Component, len(components))
	for i, c := range components {
		cloned[i] = c.Clone()
	}
	return &Snapshot{
		SequenceNumber: seq,
		Components:     cloned,
		CompositeHash:  hash,
		CreatedAt:      createdAt,
		IsValid:        true,
	}, nil
}

// Verify recomputes the composite hash and compares it to the stored one.
//
// Outputs:
//
//	error - *IntegrityError if the recomputed hash differs. This is the
//	        sole fatal condition in the pipeline; a snapshot failing
//	        Verify must never be served.
func (s *Snapshot) Verify() error {
	hash, err := canonical.SnapshotHash(s.SequenceNumber, s.Components)
	if err != nil {
		return &IntegrityError{
			Sequence: s.SequenceNumber,
			Detail:   fmt.Sprintf("cannot recompute hash: %v", err),
		}
	}
	if hash != s.CompositeHash {
		return &IntegrityError{
			Sequence: s.SequenceNumber,
			Detail:   fmt.Sprintf("composite hash mismatch: stored %s, recomputed %s", s.CompositeHash, hash),
		}
	}
	return nil
}

// Component returns the named component, if present.
func (s *Snapshot) Component(name string) (state.Component, bool) {
	for _, c := range s.Components {
		if c.Name == name {
			return c, true
		}
	}
	return state.Component{}, false
}

// Age returns how old the snapshot is relative to now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Clone returns a deep copy. Stores hand out clones so no caller can
// mutate the ledger's view.
func (s *Snapshot) Clone() *Snapshot {
	components := make([]state.Component, len(s.Components))
	for i, c := range s.Components {
		components[i] = c.Clone()
	}
	out := *s
	out.Components = components
	return &out
}
