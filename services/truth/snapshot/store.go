// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by Store implementations.
var (
	// ErrEmpty is returned by Latest when no snapshot has been committed.
	ErrEmpty = errors.New("snapshot store is empty")

	// ErrNotFound is returned when a sequence number or hash does not
	// resolve to a committed snapshot.
	ErrNotFound = errors.New("snapshot not found")

	// ErrSequenceConflict is returned when Append loses a race: the
	// requested sequence number is already taken. The losing assembler
	// retries with the next sequence number.
	ErrSequenceConflict = errors.New("sequence number already committed")
)

// IntegrityError reports ledger corruption: a hash mismatch, a gap, or a
// duplicate sequence number already on disk.
//
// It is the sole fatal condition in the pipeline. A store or assembler
// that observes one must stop serving and wait for operator intervention;
// there is no automatic repair path.
type IntegrityError struct {
	Sequence uint64
	Detail   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation at sequence %d: %s", e.Sequence, e.Detail)
}

// Store is the append-only, sequence-ordered snapshot ledger.
//
// Description:
//
//	Append enforces gap-free monotonic sequencing: a snapshot commits
//	only at exactly lastSequence+1 (or 1 for an empty ledger). Readers
//	always observe complete, immutable snapshots.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. Append may be
//	called by racing assemblers; exactly one commit wins per sequence
//	number and the losers receive ErrSequenceConflict.
type Store interface {
	// Append commits a snapshot at the next sequence number.
	//
	// Outputs:
	//   error - ErrSequenceConflict if the sequence is taken,
	//           *IntegrityError if the snapshot fails verification or
	//           would create a gap, or a storage error.
	Append(ctx context.Context, s *Snapshot) error

	// Latest returns the most recently committed snapshot.
	//
	// Outputs:
	//   *Snapshot - A deep copy of the latest snapshot.
	//   error - ErrEmpty if nothing has been committed.
	Latest(ctx context.Context) (*Snapshot, error)

	// Get returns the snapshot at a sequence number.
	Get(ctx context.Context, seq uint64) (*Snapshot, error)

	// GetByHash returns the snapshot with the given composite hash.
	GetByHash(ctx context.Context, hash string) (*Snapshot, error)

	// LastSequence returns the highest committed sequence number and
	// whether the ledger is non-empty.
	LastSequence(ctx context.Context) (uint64, bool, error)
}
