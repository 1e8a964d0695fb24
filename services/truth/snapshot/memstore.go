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
	"sync"
)

// MemStore is an in-memory Store for tests and single-process use.
//
// Thread Safety: Safe for concurrent use.
type MemStore struct {
	mu     sync.RWMutex
	snaps  []*Snapshot
	byHash map[string]uint64
}

// NewMemStore creates an empty in-memory ledger.
func NewMemStore() *MemStore {
	return &MemStore{byHash: make(map[string]uint64)}
}

// Append commits a snapshot at the next sequence number.
func (m *MemStore) Append(ctx context.Context, s *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Verify(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := uint64(len(m.snaps)) + 1
	switch {
	case s.SequenceNumber < next:
		return ErrSequenceConflict
	case s.SequenceNumber > next:
		return &IntegrityError{
			Sequence: s.SequenceNumber,
			Detail:   "append would create a sequence gap",
		}
	}

	clone := s.Clone()
	m.snaps = append(m.snaps, clone)
	m.byHash[clone.CompositeHash] = clone.SequenceNumber
	return nil
}

// Latest returns the most recently committed snapshot.
func (m *MemStore) Latest(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snaps) == 0 {
		return nil, ErrEmpty
	}
	return m.snaps[len(m.snaps)-1].Clone(), nil
}

// Get returns the snapshot at a sequence number.
func (m *MemStore) Get(ctx context.Context, seq uint64) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq == 0 || seq > uint64(len(m.snaps)) {
		return nil, ErrNotFound
	}
	return m.snaps[seq-1].Clone(), nil
}

// GetByHash returns the snapshot with the given composite hash.
func (m *MemStore) GetByHash(ctx context.Context, hash string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	seq, ok := m.byHash[hash]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, seq)
}

// LastSequence returns the highest committed sequence number.
func (m *MemStore) LastSequence(ctx context.Context) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snaps) == 0 {
		return 0, false, nil
	}
	return uint64(len(m.snaps)), true, nil
}
