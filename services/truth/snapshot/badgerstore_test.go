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
	"testing"

	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
)

func testBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := audit.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewBadgerStore(db)
	if err != nil {
		t.Fatalf("NewBadgerStore failed: %v", err)
	}
	return store
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testBadgerStore(t)

	if _, err := store.Latest(ctx); !errors.Is(err, ErrEmpty) {
		t.Errorf("Latest on empty store = %v, want ErrEmpty", err)
	}

	s1 := mustSnapshot(t, 1)
	if err := store.Append(ctx, s1); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	latest, err := store.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.CompositeHash != s1.CompositeHash {
		t.Errorf("Latest hash = %s, want %s", latest.CompositeHash, s1.CompositeHash)
	}
	if err := latest.Verify(); err != nil {
		t.Errorf("Loaded snapshot fails verification: %v", err)
	}

	bySeq, err := store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if bySeq.SequenceNumber != 1 {
		t.Errorf("Get sequence = %d", bySeq.SequenceNumber)
	}

	byHash, err := store.GetByHash(ctx, s1.CompositeHash)
	if err != nil {
		t.Fatalf("GetByHash failed: %v", err)
	}
	if byHash.SequenceNumber != 1 {
		t.Errorf("GetByHash sequence = %d", byHash.SequenceNumber)
	}

	last, ok, err := store.LastSequence(ctx)
	if err != nil || !ok || last != 1 {
		t.Errorf("LastSequence = (%d, %v, %v), want (1, true, nil)", last, ok, err)
	}
}

func TestBadgerStoreSequencing(t *testing.T) {
	ctx := context.Background()
	store := testBadgerStore(t)

	if err := store.Append(ctx, mustSnapshot(t, 1)); err != nil {
		t.Fatalf("Append seq 1 failed: %v", err)
	}

	if err := store.Append(ctx, mustSnapshot(t, 1)); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("Append duplicate = %v, want ErrSequenceConflict", err)
	}

	var ie *IntegrityError
	if err := store.Append(ctx, mustSnapshot(t, 5)); !errors.As(err, &ie) {
		t.Errorf("Append gap = %v, want *IntegrityError", err)
	}

	if err := store.Append(ctx, mustSnapshot(t, 2)); err != nil {
		t.Fatalf("Append seq 2 failed: %v", err)
	}
}

func TestBadgerStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := testBadgerStore(t)

	if _, err := store.Get(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(7) = %v, want ErrNotFound", err)
	}
	if _, err := store.GetByHash(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByHash = %v, want ErrNotFound", err)
	}
}

func TestBadgerStoreWithAssembler(t *testing.T) {
	ctx := context.Background()
	store := testBadgerStore(t)
	a := testAssembler(t, testRegistry(t), store)

	for want := uint64(1); want <= 3; want++ {
		snap, err := a.Assemble(ctx)
		if err != nil {
			t.Fatalf("Assemble failed: %v", err)
		}
		if snap.SequenceNumber != want {
			t.Errorf("Sequence = %d, want %d", snap.SequenceNumber, want)
		}
	}
}
