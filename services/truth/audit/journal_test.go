// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"fmt"
	"testing"
)

type testRow struct {
	ID   int    `json:"id"`
	Note string `json:"note"`
}

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func collectRows(t *testing.T, r Reader) []testRow {
	t.Helper()
	var rows []testRow
	err := r.Each(context.Background(),
		func() any { return &testRow{} },
		func(row any) bool {
			rows = append(rows, *row.(*testRow))
			return true
		})
	if err != nil {
		t.Fatalf("Each failed: %v", err)
	}
	return rows
}

func TestJournalAppendOrder(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	j, err := NewJournal(db, "journal/test")
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		if err := j.Append(ctx, testRow{ID: i, Note: fmt.Sprintf("row %d", i)}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	count, err := j.Len(ctx)
	if err != nil || count != n {
		t.Fatalf("Len = (%d, %v), want (%d, nil)", count, err, n)
	}

	rows := collectRows(t, j)
	if len(rows) != n {
		t.Fatalf("Iterated %d rows, want %d", len(rows), n)
	}
	for i, row := range rows {
		if row.ID != i {
			t.Errorf("Row %d has ID %d; append order not preserved", i, row.ID)
		}
	}
}

func TestJournalPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	a, err := NewJournal(db, "journal/a")
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	b, err := NewJournal(db, "journal/b")
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}

	if err := a.Append(ctx, testRow{ID: 1}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := a.Append(ctx, testRow{ID: 2}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := b.Append(ctx, testRow{ID: 100}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	rowsA := collectRows(t, a)
	rowsB := collectRows(t, b)
	if len(rowsA) != 2 {
		t.Errorf("Journal a has %d rows, want 2", len(rowsA))
	}
	if len(rowsB) != 1 || rowsB[0].ID != 100 {
		t.Errorf("Journal b rows = %v", rowsB)
	}
}

func TestJournalEarlyStop(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	j, err := NewJournal(db, "journal/stop")
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := j.Append(ctx, testRow{ID: i}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	var seen int
	err = j.Each(ctx,
		func() any { return &testRow{} },
		func(row any) bool {
			seen++
			return seen < 2
		})
	if err != nil {
		t.Fatalf("Each failed: %v", err)
	}
	if seen != 2 {
		t.Errorf("Visited %d rows, want 2", seen)
	}
}

func TestNewJournalValidation(t *testing.T) {
	db := testDB(t)
	if _, err := NewJournal(nil, "x"); err == nil {
		t.Error("Expected error for nil db")
	}
	if _, err := NewJournal(db, ""); err == nil {
		t.Error("Expected error for empty prefix")
	}
}

func TestMemJournal(t *testing.T) {
	ctx := context.Background()
	j := NewMemJournal()

	for i := 0; i < 3; i++ {
		if err := j.Append(ctx, testRow{ID: i}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	count, err := j.Len(ctx)
	if err != nil || count != 3 {
		t.Fatalf("Len = (%d, %v)", count, err)
	}

	rows := collectRows(t, j)
	for i, row := range rows {
		if row.ID != i {
			t.Errorf("Row %d has ID %d", i, row.ID)
		}
	}
}

func TestDBOpenInMemory(t *testing.T) {
	db := testDB(t)
	if !db.InMemory() {
		t.Error("InMemory() = false for in-memory database")
	}
	if db.Path() != "" {
		t.Errorf("Path() = %q for in-memory database", db.Path())
	}
}

func TestDBOpenOnDisk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	j, err := NewJournal(db, "journal/disk")
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	if err := j.Append(context.Background(), testRow{ID: 7}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	rows := collectRows(t, j)
	if len(rows) != 1 || rows[0].ID != 7 {
		t.Errorf("Rows = %v", rows)
	}
}
