// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package violation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
	"github.com/AleutianAI/AleutianTruth/services/truth/snapshot"
	"github.com/AleutianAI/AleutianTruth/services/truth/state"
)

var testTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testMonitor(t *testing.T) (*Monitor, *audit.MemJournal) {
	t.Helper()
	journal := audit.NewMemJournal()
	m, err := NewMonitor(Config{
		Journal: journal,
		Clock:   func() time.Time { return testTime },
	})
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}
	return m, journal
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		t     Type
		level Level
	}{
		{TornRead, LevelFatal},
		{Integrity, LevelFatal},
		{SignatureInvalid, LevelCritical},
		{CacheUse, LevelCritical},
		{StaleRead, LevelCritical},
		{MissingBinding, LevelWarning},
	}
	for _, tc := range tests {
		t.Run(string(tc.t), func(t *testing.T) {
			if got := levelFor(tc.t); got != tc.level {
				t.Errorf("levelFor(%s) = %s, want %s", tc.t, got, tc.level)
			}
		})
	}
}

func TestRaisePersistsAndEscalates(t *testing.T) {
	journal := audit.NewMemJournal()
	var escalated []Event
	m, err := NewMonitor(Config{
		Journal:  journal,
		Escalate: func(ev Event) { escalated = append(escalated, ev) },
		Clock:    func() time.Time { return testTime },
	})
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}

	ev := m.Raise(context.Background(), CacheUse, "AGENT_1", "hash reused")
	if ev.ID == "" {
		t.Error("Event has no ID")
	}
	if ev.Level != LevelCritical {
		t.Errorf("Level = %s", ev.Level)
	}
	if !ev.DetectedAt.Equal(testTime) {
		t.Errorf("DetectedAt = %v", ev.DetectedAt)
	}

	count, _ := journal.Len(context.Background())
	if count != 1 {
		t.Errorf("Journal holds %d rows, want 1", count)
	}
	if len(escalated) != 1 || escalated[0].ID != ev.ID {
		t.Errorf("Escalated = %+v", escalated)
	}
}

func TestAcknowledge(t *testing.T) {
	m, _ := testMonitor(t)

	ev := m.Raise(context.Background(), StaleRead, "AGENT_1", "stale")
	if len(m.Active()) != 1 {
		t.Fatalf("Active = %d, want 1", len(m.Active()))
	}

	if err := m.Acknowledge(ev.ID); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if len(m.Active()) != 0 {
		t.Error("Acknowledged event still active")
	}

	if err := m.Acknowledge("nonexistent"); err == nil {
		t.Error("Expected error for unknown event id")
	}
}

func TestSubscribeFanout(t *testing.T) {
	m, _ := testMonitor(t)

	var seen []Event
	sub := m.Subscribe(func(ev Event) { seen = append(seen, ev) })

	m.Raise(context.Background(), TornRead, "AGENT_1", "first")
	if len(seen) != 1 {
		t.Fatalf("Subscriber saw %d events, want 1", len(seen))
	}

	sub.Cancel()
	m.Raise(context.Background(), TornRead, "AGENT_1", "second")
	if len(seen) != 1 {
		t.Error("Cancelled subscriber still receives events")
	}

	// Cancel is idempotent.
	sub.Cancel()
}

func TestSubscriptionCancelConcurrent(t *testing.T) {
	m, _ := testMonitor(t)

	var seen []Event
	sub := m.Subscribe(func(ev Event) { seen = append(seen, ev) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
	}
	wg.Wait()

	m.Raise(context.Background(), TornRead, "AGENT_1", "after cancel")
	if len(seen) != 0 {
		t.Errorf("Cancelled subscriber saw %d events", len(seen))
	}
}

// =============================================================================
// Sweep
// =============================================================================

func seedLedger(t *testing.T) (*snapshot.MemStore, *snapshot.Snapshot) {
	t.Helper()
	components := []state.Component{
		{Name: "regime", Authority: "regime_detector", Value: json.RawMessage(`{"name": "trending"}`), UpdatedAt: testTime},
	}
	snap, err := snapshot.New(1, components, testTime)
	if err != nil {
		t.Fatalf("snapshot.New failed: %v", err)
	}
	store := snapshot.NewMemStore()
	if err := store.Append(context.Background(), snap); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return store, snap
}

func appendRows(t *testing.T, j *audit.MemJournal, rows ...any) {
	t.Helper()
	for _, row := range rows {
		if err := j.Append(context.Background(), row); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
}

func eventTypes(events []Event) map[Type]int {
	out := make(map[Type]int)
	for _, ev := range events {
		out[ev.Type]++
	}
	return out
}

func TestSweepCleanJournals(t *testing.T) {
	m, _ := testMonitor(t)
	store, snap := seedLedger(t)

	retrievals := audit.NewMemJournal()
	appendRows(t, retrievals, retrievalRow{
		AgentID:          "AGENT_1",
		SnapshotSequence: &snap.SequenceNumber,
		SnapshotHash:     snap.CompositeHash,
		Outcome:          "OK",
		Timestamp:        testTime.Add(time.Minute),
	})
	bindings := audit.NewMemJournal()
	appendRows(t, bindings, bindingRow{
		ArtifactID:   "A1",
		SnapshotHash: snap.CompositeHash,
		ContextHash:  "ctx-1",
		AgentID:      "AGENT_1",
	})
	dispatches := audit.NewMemJournal()
	appendRows(t, dispatches, dispatchRow{
		AgentID:     "AGENT_1",
		ArtifactID:  "A1",
		ContextHash: "ctx-1",
		Outcome:     "OK",
	})

	raised, err := m.Sweep(context.Background(), Sources{
		Snapshots:    store,
		Retrievals:   retrievals,
		Bindings:     bindings,
		Dispatches:   dispatches,
		MaxStaleness: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(raised) != 0 {
		t.Errorf("Clean journals raised %d events: %+v", len(raised), raised)
	}
}

func TestSweepTornReadUnknownHash(t *testing.T) {
	m, _ := testMonitor(t)
	store, _ := seedLedger(t)

	bindings := audit.NewMemJournal()
	appendRows(t, bindings, bindingRow{
		ArtifactID:   "A1",
		SnapshotHash: "2222222222222222222222222222222222222222222222222222222222222222",
		AgentID:      "AGENT_1",
	})

	raised, err := m.Sweep(context.Background(), Sources{Snapshots: store, Bindings: bindings})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if got := eventTypes(raised); got[TornRead] != 1 {
		t.Errorf("Events = %+v", got)
	}
	if raised[0].Level != LevelFatal {
		t.Errorf("Level = %s", raised[0].Level)
	}
}

func TestSweepTornReadSplitArtifact(t *testing.T) {
	m, _ := testMonitor(t)
	store, snap := seedLedger(t)

	next, err := snapshot.New(2, []state.Component{
		{Name: "regime", Authority: "regime_detector", Value: json.RawMessage(`{"name": "choppy"}`), UpdatedAt: testTime.Add(time.Second)},
	}, testTime.Add(time.Second))
	if err != nil {
		t.Fatalf("snapshot.New failed: %v", err)
	}
	if err := store.Append(context.Background(), next); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	bindings := audit.NewMemJournal()
	appendRows(t, bindings,
		bindingRow{ArtifactID: "A1", SnapshotHash: snap.CompositeHash, AgentID: "AGENT_1"},
		bindingRow{ArtifactID: "A1", SnapshotHash: next.CompositeHash, AgentID: "AGENT_1"},
	)

	raised, err := m.Sweep(context.Background(), Sources{Snapshots: store, Bindings: bindings})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if got := eventTypes(raised); got[TornRead] != 1 {
		t.Errorf("Events = %+v", got)
	}
}

func TestSweepStaleRead(t *testing.T) {
	m, _ := testMonitor(t)
	store, snap := seedLedger(t)

	retrievals := audit.NewMemJournal()
	appendRows(t, retrievals, retrievalRow{
		AgentID:          "AGENT_1",
		SnapshotSequence: &snap.SequenceNumber,
		SnapshotHash:     snap.CompositeHash,
		Outcome:          "OK",
		Timestamp:        testTime.Add(time.Hour),
	})

	raised, err := m.Sweep(context.Background(), Sources{
		Snapshots:    store,
		Retrievals:   retrievals,
		MaxStaleness: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if got := eventTypes(raised); got[StaleRead] != 1 {
		t.Errorf("Events = %+v", got)
	}
}

func TestSweepStaleReadJudgedAtValidationInstant(t *testing.T) {
	m, _ := testMonitor(t)
	store, snap := seedLedger(t)

	// Validated just inside the threshold; the record row itself landed
	// just past it. The validator served this legitimately.
	retrievals := audit.NewMemJournal()
	appendRows(t, retrievals, retrievalRow{
		AgentID:          "AGENT_1",
		SnapshotSequence: &snap.SequenceNumber,
		SnapshotHash:     snap.CompositeHash,
		Outcome:          "OK",
		ValidatedAt:      testTime.Add(5*time.Minute - time.Second),
		Timestamp:        testTime.Add(5*time.Minute + time.Second),
	})

	raised, err := m.Sweep(context.Background(), Sources{
		Snapshots:    store,
		Retrievals:   retrievals,
		MaxStaleness: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(raised) != 0 {
		t.Errorf("Legitimate retrieval raised %+v", raised)
	}
}

func TestSweepIgnoresHaltedRetrievals(t *testing.T) {
	m, _ := testMonitor(t)
	store, snap := seedLedger(t)

	// A halted retrieval at any age is the validator doing its job,
	// not a violation.
	retrievals := audit.NewMemJournal()
	appendRows(t, retrievals, retrievalRow{
		AgentID:          "AGENT_1",
		SnapshotSequence: &snap.SequenceNumber,
		SnapshotHash:     snap.CompositeHash,
		Outcome:          "STALE",
		Timestamp:        testTime.Add(time.Hour),
	})

	raised, err := m.Sweep(context.Background(), Sources{
		Snapshots:    store,
		Retrievals:   retrievals,
		MaxStaleness: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(raised) != 0 {
		t.Errorf("Halted retrieval raised %+v", raised)
	}
}

func TestSweepCacheUse(t *testing.T) {
	m, _ := testMonitor(t)

	dispatches := audit.NewMemJournal()
	appendRows(t, dispatches,
		dispatchRow{AgentID: "AGENT_1", ContextHash: "ctx-1", Outcome: "OK"},
		dispatchRow{AgentID: "AGENT_1", ContextHash: "ctx-1", Outcome: "OK"},
		dispatchRow{AgentID: "AGENT_2", ContextHash: "ctx-2", Outcome: "OK"},
	)

	raised, err := m.Sweep(context.Background(), Sources{Dispatches: dispatches})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	got := eventTypes(raised)
	if got[CacheUse] != 1 {
		t.Errorf("Events = %+v", got)
	}
}

func TestSweepMissingBinding(t *testing.T) {
	m, _ := testMonitor(t)
	store, _ := seedLedger(t)

	dispatches := audit.NewMemJournal()
	appendRows(t, dispatches, dispatchRow{
		AgentID:     "AGENT_1",
		ArtifactID:  "A1",
		ContextHash: "ctx-1",
		Outcome:     "OK",
	})

	raised, err := m.Sweep(context.Background(), Sources{
		Snapshots:  store,
		Bindings:   audit.NewMemJournal(),
		Dispatches: dispatches,
	})
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if got := eventTypes(raised); got[MissingBinding] != 1 {
		t.Errorf("Events = %+v", got)
	}
}

func TestSweepDeduplicatesAcrossPasses(t *testing.T) {
	m, _ := testMonitor(t)
	store, _ := seedLedger(t)

	bindings := audit.NewMemJournal()
	appendRows(t, bindings, bindingRow{
		ArtifactID:   "A1",
		SnapshotHash: "2222222222222222222222222222222222222222222222222222222222222222",
		AgentID:      "AGENT_1",
	})
	src := Sources{Snapshots: store, Bindings: bindings}

	first, err := m.Sweep(context.Background(), src)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("First pass raised %d events", len(first))
	}

	second, err := m.Sweep(context.Background(), src)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("Second pass re-raised %d events", len(second))
	}
	if len(m.Active()) != 1 {
		t.Errorf("Active = %d, want 1", len(m.Active()))
	}
}

func TestSweepRunner(t *testing.T) {
	m, _ := testMonitor(t)
	store, _ := seedLedger(t)

	runner, err := NewSweepRunner(m, Sources{Snapshots: store}, 5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewSweepRunner failed: %v", err)
	}
	runner.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	runner.Stop()
	// Stop again is a no-op.
	runner.Stop()
}

func TestSweepRunnerStopWithoutStart(t *testing.T) {
	m, _ := testMonitor(t)
	runner, err := NewSweepRunner(m, Sources{}, time.Second, nil)
	if err != nil {
		t.Fatalf("NewSweepRunner failed: %v", err)
	}
	runner.Stop()
}

func TestNewSweepRunnerValidation(t *testing.T) {
	m, _ := testMonitor(t)
	if _, err := NewSweepRunner(nil, Sources{}, time.Second, nil); err == nil {
		t.Error("Expected error for nil monitor")
	}
	if _, err := NewSweepRunner(m, Sources{}, 0, nil); err == nil {
		t.Error("Expected error for zero interval")
	}
}
