// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hydrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
	"github.com/AleutianAI/AleutianTruth/services/truth/binding"
	"github.com/AleutianAI/AleutianTruth/services/truth/gateway"
	"github.com/AleutianAI/AleutianTruth/services/truth/retrieval"
	"github.com/AleutianAI/AleutianTruth/services/truth/snapshot"
	"github.com/AleutianAI/AleutianTruth/services/truth/state"
	"github.com/AleutianAI/AleutianTruth/services/truth/violation"
)

var testTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	hydrator   *Hydrator
	binder     *binding.Binder
	traces     *audit.MemJournal
	bindings   *audit.MemJournal
	violations []violation.Event
}

// newFixture wires the full pipeline in memory: ledger, validator,
// gateway, binder, monitor, hydrator.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	components := []state.Component{
		{Name: "regime", Authority: "regime_detector", Value: json.RawMessage(`{"name": "trending"}`), UpdatedAt: testTime},
		{Name: "safety_level", Authority: "safety_monitor", Value: json.RawMessage(`{"level": 2}`), UpdatedAt: testTime},
	}
	snap, err := snapshot.New(1, components, testTime)
	if err != nil {
		t.Fatalf("snapshot.New failed: %v", err)
	}
	store := snapshot.NewMemStore()
	if err := store.Append(context.Background(), snap); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	validator, err := retrieval.NewValidator(store, audit.NewMemJournal(), retrieval.Config{
		MaxStaleness: 5 * time.Minute,
		Tiers:        retrieval.TierPolicy{"operational": nil},
		Clock:        func() time.Time { return testTime },
	})
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}

	signer, err := gateway.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner failed: %v", err)
	}
	roles, err := gateway.NewAuthorityMap(map[string]gateway.Grant{
		"advisor": {Tier: "operational"},
	})
	if err != nil {
		t.Fatalf("NewAuthorityMap failed: %v", err)
	}
	gw, err := gateway.NewGateway(validator, signer, roles, audit.NewMemJournal(), gateway.Config{
		Clock: func() time.Time { return testTime },
	})
	if err != nil {
		t.Fatalf("NewGateway failed: %v", err)
	}

	bindings := audit.NewMemJournal()
	binder, err := binding.NewBinder(store, gw, bindings, binding.Config{
		Clock: func() time.Time { return testTime },
	})
	if err != nil {
		t.Fatalf("NewBinder failed: %v", err)
	}

	f := &fixture{binder: binder, traces: audit.NewMemJournal(), bindings: bindings}

	monitor, err := violation.NewMonitor(violation.Config{
		Journal:  audit.NewMemJournal(),
		Escalate: func(ev violation.Event) { f.violations = append(f.violations, ev) },
		Clock:    func() time.Time { return testTime },
	})
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}

	hydrator, err := NewHydrator(gw, binder, monitor, f.traces, Config{
		Clock: func() time.Time { return testTime },
	})
	if err != nil {
		t.Fatalf("NewHydrator failed: %v", err)
	}
	f.hydrator = hydrator
	return f
}

func (f *fixture) traceRows(t *testing.T) []TraceRecord {
	t.Helper()
	var rows []TraceRecord
	err := f.traces.Each(context.Background(),
		func() any { return &TraceRecord{} },
		func(row any) bool {
			rows = append(rows, *row.(*TraceRecord))
			return true
		})
	if err != nil {
		t.Fatalf("Each failed: %v", err)
	}
	return rows
}

func TestHydrateAndDispatch(t *testing.T) {
	f := newFixture(t)
	userContent := json.RawMessage(`{"question": "should we rotate?"}`)

	var got Payload
	consumer := func(ctx context.Context, payload Payload) (ConsumerResult, error) {
		got = payload
		return ConsumerResult{ArtifactID: "A1", Output: json.RawMessage(`{"answer": "hold"}`)}, nil
	}

	result, err := f.hydrator.HydrateAndDispatch(context.Background(), "AGENT_1", "advisor", userContent, consumer, 0)
	if err != nil {
		t.Fatalf("HydrateAndDispatch failed: %v", err)
	}

	// The consumer saw system truth and caller content as distinct
	// fields.
	if got.SystemContext == nil {
		t.Fatal("Consumer received no system context")
	}
	if len(got.SystemContext.Projection) != 2 {
		t.Errorf("Projection = %d components", len(got.SystemContext.Projection))
	}
	if string(got.UserContent) != string(userContent) {
		t.Errorf("UserContent = %s", got.UserContent)
	}

	if result.ArtifactID != "A1" {
		t.Errorf("ArtifactID = %s", result.ArtifactID)
	}
	if result.ContextHash != got.SystemContext.ContextHash {
		t.Error("Result context hash differs from the dispatched package")
	}
	if result.Binding == nil || result.Binding.SnapshotHash != result.SnapshotHash {
		t.Errorf("Binding = %+v", result.Binding)
	}

	// The binding landed in the journal.
	bound, err := f.binder.FindByArtifact(context.Background(), "A1")
	if err != nil {
		t.Fatalf("FindByArtifact failed: %v", err)
	}
	if bound == nil || bound.ContextHash != result.ContextHash {
		t.Errorf("FindByArtifact = %+v", bound)
	}

	// One OK trace with the full linkage.
	rows := f.traceRows(t)
	if len(rows) != 1 {
		t.Fatalf("Trace journal holds %d rows, want 1", len(rows))
	}
	tr := rows[0]
	if tr.Outcome != TraceOK || tr.ArtifactID != "A1" || tr.ContextHash != result.ContextHash || tr.SnapshotSequence != 1 {
		t.Errorf("Trace = %+v", tr)
	}
}

func TestHydrateAssignsArtifactID(t *testing.T) {
	f := newFixture(t)
	consumer := func(ctx context.Context, payload Payload) (ConsumerResult, error) {
		return ConsumerResult{Output: json.RawMessage(`{}`)}, nil
	}
	result, err := f.hydrator.HydrateAndDispatch(context.Background(), "AGENT_1", "advisor", nil, consumer, 0)
	if err != nil {
		t.Fatalf("HydrateAndDispatch failed: %v", err)
	}
	if result.ArtifactID == "" {
		t.Error("No artifact id assigned")
	}
}

func TestHydrateBlocksOnReject(t *testing.T) {
	f := newFixture(t)

	invoked := false
	consumer := func(ctx context.Context, payload Payload) (ConsumerResult, error) {
		invoked = true
		return ConsumerResult{}, nil
	}

	result, err := f.hydrator.HydrateAndDispatch(context.Background(), "AGENT_1", "nonexistent", nil, consumer, 0)
	if result != nil {
		t.Error("Blocked dispatch returned a result")
	}
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("Expected *BlockedError, got %v", err)
	}
	if blocked.Reason != ReasonRejected {
		t.Errorf("Reason = %s", blocked.Reason)
	}
	if invoked {
		t.Error("Consumer ran despite the block")
	}

	rows := f.traceRows(t)
	if len(rows) != 1 || rows[0].Outcome != TraceBlocked {
		t.Errorf("Trace rows = %+v", rows)
	}

	count, _ := f.bindings.Len(context.Background())
	if count != 0 {
		t.Errorf("Blocked dispatch produced %d bindings", count)
	}
}

func TestHydrateConsumerError(t *testing.T) {
	f := newFixture(t)

	consumer := func(ctx context.Context, payload Payload) (ConsumerResult, error) {
		return ConsumerResult{}, errors.New("model unavailable")
	}

	_, err := f.hydrator.HydrateAndDispatch(context.Background(), "AGENT_1", "advisor", nil, consumer, 0)
	if err == nil {
		t.Fatal("Expected consumer error")
	}
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		t.Error("Consumer failure misreported as a block")
	}

	rows := f.traceRows(t)
	if len(rows) != 1 || rows[0].Outcome != TraceConsumerError {
		t.Errorf("Trace rows = %+v", rows)
	}
	// The governing hashes are still in the trace for auditors.
	if rows[0].ContextHash == "" || rows[0].SnapshotHash == "" {
		t.Error("Consumer-error trace lost its governing hashes")
	}

	count, _ := f.bindings.Len(context.Background())
	if count != 0 {
		t.Errorf("Failed dispatch produced %d bindings", count)
	}
}

func TestHydrateConsumerTimeout(t *testing.T) {
	f := newFixture(t)

	// The consumer surfaces an expired dispatch budget, not a model
	// failure of its own.
	consumer := func(ctx context.Context, payload Payload) (ConsumerResult, error) {
		return ConsumerResult{}, fmt.Errorf("model call: %w", context.DeadlineExceeded)
	}

	_, err := f.hydrator.HydrateAndDispatch(context.Background(), "AGENT_1", "advisor", nil, consumer, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		t.Error("Consumer timeout misreported as a block")
	}

	rows := f.traceRows(t)
	if len(rows) != 1 || rows[0].Outcome != TraceTimeout {
		t.Errorf("Trace rows = %+v", rows)
	}
	if rows[0].ContextHash == "" || rows[0].SnapshotHash == "" {
		t.Error("Timeout trace lost its governing hashes")
	}

	count, _ := f.bindings.Len(context.Background())
	if count != 0 {
		t.Errorf("Timed-out dispatch produced %d bindings", count)
	}
}

func TestHydrateCancellationHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	consumer := func(ctx context.Context, payload Payload) (ConsumerResult, error) {
		t.Error("Consumer ran on a cancelled context")
		return ConsumerResult{}, nil
	}

	_, err := f.hydrator.HydrateAndDispatch(ctx, "AGENT_1", "advisor", nil, consumer, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	if rows := f.traceRows(t); len(rows) != 0 {
		t.Errorf("Cancellation journaled %d traces", len(rows))
	}
	count, _ := f.bindings.Len(context.Background())
	if count != 0 {
		t.Errorf("Cancellation produced %d bindings", count)
	}
}

func TestHydrateCancellationInsideConsumer(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	consumer := func(ctx context.Context, payload Payload) (ConsumerResult, error) {
		cancel()
		return ConsumerResult{}, ctx.Err()
	}

	_, err := f.hydrator.HydrateAndDispatch(ctx, "AGENT_1", "advisor", nil, consumer, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if rows := f.traceRows(t); len(rows) != 0 {
		t.Errorf("Cancellation journaled %d traces", len(rows))
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	if !f.hydrator.consume("hash-a") {
		t.Error("First consume refused")
	}
	if f.hydrator.consume("hash-a") {
		t.Error("Second consume of the same hash allowed")
	}
	if !f.hydrator.consume("hash-b") {
		t.Error("Unrelated hash refused")
	}
}

func TestHydrateDistinctHashesPerDispatch(t *testing.T) {
	f := newFixture(t)
	consumer := func(ctx context.Context, payload Payload) (ConsumerResult, error) {
		return ConsumerResult{Output: json.RawMessage(`{}`)}, nil
	}

	a, err := f.hydrator.HydrateAndDispatch(context.Background(), "AGENT_1", "advisor", nil, consumer, 0)
	if err != nil {
		t.Fatalf("First dispatch failed: %v", err)
	}
	b, err := f.hydrator.HydrateAndDispatch(context.Background(), "AGENT_1", "advisor", nil, consumer, 0)
	if err != nil {
		t.Fatalf("Second dispatch failed: %v", err)
	}
	// Each dispatch is governed by its own single-use package.
	if a.ContextHash == b.ContextHash {
		t.Error("Two dispatches share a context hash")
	}
	if len(f.violations) != 0 {
		t.Errorf("Clean dispatches raised %d violations", len(f.violations))
	}
}

func TestNewHydratorValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		gw      *gateway.Gateway
		binder  *binding.Binder
		monitor *violation.Monitor
		traces  audit.Log
	}{
		{"Nil gateway", nil, f.hydrator.binder, f.hydrator.monitor, f.traces},
		{"Nil binder", f.hydrator.gateway, nil, f.hydrator.monitor, f.traces},
		{"Nil monitor", f.hydrator.gateway, f.hydrator.binder, nil, f.traces},
		{"Nil traces", f.hydrator.gateway, f.hydrator.binder, f.hydrator.monitor, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewHydrator(tc.gw, tc.binder, tc.monitor, tc.traces, Config{}); err == nil {
				t.Error("Expected constructor error")
			}
		})
	}
}
