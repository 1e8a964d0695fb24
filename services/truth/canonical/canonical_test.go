// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package canonical

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTruth/services/truth/state"
)

func TestJSONKeyOrderIndependence(t *testing.T) {
	a, err := JSON(json.RawMessage(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	b, err := JSON(json.RawMessage(`{"a": 1, "b": 2}`))
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("Canonical forms differ: %q vs %q", a, b)
	}
}

func TestJSONRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"Truncated object", `{"a": 1`},
		{"Trailing garbage", `{"a": 1} extra`},
		{"Empty input", ``},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := JSON(json.RawMessage(tc.input)); err == nil {
				t.Errorf("Expected error for %q", tc.input)
			}
		})
	}
}

func TestJSONPreservesNumbers(t *testing.T) {
	out, err := JSON(json.RawMessage(`{"seq": 18446744073709551615}`))
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if !strings.Contains(string(out), "18446744073709551615") {
		t.Errorf("Large integer mangled: %s", out)
	}
}

func TestTimestampFormat(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 30, 0, 500, time.FixedZone("X", 3600))
	got := Timestamp(ts)
	if !strings.HasSuffix(got, "Z") {
		t.Errorf("Timestamp not normalized to UTC: %s", got)
	}
	if got != ts.UTC().Format(time.RFC3339Nano) {
		t.Errorf("Unexpected timestamp form: %s", got)
	}
}

func componentsFixture(t *testing.T) []state.Component {
	t.Helper()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return []state.Component{
		{Name: "regime", Authority: "regime_detector", Value: json.RawMessage(`{"name": "trending"}`), UpdatedAt: at},
		{Name: "safety_level", Authority: "safety_monitor", Value: json.RawMessage(`{"level": 2}`), UpdatedAt: at},
		{Name: "strategy", Authority: "strategy_engine", Value: json.RawMessage(`{"mode": "conservative"}`), UpdatedAt: at},
	}
}

func TestSnapshotHashDeterministic(t *testing.T) {
	comps := componentsFixture(t)

	comps[0].Value = json.RawMessage(`{"name": "trending", "confidence": 0.9}`)
	h1, err := SnapshotHash(42, comps)
	if err != nil {
		t.Fatalf("SnapshotHash failed: %v", err)
	}

	// Same logical content, different key order and whitespace.
	same := componentsFixture(t)
	same[0].Value = json.RawMessage(`{"confidence":0.9,"name":"trending"}`)
	h2, err := SnapshotHash(42, same)
	if err != nil {
		t.Fatalf("SnapshotHash failed: %v", err)
	}

	if h1 != h2 {
		t.Errorf("Hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(h1))
	}
	if h1 != strings.ToLower(h1) {
		t.Errorf("Hash not lowercase: %s", h1)
	}
}

func TestSnapshotHashSensitivity(t *testing.T) {
	comps := componentsFixture(t)
	base, err := SnapshotHash(42, comps)
	if err != nil {
		t.Fatalf("SnapshotHash failed: %v", err)
	}

	t.Run("Sequence changes hash", func(t *testing.T) {
		h, err := SnapshotHash(43, comps)
		if err != nil {
			t.Fatalf("SnapshotHash failed: %v", err)
		}
		if h == base {
			t.Error("Different sequence produced identical hash")
		}
	})

	t.Run("Value changes hash", func(t *testing.T) {
		mutated := componentsFixture(t)
		mutated[1].Value = json.RawMessage(`{"level": 3}`)
		h, err := SnapshotHash(42, mutated)
		if err != nil {
			t.Fatalf("SnapshotHash failed: %v", err)
		}
		if h == base {
			t.Error("Different value produced identical hash")
		}
	})

	t.Run("Timestamp changes hash", func(t *testing.T) {
		mutated := componentsFixture(t)
		mutated[0].UpdatedAt = mutated[0].UpdatedAt.Add(time.Nanosecond)
		h, err := SnapshotHash(42, mutated)
		if err != nil {
			t.Fatalf("SnapshotHash failed: %v", err)
		}
		if h == base {
			t.Error("Different timestamp produced identical hash")
		}
	})
}

func TestEncodeSnapshotLayout(t *testing.T) {
	raw, err := EncodeSnapshot(7, componentsFixture(t))
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}
	enc := string(raw)
	if !strings.HasPrefix(enc, "v1|seq=7|") {
		t.Errorf("Unexpected encoding prefix: %s", enc)
	}
	// Fields must appear in sorted name order.
	iRegime := strings.Index(enc, "regime:")
	iSafety := strings.Index(enc, "safety_level:")
	iStrategy := strings.Index(enc, "strategy:")
	if iRegime < 0 || iSafety < 0 || iStrategy < 0 {
		t.Fatalf("Missing component sections: %s", enc)
	}
	if !(iRegime < iSafety && iSafety < iStrategy) {
		t.Errorf("Components not sorted by name: %s", enc)
	}
}

func TestEncodeSnapshotRejectsUnsorted(t *testing.T) {
	comps := componentsFixture(t)
	unsorted := []state.Component{comps[2], comps[0], comps[1]}
	if _, err := EncodeSnapshot(1, unsorted); err == nil {
		t.Error("Expected error for unsorted components")
	}
}

func TestProjectionHashBindsSnapshotAndNonce(t *testing.T) {
	comps := componentsFixture(t)

	h1, err := ProjectionHash("aaaa", "nonce-1", comps)
	if err != nil {
		t.Fatalf("ProjectionHash failed: %v", err)
	}
	h2, err := ProjectionHash("bbbb", "nonce-1", comps)
	if err != nil {
		t.Fatalf("ProjectionHash failed: %v", err)
	}
	if h1 == h2 {
		t.Error("Different snapshot hashes produced identical projection hash")
	}

	h3, err := ProjectionHash("aaaa", "nonce-2", comps)
	if err != nil {
		t.Fatalf("ProjectionHash failed: %v", err)
	}
	if h1 == h3 {
		t.Error("Different nonces produced identical projection hash")
	}

	h4, err := ProjectionHash("aaaa", "nonce-1", comps)
	if err != nil {
		t.Fatalf("ProjectionHash failed: %v", err)
	}
	if h1 != h4 {
		t.Error("Identical inputs produced different projection hashes")
	}
}
