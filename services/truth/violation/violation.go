// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package violation detects and escalates contract violations across the
// truth pipeline: torn reads, staleness bypasses, missing bindings,
// context reuse, and bad signatures.
//
// Detections raise typed events that persist until acknowledged and are
// fanned out to subscribers and an external escalation callback. The
// concrete escalation policy (e.g. raising a system-wide safety level)
// lives outside this service.
package violation

import (
	"time"
)

// Type classifies a violation event.
type Type string

const (
	// TornRead: a binding references a snapshot hash absent from the
	// ledger, or one artifact binds to two different sequence numbers.
	TornRead Type = "TORN_READ"

	// StaleRead: a retrieval succeeded with a snapshot older than the
	// staleness threshold. Indicates a validator bug or bypass.
	StaleRead Type = "STALE_READ"

	// MissingBinding: a dispatched artifact has no output binding.
	MissingBinding Type = "MISSING_BINDING"

	// CacheUse: a context hash was reused beyond its single-call
	// validity.
	CacheUse Type = "CACHE_USE"

	// SignatureInvalid: a package signature does not verify against
	// (context_hash, issued_at, agent_id).
	SignatureInvalid Type = "SIGNATURE_INVALID"

	// Integrity: ledger corruption (hash mismatch, sequence gap or
	// duplicate). The sole fatal condition.
	Integrity Type = "INTEGRITY_VIOLATION"
)

// Level is the escalation severity attached to an event.
type Level int

const (
	// LevelWarning events need review but do not stop the pipeline.
	LevelWarning Level = iota

	// LevelCritical events indicate an active contract breach.
	LevelCritical

	// LevelFatal events require the pipeline to stop serving.
	LevelFatal
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelCritical:
		return "CRITICAL"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// levelFor maps violation types to escalation levels.
func levelFor(t Type) Level {
	switch t {
	case TornRead, Integrity:
		return LevelFatal
	case SignatureInvalid, CacheUse, StaleRead:
		return LevelCritical
	default:
		return LevelWarning
	}
}

// Event is one detected violation. Events persist until acknowledged.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type classifies the violation.
	Type Type `json:"type"`

	// AgentID is the implicated agent, when attributable.
	AgentID string `json:"agent_id,omitempty"`

	// Detail carries diagnostic context for operators.
	Detail string `json:"detail"`

	// DetectedAt is the detection time.
	DetectedAt time.Time `json:"detected_at"`

	// Level is the escalation severity.
	Level Level `json:"escalation_level"`

	// Acknowledged is set by an operator; acknowledged events no
	// longer count as active.
	Acknowledged bool `json:"acknowledged"`
}

// EscalationFunc is the external escalation callback. It is invoked
// synchronously for every raised event; implementations must not block.
type EscalationFunc func(Event)
