// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package canonical defines the canonical serialization and digest used
// for snapshot and context hashes.
//
// Cross-implementation bit-exactness depends on this format, so it is
// fixed here and versioned with a "v1" prefix:
//
//	v1|seq=<decimal>|<name>:<canonical-json>:<rfc3339nano-utc>|...
//
// Components appear sorted by name. Canonical JSON is Go's encoding/json
// re-encoding of the decoded value: object keys sorted, no insignificant
// whitespace. Timestamps are RFC 3339 with nanoseconds, normalized to UTC.
// The digest is SHA-256, rendered as lowercase hex.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianTruth/services/truth/state"
)

// Version is the canonical format version baked into every digest.
const Version = "v1"

// JSON re-encodes raw JSON into its canonical form.
//
// Description:
//
//	Decodes the value and re-encodes it compactly. encoding/json emits
//	object keys in sorted order, which makes the output deterministic
//	for identical inputs regardless of the producer's key order.
//
// Inputs:
//
//	raw - Any valid JSON document.
//
// Outputs:
//
//	[]byte - The canonical encoding.
//	error - Non-nil if raw is not valid JSON.
func JSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("re-encode value: %w", err)
	}
	return out, nil
}

// Timestamp renders a time in the canonical wire form.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Hash returns the SHA-256 digest of data as lowercase hex.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EncodeSnapshot builds the canonical byte string for a snapshot.
//
// Description:
//
//	Produces the exact bytes the composite hash is computed over.
//	Components must already be sorted by name; this function trusts
//	but re-checks the ordering so a mis-sorted caller cannot silently
//	produce a different digest.
//
// Inputs:
//
//	seq - The snapshot sequence number.
//	components - Components sorted by name.
//
// Outputs:
//
//	[]byte - The canonical encoding.
//	error - Non-nil on unsorted input or non-JSON values.
func EncodeSnapshot(seq uint64, components []state.Component) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Version)
	buf.WriteString("|seq=")
	buf.WriteString(strconv.FormatUint(seq, 10))

	prev := ""
	for _, c := range components {
		if prev != "" && c.Name <= prev {
			return nil, fmt.Errorf("components not sorted: %s after %s", c.Name, prev)
		}
		prev = c.Name

		value, err := JSON(c.Value)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", c.Name, err)
		}
		buf.WriteByte('|')
		buf.WriteString(c.Name)
		buf.WriteByte(':')
		buf.Write(value)
		buf.WriteByte(':')
		buf.WriteString(Timestamp(c.UpdatedAt))
	}
	return buf.Bytes(), nil
}

// SnapshotHash computes the composite hash for a snapshot.
//
// Identical (seq, component values, timestamps) always reproduce the
// identical digest.
func SnapshotHash(seq uint64, components []state.Component) (string, error) {
	enc, err := EncodeSnapshot(seq, components)
	if err != nil {
		return "", err
	}
	return Hash(enc), nil
}

// EncodeProjection builds the canonical byte string for a role-scoped
// projection handed to one consumer.
//
// The snapshot hash is bound into the encoding so a projection digest
// can never be valid for more than one snapshot. The issuance nonce is
// bound in so two issuances of the same projection still carry distinct
// context hashes; single-use enforcement depends on that distinctness.
func EncodeProjection(snapshotHash, nonce string, components []state.Component) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Version)
	buf.WriteString("|snapshot=")
	buf.WriteString(snapshotHash)
	buf.WriteString("|nonce=")
	buf.WriteString(nonce)

	prev := ""
	for _, c := range components {
		if prev != "" && c.Name <= prev {
			return nil, fmt.Errorf("components not sorted: %s after %s", c.Name, prev)
		}
		prev = c.Name

		value, err := JSON(c.Value)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", c.Name, err)
		}
		buf.WriteByte('|')
		buf.WriteString(c.Name)
		buf.WriteByte(':')
		buf.Write(value)
		buf.WriteByte(':')
		buf.WriteString(Timestamp(c.UpdatedAt))
	}
	return buf.Bytes(), nil
}

// ProjectionHash computes the context hash for a projection.
func ProjectionHash(snapshotHash, nonce string, components []state.Component) (string, error) {
	enc, err := EncodeProjection(snapshotHash, nonce, components)
	if err != nil {
		return "", err
	}
	return Hash(enc), nil
}
