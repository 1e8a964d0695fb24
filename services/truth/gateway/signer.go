// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/AleutianTruth/services/truth/canonical"
)

// Signer produces and verifies the integrity signature on context
// packages.
//
// The scheme is Ed25519. The 32-byte seed lives in a memguard enclave
// and is only materialized into locked memory for the duration of a
// signing operation, the same way the platform guards other secret
// material.
//
// Thread Safety: Safe for concurrent use.
type Signer struct {
	enclave *memguard.Enclave
	public  ed25519.PublicKey
}

// NewSigner creates a signer from a 32-byte Ed25519 seed.
//
// Description:
//
//	The seed is sealed into an enclave; the caller's copy is wiped
//	before returning.
//
// Inputs:
//
//	seed - Ed25519 seed, exactly ed25519.SeedSize bytes. Wiped on return.
//
// Outputs:
//
//	*Signer - Ready to sign.
//	error - Non-nil if the seed has the wrong length.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		memguard.WipeBytes(seed)
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	private := ed25519.NewKeyFromSeed(seed)
	public := append(ed25519.PublicKey(nil), private.Public().(ed25519.PublicKey)...)
	memguard.WipeBytes(private)

	// NewEnclave wipes the seed buffer it is given.
	return &Signer{
		enclave: memguard.NewEnclave(seed),
		public:  public,
	}, nil
}

// GenerateSigner creates a signer with a fresh random seed.
func GenerateSigner() (*Signer, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return NewSigner(seed)
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.public...)
}

// signingMessage is the exact byte string signatures cover. The format
// is versioned alongside the canonical serialization.
func signingMessage(contextHash string, issuedAt time.Time, agentID string) []byte {
	var buf bytes.Buffer
	buf.WriteString(canonical.Version)
	buf.WriteString("|ctx=")
	buf.WriteString(contextHash)
	buf.WriteString("|issued=")
	buf.WriteString(canonical.Timestamp(issuedAt))
	buf.WriteString("|agent=")
	buf.WriteString(agentID)
	return buf.Bytes()
}

// Sign signs (context_hash, issued_at, agent_id).
//
// Outputs:
//
//	[]byte - The Ed25519 signature.
//	error - Non-nil if the enclave cannot be opened.
func (s *Signer) Sign(contextHash string, issuedAt time.Time, agentID string) ([]byte, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open signing enclave: %w", err)
	}
	defer buf.Destroy()

	if buf.Size() != ed25519.SeedSize {
		return nil, errors.New("signing enclave holds malformed seed")
	}
	private := ed25519.NewKeyFromSeed(buf.Bytes())
	sig := ed25519.Sign(private, signingMessage(contextHash, issuedAt, agentID))
	memguard.WipeBytes(private)
	return sig, nil
}

// Verify checks a signature against (context_hash, issued_at, agent_id).
func (s *Signer) Verify(contextHash string, issuedAt time.Time, agentID string, sig []byte) bool {
	return ed25519.Verify(s.public, signingMessage(contextHash, issuedAt, agentID), sig)
}

// VerifyWithKey checks a signature with an external verification key.
// Auditors use this to validate packages without access to the signer.
func VerifyWithKey(public ed25519.PublicKey, contextHash string, issuedAt time.Time, agentID string, sig []byte) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public, signingMessage(contextHash, issuedAt, agentID), sig)
}
