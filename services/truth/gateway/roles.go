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
	"errors"
	"fmt"
	"sync"
	"time"
)

// Grant describes what one role may see and through which tier.
type Grant struct {
	// Tier is the retrieval tier this role retrieves through.
	Tier string `json:"tier" yaml:"tier"`

	// Components scopes the projection. Nil means the full set the
	// tier authorizes.
	Components []string `json:"components,omitempty" yaml:"components,omitempty"`

	// MaxComponentAge rejects packages whose projected components were
	// last updated longer ago than this. Zero disables the check.
	MaxComponentAge time.Duration `json:"max_component_age,omitempty" yaml:"max_component_age,omitempty"`

	// Revoked roles are rejected outright.
	Revoked bool `json:"revoked,omitempty" yaml:"revoked,omitempty"`
}

// AuthorityMap holds the role authority table.
//
// Roles are configured at startup; revocation is the only runtime
// mutation, so an operator can cut off a misbehaving consumer without
// a restart.
//
// Thread Safety: Safe for concurrent use.
type AuthorityMap struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewAuthorityMap creates an authority map from configured grants.
func NewAuthorityMap(grants map[string]Grant) (*AuthorityMap, error) {
	if len(grants) == 0 {
		return nil, errors.New("authority map must not be empty")
	}
	copied := make(map[string]Grant, len(grants))
	for role, g := range grants {
		if role == "" {
			return nil, errors.New("role name must not be empty")
		}
		if g.Tier == "" {
			return nil, fmt.Errorf("role %s has no tier", role)
		}
		copied[role] = g
	}
	return &AuthorityMap{grants: copied}, nil
}

// Grant returns the grant for a role, if known.
func (m *AuthorityMap) Grant(role string) (Grant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[role]
	return g, ok
}

// Revoke marks a role revoked. Unknown roles are a no-op.
func (m *AuthorityMap) Revoke(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.grants[role]; ok {
		g.Revoked = true
		m.grants[role] = g
	}
}

// Roles returns all configured role names.
func (m *AuthorityMap) Roles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roles := make([]string, 0, len(m.grants))
	for role := range m.grants {
		roles = append(roles, role)
	}
	return roles
}
