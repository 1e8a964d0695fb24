// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state models the shared state components the truth service reads.
//
// Each Component is owned by exactly one external authority. The truth
// service only ever reads components; updates happen upstream at whatever
// cadence the owning authority chooses. The Registry holds the canonical
// set: the fixed, versioned list of component names that must all be
// present and well-formed before a snapshot may be assembled.
//
// Thread Safety:
//
//	Registry and StaticProvider are safe for concurrent use.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Component is a single named piece of system-wide state.
//
// The Value payload is opaque to this service: it is carried, hashed,
// and projected but never interpreted. UpdatedAt is the owning
// authority's last-update timestamp, not the read time.
type Component struct {
	// Name uniquely identifies the component (e.g. "safety_level").
	Name string `json:"name" validate:"required"`

	// Authority identifies the external owner of this component.
	Authority string `json:"authority" validate:"required"`

	// Value is the opaque typed payload as JSON.
	Value json.RawMessage `json:"value" validate:"required"`

	// UpdatedAt is when the owning authority last changed the value.
	UpdatedAt time.Time `json:"updated_at" validate:"required"`
}

// Clone returns a deep copy of the component.
//
// The Value bytes are copied so callers can hold the result without
// observing later provider mutations.
func (c Component) Clone() Component {
	out := c
	out.Value = append(json.RawMessage(nil), c.Value...)
	return out
}

// Equal reports whether two components carry the same name, value bytes,
// and update timestamp. Used by the assembler's read-verify pass.
func (c Component) Equal(other Component) bool {
	return c.Name == other.Name &&
		c.Authority == other.Authority &&
		c.UpdatedAt.Equal(other.UpdatedAt) &&
		string(c.Value) == string(other.Value)
}

// Provider exposes the synchronous read interface of one component owner.
//
// Description:
//
//	Providers are external collaborators. Read must return the current
//	value and its last-updated timestamp; it must never block longer
//	than the context allows.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the component name this provider owns.
	Name() string

	// Read returns the current component value.
	//
	// Inputs:
	//   ctx - Context for cancellation and timeout.
	//
	// Outputs:
	//   Component - The current value with its update timestamp.
	//   error - Non-nil if the provider is unreachable or canceled.
	Read(ctx context.Context) (Component, error)
}

// SchemaError reports a canonical-set violation during a read.
//
// It is returned when required components are missing or a provider
// returned a malformed component. No snapshot may be built from a read
// that produced a SchemaError; the caller skips the tick and retries.
type SchemaError struct {
	// Missing lists required component names with no registered provider
	// or whose provider failed to return a value.
	Missing []string

	// Malformed lists component names whose payload failed validation.
	Malformed []string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing components: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Malformed) > 0 {
		parts = append(parts, fmt.Sprintf("malformed components: %s", strings.Join(e.Malformed, ", ")))
	}
	if len(parts) == 0 {
		return "schema mismatch"
	}
	return "schema mismatch: " + strings.Join(parts, "; ")
}

// validate is the package-level validator instance.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Registry tracks registered providers and the canonical set.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	required  []string
}

// NewRegistry creates a registry with the given canonical set.
//
// Description:
//
//	The canonical set is the fixed list of component names that must
//	all be present for a snapshot to be assembled. It is versioned by
//	deployment config, not mutated at runtime.
//
// Inputs:
//
//	required - Required component names. Must be non-empty.
//
// Outputs:
//
//	*Registry - The registry. Register providers before reading.
//	error - Non-nil if required is empty or contains duplicates.
func NewRegistry(required []string) (*Registry, error) {
	if len(required) == 0 {
		return nil, errors.New("canonical set must not be empty")
	}
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		if name == "" {
			return nil, errors.New("canonical set must not contain empty names")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate component name in canonical set: %s", name)
		}
		seen[name] = struct{}{}
	}
	req := append([]string(nil), required...)
	sort.Strings(req)
	return &Registry{
		providers: make(map[string]Provider),
		required:  req,
	}, nil
}

// Required returns the canonical set, sorted by name.
func (r *Registry) Required() []string {
	return append([]string(nil), r.required...)
}

// Register adds a provider for its component name.
//
// Outputs:
//
//	error - Non-nil if the provider is nil or its name is already taken.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}
	name := p.Name()
	if name == "" {
		return errors.New("provider name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider already registered for component %s", name)
	}
	r.providers[name] = p
	return nil
}

// ReadAll reads every required component in one logical pass.
//
// Description:
//
//	Reads each provider in the canonical set, validates the shape of
//	every returned component, and returns them sorted by name. A read
//	that cannot produce the full, well-formed canonical set returns a
//	*SchemaError and no components.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout.
//
// Outputs:
//
//	[]Component - All required components, sorted by name.
//	error - *SchemaError on canonical-set violations, or the context
//	        error if the read was canceled mid-pass.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) ReadAll(ctx context.Context) ([]Component, error) {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.required))
	var missing []string
	for _, name := range r.required {
		p, ok := r.providers[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	schemaErr := &SchemaError{Missing: missing}
	components := make([]Component, 0, len(providers))
	for _, p := range providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := p.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			schemaErr.Missing = append(schemaErr.Missing, p.Name())
			continue
		}
		if err := validateComponent(c, p.Name()); err != nil {
			schemaErr.Malformed = append(schemaErr.Malformed, p.Name())
			continue
		}
		components = append(components, c.Clone())
	}

	if len(schemaErr.Missing) > 0 || len(schemaErr.Malformed) > 0 {
		sort.Strings(schemaErr.Missing)
		sort.Strings(schemaErr.Malformed)
		return nil, schemaErr
	}

	sort.Slice(components, func(i, j int) bool {
		return components[i].Name < components[j].Name
	})
	return components, nil
}

// validateComponent checks one component against the wire shape.
func validateComponent(c Component, wantName string) error {
	if c.Name != wantName {
		return fmt.Errorf("provider for %s returned component named %s", wantName, c.Name)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("component %s failed validation: %w", c.Name, err)
	}
	if !json.Valid(c.Value) {
		return fmt.Errorf("component %s value is not valid JSON", c.Name)
	}
	return nil
}

// StaticProvider is an in-process Provider backed by a mutable value.
//
// Used for tests and single-process deployments where the owning
// authority runs in the same binary.
type StaticProvider struct {
	mu        sync.RWMutex
	name      string
	authority string
	value     json.RawMessage
	updatedAt time.Time
}

// NewStaticProvider creates a provider with an initial value.
func NewStaticProvider(name, authority string, value json.RawMessage, updatedAt time.Time) *StaticProvider {
	return &StaticProvider{
		name:      name,
		authority: authority,
		value:     append(json.RawMessage(nil), value...),
		updatedAt: updatedAt,
	}
}

// Name returns the component name.
func (p *StaticProvider) Name() string { return p.name }

// Read returns the current value.
func (p *StaticProvider) Read(ctx context.Context) (Component, error) {
	if err := ctx.Err(); err != nil {
		return Component{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Component{
		Name:      p.name,
		Authority: p.authority,
		Value:     append(json.RawMessage(nil), p.value...),
		UpdatedAt: p.updatedAt,
	}, nil
}

// Set replaces the value and update timestamp.
//
// Thread Safety: Safe for concurrent use.
func (p *StaticProvider) Set(value json.RawMessage, updatedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = append(json.RawMessage(nil), value...)
	p.updatedAt = updatedAt
}
