// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProviderRead(t *testing.T) {
	updated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"name": "regime",
			"authority": "regime_detector",
			"value": {"name": "trending"},
			"updated_at": "2025-03-01T12:00:00Z"
		}`))
	}))
	defer server.Close()

	p, err := NewHTTPProvider("regime", server.URL, nil)
	if err != nil {
		t.Fatalf("NewHTTPProvider failed: %v", err)
	}
	if p.Name() != "regime" {
		t.Errorf("Name = %s", p.Name())
	}

	c, err := p.Read(context.Background())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if c.Name != "regime" || c.Authority != "regime_detector" {
		t.Errorf("Component = %+v", c)
	}
	if !c.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v", c.UpdatedAt)
	}
}

func TestHTTPProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"Authority error status", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"Malformed body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"name": `))
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			p, err := NewHTTPProvider("regime", server.URL, nil)
			if err != nil {
				t.Fatalf("NewHTTPProvider failed: %v", err)
			}
			if _, err := p.Read(context.Background()); err == nil {
				t.Error("Expected read error")
			}
		})
	}
}

func TestHTTPProviderCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	p, err := NewHTTPProvider("regime", server.URL, nil)
	if err != nil {
		t.Fatalf("NewHTTPProvider failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Read(ctx); err == nil {
		t.Error("Expected error on cancelled read")
	}
}

func TestNewHTTPProviderValidation(t *testing.T) {
	if _, err := NewHTTPProvider("", "http://localhost:9000", nil); err == nil {
		t.Error("Expected error for empty name")
	}
	if _, err := NewHTTPProvider("regime", "", nil); err == nil {
		t.Error("Expected error for empty url")
	}
}

// A registry backed by an HTTP provider treats an unreachable authority
// as a missing component, not a partial read.
func TestRegistryWithUnreachableHTTPProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r, err := NewRegistry([]string{"regime"})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	p, err := NewHTTPProvider("regime", server.URL, nil)
	if err != nil {
		t.Fatalf("NewHTTPProvider failed: %v", err)
	}
	if err := r.Register(p); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err = r.ReadAll(context.Background())
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("Expected *SchemaError, got %v", err)
	}
	if len(schemaErr.Missing) != 1 || schemaErr.Missing[0] != "regime" {
		t.Errorf("Missing = %v", schemaErr.Missing)
	}
}
