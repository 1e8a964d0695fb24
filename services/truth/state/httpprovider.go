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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultProviderTimeout bounds a single provider read when the caller's
// context carries no deadline of its own.
const defaultProviderTimeout = 5 * time.Second

// maxProviderBody caps a provider response. Component payloads are small
// status values; anything larger is a misconfigured endpoint.
const maxProviderBody = 1 << 20

// HTTPProvider pulls a component from an external authority's read
// endpoint.
//
// Description:
//
//	The endpoint must answer GET with a JSON body in the Component wire
//	form: {"name": ..., "authority": ..., "value": ..., "updated_at": ...}.
//	The provider reports, it does not interpret: a reachable endpoint
//	returning a malformed component surfaces as a read error and the
//	registry treats the component as missing for that pass.
//
// Thread Safety: Safe for concurrent use.
type HTTPProvider struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPProvider creates a provider that reads from the given URL.
//
// Inputs:
//
//	name - The component name this provider owns. Must not be empty.
//	url - The authority's read endpoint. Must not be empty.
//	client - Optional HTTP client; nil uses a client with the default
//	         provider timeout.
func NewHTTPProvider(name, url string, client *http.Client) (*HTTPProvider, error) {
	if name == "" {
		return nil, errors.New("name must not be empty")
	}
	if url == "" {
		return nil, errors.New("url must not be empty")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultProviderTimeout}
	}
	return &HTTPProvider{name: name, url: url, client: client}, nil
}

// Name returns the component name.
func (p *HTTPProvider) Name() string { return p.name }

// Read fetches the current component value from the authority.
func (p *HTTPProvider) Read(ctx context.Context) (Component, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Component{}, fmt.Errorf("build provider request for %s: %w", p.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Component{}, fmt.Errorf("read component %s from %s: %w", p.name, p.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Component{}, fmt.Errorf("read component %s: authority returned %d", p.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return Component{}, fmt.Errorf("read component %s body: %w", p.name, err)
	}

	var c Component
	if err := json.Unmarshal(body, &c); err != nil {
		return Component{}, fmt.Errorf("decode component %s: %w", p.name, err)
	}
	return c, nil
}
