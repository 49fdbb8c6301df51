// Copyright 2026 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connector

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Availability describes how far along a connector's implementation is.
type Availability string

const (
	AvailabilityStable       Availability = "stable"
	AvailabilityBeta         Availability = "beta"
	AvailabilityExperimental Availability = "experimental"
	AvailabilityDeprecated   Availability = "deprecated"
)

// IsValid reports whether a is a known availability level.
func (a Availability) IsValid() bool {
	switch a {
	case AvailabilityStable, AvailabilityBeta, AvailabilityExperimental, AvailabilityDeprecated:
		return true
	}
	return false
}

// Definition is a connector manifest loaded from the connectors
// directory. JSON field names match the manifest schema.
type Definition struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Version      string       `json:"version,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Availability Availability `json:"availability"`
	Tier         string       `json:"tier,omitempty"`
	Hidden       bool         `json:"hidden,omitempty"`
	Categories   []string     `json:"categories,omitempty"`

	// BaseURL enables the generic HTTP client when no native client is
	// bound. Connectors without it must ship a bound client.
	BaseURL string `json:"baseUrl,omitempty"`

	Auth    *AuthSpec         `json:"auth,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// RateLimit throttles the whole connector across its functions.
	RateLimit *RateLimitSpec `json:"rateLimit,omitempty"`

	// Test declares the endpoint TestConnection calls. When nil the
	// generic client falls back to the first GET function.
	Test *EndpointSpec `json:"test,omitempty"`

	Functions []FunctionSpec `json:"functions,omitempty"`

	// AppsScript marks connectors whose native runtime is an Apps
	// Script bridge gated per deployment.
	AppsScript bool `json:"appsScript,omitempty"`
}

// Function returns the function declared with the given id.
func (d *Definition) Function(id string) (*FunctionSpec, bool) {
	for i := range d.Functions {
		if d.Functions[i].ID == id {
			return &d.Functions[i], true
		}
	}
	return nil, false
}

// SupportsGenericClient reports whether the definition declares enough
// for the generic HTTP client: a base URL and at least one function.
func (d *Definition) SupportsGenericClient() bool {
	return d.BaseURL != "" && len(d.Functions) > 0
}

// Validate checks structural fields the manifest schema cannot express.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("connector manifest missing id")
	}
	if d.Availability != "" && !d.Availability.IsValid() {
		return fmt.Errorf("connector %s: unknown availability %q", d.ID, d.Availability)
	}
	seen := make(map[string]bool, len(d.Functions))
	for i := range d.Functions {
		fn := &d.Functions[i]
		if fn.ID == "" {
			return fmt.Errorf("connector %s: function %d missing id", d.ID, i)
		}
		if seen[fn.ID] {
			return fmt.Errorf("connector %s: duplicate function id %q", d.ID, fn.ID)
		}
		seen[fn.ID] = true
		switch fn.Role {
		case "action", "trigger", "":
		default:
			return fmt.Errorf("connector %s: function %s has unknown role %q", d.ID, fn.ID, fn.Role)
		}
		if d.BaseURL != "" && fn.Endpoint.Method == "" {
			return fmt.Errorf("connector %s: function %s missing endpoint method", d.ID, fn.ID)
		}
	}
	return nil
}

// FunctionSpec declares one callable function of a connector.
type FunctionSpec struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// Role is "action" or "trigger". Empty defaults to action.
	Role string `json:"role,omitempty"`

	Endpoint EndpointSpec `json:"endpoint"`

	// Parameters is the JSON schema for the function's inputs, kept raw
	// for the node catalog.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// DedupeKey names the response item field polling triggers dedupe
	// on (trigger functions only).
	DedupeKey string `json:"dedupeKey,omitempty"`
}

// IsTrigger reports whether the function registers as a trigger.
func (f *FunctionSpec) IsTrigger() bool { return f.Role == "trigger" }

// EndpointSpec is a JSON-declared HTTP call template. Path segments in
// braces ({id}) are filled from parameters; query values support the
// same placeholder form.
type EndpointSpec struct {
	Method string `json:"method"`
	Path   string `json:"path"`

	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// BodyParams restricts which parameters are sent in the JSON body.
	// Empty means every parameter not consumed by the path or query.
	BodyParams []string `json:"bodyParams,omitempty"`

	// ItemsPath is a dot path into the response that yields the item
	// collection for polling triggers (e.g. "data.items").
	ItemsPath string `json:"itemsPath,omitempty"`
}

// AuthSpec declares how the generic client authenticates requests.
type AuthSpec struct {
	// Type is one of api_key, bearer, basic, oauth2, aws_sigv4.
	Type string `json:"type"`

	// Header and Prefix shape api_key auth ("X-Api-Key", "Token ").
	Header string `json:"header,omitempty"`
	Prefix string `json:"prefix,omitempty"`

	// In places an api_key in "header" (default) or "query".
	In    string `json:"in,omitempty"`
	Param string `json:"param,omitempty"`

	// TokenURL and Scopes apply to oauth2: the provider token endpoint
	// used to refresh stored connections.
	TokenURL string   `json:"tokenUrl,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`

	// Service and Region apply to aws_sigv4.
	Service string `json:"service,omitempty"`
	Region  string `json:"region,omitempty"`
}

// RateLimitSpec throttles generic client calls.
type RateLimitSpec struct {
	// RequestsPerSecond is the sustained rate. Zero means unlimited.
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty"`

	// Burst is the token bucket depth. Defaults to ceil(rate) min 1.
	Burst int `json:"burst,omitempty"`
}

// FunctionType builds the node type string for a declared function,
// e.g. "action.slack.send_message".
func (d *Definition) FunctionType(fn *FunctionSpec) string {
	role := fn.Role
	if role == "" {
		role = "action"
	}
	return strings.Join([]string{role, d.ID, fn.ID}, ".")
}
