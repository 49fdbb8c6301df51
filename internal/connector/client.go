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
	"context"
	"time"
)

// Reserved bundle keys attached by the credential resolver. Everything
// else in a bundle is provider credential material.
const (
	// PolicyKey carries the organization network policy.
	PolicyKey = "__organizationNetworkPolicy"

	// OrganizationKey and UserKey carry opaque tenant identifiers so
	// clients can include region/tenant context in error messages.
	OrganizationKey = "__organizationId"
	UserKey         = "__userId"
)

// NetworkPolicy is the organization-scoped egress constraint attached
// to connection-backed credential bundles. Empty lists impose no
// constraint of that kind.
type NetworkPolicy struct {
	// AllowedDomains holds hostname patterns (doublestar globs, e.g.
	// "*.example.com"). When non-empty, outbound hosts must match one.
	AllowedDomains []string `json:"allowedDomains,omitempty"`

	// AllowedIPRanges holds CIDR ranges. When non-empty, hosts that
	// resolve outside every range are refused.
	AllowedIPRanges []string `json:"allowedIpRanges,omitempty"`
}

// Bundle is the credential material handed to a client: provider
// fields (token, apiKey, username, ...) plus the reserved keys above.
type Bundle map[string]any

// Policy extracts the network policy, if one was attached.
func (b Bundle) Policy() *NetworkPolicy {
	v, ok := b[PolicyKey]
	if !ok || v == nil {
		return nil
	}
	switch p := v.(type) {
	case *NetworkPolicy:
		return p
	case NetworkPolicy:
		return &p
	case map[string]any:
		policy := &NetworkPolicy{}
		policy.AllowedDomains = stringSlice(p["allowedDomains"])
		policy.AllowedIPRanges = stringSlice(p["allowedIpRanges"])
		return policy
	default:
		return nil
	}
}

// OrganizationID returns the tenant identifier attached to the bundle.
func (b Bundle) OrganizationID() string { return b.stringValue(OrganizationKey) }

// UserID returns the user identifier attached to the bundle.
func (b Bundle) UserID() string { return b.stringValue(UserKey) }

// String returns the named credential field as a string, or "".
func (b Bundle) String(key string) string { return b.stringValue(key) }

func (b Bundle) stringValue(key string) string {
	if v, ok := b[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Result is the uniform outcome shape for every client call.
type Result struct {
	// Success reports whether the call completed without error.
	Success bool `json:"success"`

	// Data is the decoded response payload.
	Data any `json:"data,omitempty"`

	// Error holds a human-readable failure description when Success is
	// false. Sensitive values are masked before they reach this field.
	Error string `json:"error,omitempty"`

	// StatusCode is the upstream HTTP status code, when applicable.
	StatusCode int `json:"statusCode,omitempty"`

	// ExecutionTime is the wall-clock duration of the call.
	ExecutionTime time.Duration `json:"executionTime"`
}

// Client is the contract every connector client implements.
type Client interface {
	// TestConnection verifies the credentials reach the provider.
	TestConnection(ctx context.Context) (*Result, error)

	// Execute runs a declared function with resolved parameters.
	Execute(ctx context.Context, functionID string, params map[string]any) (*Result, error)
}

// Poller is implemented by clients whose connectors declare polling
// trigger functions. Poll returns items (or a page) the scheduler
// dedupes and fans out.
type Poller interface {
	Poll(ctx context.Context, functionID string, params map[string]any) (*Result, error)
}

// Constructor builds a client for one connection's credential bundle.
// The registry returns a Constructor from APIClient lookups.
type Constructor func(bundle Bundle) (Client, error)
