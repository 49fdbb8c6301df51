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

import "context"

// CallMeta carries per-invocation metadata for a connector call. It rides
// on the context rather than the parameter map so that generic HTTP
// connectors never serialize it into upstream request bodies.
type CallMeta struct {
	// ExecutionID identifies the workflow execution issuing the call.
	ExecutionID string

	// NodeID identifies the node within the execution.
	NodeID string

	// IdempotencyKey deduplicates write operations on providers that
	// support idempotent replay. Sent as the Idempotency-Key header on
	// requests with a body.
	IdempotencyKey string

	// AdditionalConfig holds non-secret connection settings (base URLs,
	// account identifiers) resolved alongside the credential bundle.
	AdditionalConfig map[string]any
}

type callMetaKey struct{}

// WithCallMeta returns a context carrying the given call metadata.
func WithCallMeta(ctx context.Context, meta CallMeta) context.Context {
	return context.WithValue(ctx, callMetaKey{}, meta)
}

// CallMetaFrom extracts call metadata from the context, if present.
func CallMetaFrom(ctx context.Context) (CallMeta, bool) {
	meta, ok := ctx.Value(callMetaKey{}).(CallMeta)
	return meta, ok
}
