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

// Package connector defines the client contract every integration
// implements and ships the generic HTTP client that executes connectors
// declared purely as JSON endpoint templates.
//
// A client receives a credential bundle assembled by the credential
// resolver. Besides the provider credentials the bundle carries the
// organization's network policy under a reserved key; clients must
// refuse outbound hosts the policy does not allow. All outbound URLs
// additionally pass the SSRF guard, which blocks private ranges,
// loopback, link-local addresses, and cloud metadata endpoints.
package connector
