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

// Package registry is the single source of truth for what a workflow
// can do. It loads connector manifests from the connectors directory,
// validates them against the manifest schema, resolves each
// connector's effective availability, gates listings by the caller
// organization's pricing tier, and hands out client constructors.
//
// Availability resolution is strict: a connector with no bound client
// resolves to experimental at best, whatever its manifest declares. At
// startup a manifest that declares stable without a client binding is
// a fatal configuration error; during hot reload the same condition
// downgrades the connector and logs a warning instead of killing a
// running daemon.
package registry
