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

// Package runtime walks a workflow graph node by node and executes it.
//
// The engine derives a deterministic topological order from the graph,
// seeds the trigger payload, then dispatches each node to a role
// executor: triggers replay their seed, transforms reshape data with
// optional jq programs, conditions select one outgoing branch and prune
// the rest up to the rejoining merge node, loops run their body
// subgraph once per collection item, and actions invoke connector
// clients with retry, timeout, and idempotency handling.
//
// Every node writes a result record with a truncated preview, resolved
// parameters, logs, and diagnostics; records persist incrementally so a
// crashed execution leaves a readable trail. Cancellation is observed
// at node boundaries only: an in-flight connector call is allowed to
// finish, its result is discarded, and the execution ends cancelled.
package runtime
