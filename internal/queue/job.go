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

package queue

import (
	"context"
	"time"
)

// Job is one queued execution. The encoded RunRequest travels with it
// so dispatchers need no extra read to start work.
type Job struct {
	// ExecutionID is the execution record this job drives.
	ExecutionID string

	// OrganizationID routes the job into its tenant queue.
	OrganizationID string

	// UserID attributes the execution for metering.
	UserID string

	// Weight biases tenant fairness: organizations with higher weight
	// get proportionally more claims when the queue is contended.
	Weight int

	// Deferrals counts how often the job was pushed to a later rate
	// window. Past the deferral cap the dispatcher rejects it.
	Deferrals int

	// NotBefore delays dispatch into a later rate window. Zero means
	// immediately ready.
	NotBefore time.Time

	// EnqueuedAt preserves in-organization FIFO order.
	EnqueuedAt time.Time

	// Request is the encoded RunRequest.
	Request []byte
}

// Delivery is one claimed job plus the driver bookkeeping needed to
// settle it.
type Delivery struct {
	Job

	// stream and id locate the underlying queue entry.
	stream string
	id     string
}

// Driver is the queue transport. The redis driver is durable; the
// memory driver is a dev convenience that loses jobs on restart.
type Driver interface {
	// Publish appends a job to its organization's queue.
	Publish(ctx context.Context, job *Job) error

	// Claim blocks up to the driver's block timeout for a ready job,
	// favoring organizations by weighted round-robin and preserving
	// FIFO order within each organization. Returns nil when nothing
	// became ready.
	Claim(ctx context.Context, consumer string) (*Delivery, error)

	// Ack settles a claimed delivery.
	Ack(ctx context.Context, d *Delivery) error

	// Requeue settles a claimed delivery and republishes it with a new
	// ready time and deferral count.
	Requeue(ctx context.Context, d *Delivery, notBefore time.Time, deferrals int) error

	// Ready reports how many jobs are queued and unclaimed.
	Ready(ctx context.Context) (int64, error)

	// Durable reports whether published jobs survive a restart.
	Durable() bool

	// Ping verifies the transport is reachable.
	Ping(ctx context.Context) error

	// Close releases driver resources.
	Close() error
}

// Health is the queue health snapshot surfaced to the UI.
type Health struct {
	Mode    string `json:"mode"`
	Durable bool   `json:"durable"`
	Ready   int64  `json:"ready"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}
