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

// Package store defines the persistence interfaces for switchboard.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on
// the slices of storage they touch:
//
//   - OrganizationStore: tenants, members, role assignments
//   - QuotaStore: quota documents and atomic usage counters
//   - ConnectionStore: encrypted connector credentials
//   - WorkflowStore: workflow documents
//   - TriggerStore: webhook/polling/scheduled trigger registrations
//   - WebhookLogStore: ingestion delivery log
//   - OutboxStore: trigger outbox with row leases
//   - ExecutionStore: execution records, node results, execution leases
//   - UsageStore: metering events
//   - AuditStore: append-only audit log
//
// The Store interface composes all of these plus io.Closer. Drivers live
// in the sqlite and memory subpackages.
package store

import (
	"context"
	"io"
	"time"

	"github.com/tombee/switchboard/pkg/workflow"
)

// OrganizationStore manages tenant roots and membership.
type OrganizationStore interface {
	// CreateOrganization creates a new organization.
	CreateOrganization(ctx context.Context, org *Organization) error

	// GetOrganization retrieves an organization by ID.
	GetOrganization(ctx context.Context, id string) (*Organization, error)

	// UpdateOrganization updates an existing organization.
	UpdateOrganization(ctx context.Context, org *Organization) error

	// ListOrganizations lists organizations, optionally filtered by plan.
	ListOrganizations(ctx context.Context, filter OrganizationFilter) ([]*Organization, error)

	// AddMember adds a user to an organization with a role. Setting
	// IsDefault clears the flag on the user's other memberships.
	AddMember(ctx context.Context, member *Member) error

	// GetMemberRole returns the role of a user in an organization.
	GetMemberRole(ctx context.Context, orgID, userID string) (string, error)

	// GetDefaultOrganization returns the organization ID of the user's
	// default membership.
	GetDefaultOrganization(ctx context.Context, userID string) (string, error)

	// ListMembers lists the members of an organization.
	ListMembers(ctx context.Context, orgID string) ([]*Member, error)

	// SaveRoleAssignment records a scoped role assignment.
	SaveRoleAssignment(ctx context.Context, assignment *RoleAssignment) error

	// ListRoleAssignments lists scoped role assignments for a user.
	ListRoleAssignments(ctx context.Context, orgID, userID string) ([]*RoleAssignment, error)
}

// QuotaStore manages quota documents and their usage counters. The
// counter operations are atomic so admission control never races.
type QuotaStore interface {
	// GetQuota retrieves the quota document for an organization.
	GetQuota(ctx context.Context, orgID string) (*OrganizationQuota, error)

	// SaveQuota creates or replaces a quota document.
	SaveQuota(ctx context.Context, quota *OrganizationQuota) error

	// IncrementConcurrent atomically increments concurrentExecutions,
	// executionsInCurrentWindow and the period execution counter when
	// concurrentExecutions is below max. Returns false without modifying
	// anything when the cap is reached.
	IncrementConcurrent(ctx context.Context, orgID string, max int) (bool, error)

	// DecrementConcurrent atomically decrements concurrentExecutions,
	// flooring at zero.
	DecrementConcurrent(ctx context.Context, orgID string) error

	// RollWindow resets executionsInCurrentWindow and advances the window
	// start when the stored window start is before windowStart.
	RollWindow(ctx context.Context, orgID string, windowStart time.Time) error

	// ResetPeriod rolls the billing period forward and zeroes the period
	// counters. Concurrent executions are left untouched.
	ResetPeriod(ctx context.Context, orgID string, periodStart, periodEnd time.Time) error
}

// ConnectionStore manages encrypted connector credentials.
type ConnectionStore interface {
	// CreateConnection stores a new connection.
	CreateConnection(ctx context.Context, conn *Connection) error

	// GetConnection retrieves a connection scoped to an organization.
	GetConnection(ctx context.Context, orgID, id string) (*Connection, error)

	// ListConnections lists an organization's connections, optionally
	// filtered by connector.
	ListConnections(ctx context.Context, orgID, connectorID string) ([]*Connection, error)

	// UpdateConnection updates an existing connection.
	UpdateConnection(ctx context.Context, conn *Connection) error

	// DeleteConnection removes a connection.
	DeleteConnection(ctx context.Context, orgID, id string) error
}

// WorkflowStore manages workflow documents.
type WorkflowStore interface {
	// SaveWorkflow creates or updates a workflow document, bumping its
	// version on update.
	SaveWorkflow(ctx context.Context, wf *Workflow) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// ListWorkflows lists an organization's workflows.
	ListWorkflows(ctx context.Context, orgID string) ([]*Workflow, error)

	// DeleteWorkflow removes a workflow and its trigger registrations.
	DeleteWorkflow(ctx context.Context, id string) error
}

// TriggerStore manages trigger registrations. Webhook, polling and
// scheduled triggers share the unified triggers table; polling triggers
// additionally carry scheduler state rows.
type TriggerStore interface {
	// SaveTrigger creates or updates a trigger registration.
	SaveTrigger(ctx context.Context, trig *Trigger) error

	// GetTrigger retrieves a trigger by ID. For webhook triggers the ID
	// is the public webhook identifier.
	GetTrigger(ctx context.Context, id string) (*Trigger, error)

	// ListTriggers lists triggers for a workflow.
	ListTriggers(ctx context.Context, workflowID string) ([]*Trigger, error)

	// ListWebhookTriggers lists active webhook triggers for an
	// organization. An empty orgID lists across organizations.
	ListWebhookTriggers(ctx context.Context, orgID string) ([]*Trigger, error)

	// ListScheduledTriggers lists active scheduled triggers across all
	// organizations.
	ListScheduledTriggers(ctx context.Context) ([]*Trigger, error)

	// SetTriggerActive activates or deactivates a trigger.
	SetTriggerActive(ctx context.Context, id string, active bool) error

	// DeleteTrigger removes a trigger registration.
	DeleteTrigger(ctx context.Context, id string) error

	// SaveDedupeState replaces the dedupe token ring of a trigger. The
	// ring is mutated only by its owning partition.
	SaveDedupeState(ctx context.Context, triggerID string, tokens []string) error

	// SavePollingState creates or updates polling scheduler state.
	SavePollingState(ctx context.Context, state *PollingState) error

	// GetPollingState retrieves polling state for a trigger.
	GetPollingState(ctx context.Context, triggerID string) (*PollingState, error)

	// DuePollingTriggers returns active polling states in a partition
	// with nextPollAt at or before now, ordered soonest first.
	DuePollingTriggers(ctx context.Context, partition int, now time.Time, limit int) ([]*PollingState, error)

	// AcquirePartitionLease claims a scheduler partition for owner until
	// now+ttl. Returns false when another live owner holds it.
	AcquirePartitionLease(ctx context.Context, partition int, owner string, now time.Time, ttl time.Duration) (bool, error)

	// ReleasePartitionLease releases a partition lease held by owner.
	ReleasePartitionLease(ctx context.Context, partition int, owner string) error
}

// WebhookLogStore records webhook delivery outcomes.
type WebhookLogStore interface {
	// AppendWebhookLog appends a delivery log entry.
	AppendWebhookLog(ctx context.Context, entry *WebhookLog) error

	// ListWebhookLogs lists recent entries for a webhook, newest first.
	ListWebhookLogs(ctx context.Context, webhookID string, limit int) ([]*WebhookLog, error)

	// PurgeWebhookLogs deletes entries received before the cutoff and
	// returns the number deleted.
	PurgeWebhookLogs(ctx context.Context, before time.Time) (int64, error)
}

// OutboxStore manages the trigger outbox. Claiming uses row leases so
// multiple replayers never dispatch the same record concurrently.
type OutboxStore interface {
	// AppendOutbox appends a pending record.
	AppendOutbox(ctx context.Context, rec *OutboxRecord) error

	// ClaimOutbox atomically claims up to limit due pending records,
	// leasing them until now+lease.
	ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*OutboxRecord, error)

	// MarkOutboxDispatched transitions a claimed record to dispatched.
	MarkOutboxDispatched(ctx context.Context, id string, at time.Time) error

	// MarkOutboxRetry releases a claimed record back to pending with the
	// next attempt time and failure reason recorded.
	MarkOutboxRetry(ctx context.Context, id string, nextAttempt time.Time, lastError string) error

	// MarkOutboxFailed transitions a record to failed after attempts are
	// exhausted.
	MarkOutboxFailed(ctx context.Context, id string, lastError string) error

	// CountPendingOutbox returns the number of pending records.
	CountPendingOutbox(ctx context.Context) (int, error)

	// PurgeOutbox deletes terminal records created before the cutoff and
	// returns the number deleted.
	PurgeOutbox(ctx context.Context, before time.Time) (int64, error)
}

// ExecutionStore persists execution records and per-node results.
type ExecutionStore interface {
	// CreateExecution creates a new execution record.
	CreateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error

	// GetExecution retrieves an execution with its node results.
	GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error)

	// UpdateExecution updates the execution-level fields of a record.
	UpdateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error

	// ListExecutions lists executions matching the filter, newest first.
	// Node results are not loaded.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*workflow.ExecutionRecord, error)

	// SaveNodeResult persists one node result incrementally.
	SaveNodeResult(ctx context.Context, executionID string, result *workflow.NodeResult) error

	// AcquireExecutionLease claims an execution for owner until now+ttl.
	// Returns false when another live owner holds the lease.
	AcquireExecutionLease(ctx context.Context, executionID, owner string, now time.Time, ttl time.Duration) (bool, error)

	// ReleaseExecutionLease releases a lease held by owner.
	ReleaseExecutionLease(ctx context.Context, executionID, owner string) error
}

// UsageStore persists per-user monthly usage counters. Rows are keyed
// by (userId, organizationId, year, month).
type UsageStore interface {
	// AddUsage atomically applies a delta to the matching usage row,
	// creating it if absent, and returns the updated row.
	AddUsage(ctx context.Context, delta UsageDelta) (*UsageTracking, error)

	// GetUsage retrieves one usage row. Returns a zeroed row rather than
	// a not-found error when nothing has been recorded yet.
	GetUsage(ctx context.Context, orgID, userID string, year int, month time.Month) (*UsageTracking, error)

	// ListUsage lists usage rows matching the filter, ordered by
	// organization then user.
	ListUsage(ctx context.Context, filter UsageFilter) ([]*UsageTracking, error)
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	// AppendAudit appends an audit entry.
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// ListAudit lists audit entries matching the filter, newest first.
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// Store composes all storage capabilities plus lifecycle management.
type Store interface {
	OrganizationStore
	QuotaStore
	ConnectionStore
	WorkflowStore
	TriggerStore
	WebhookLogStore
	OutboxStore
	ExecutionStore
	UsageStore
	AuditStore
	io.Closer
}
