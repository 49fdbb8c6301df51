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

// Package memory provides an in-memory storage driver for tests and
// development. It mirrors the behavior of the sqlite driver, including
// lease semantics and version bumps, so the two are interchangeable
// behind the store interfaces.
package memory

import (
	"context"
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

type lease struct {
	owner string
	until time.Time
}

// Store is the in-memory storage driver.
type Store struct {
	mu sync.RWMutex

	orgs        map[string]*store.Organization
	members     map[string]map[string]*store.Member
	assignments map[string]*store.RoleAssignment
	quotas      map[string]*store.OrganizationQuota
	connections map[string]*store.Connection
	workflows   map[string]*store.Workflow
	triggers    map[string]*store.Trigger
	polling     map[string]*store.PollingState
	partLeases  map[int]lease
	webhookLogs []*store.WebhookLog
	outbox      map[string]*store.OutboxRecord
	executions  map[string]*workflow.ExecutionRecord
	execLeases  map[string]lease
	usage       map[string]*store.UsageTracking
	audit       []*store.AuditEntry
	nextAuditID int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		orgs:        make(map[string]*store.Organization),
		members:     make(map[string]map[string]*store.Member),
		assignments: make(map[string]*store.RoleAssignment),
		quotas:      make(map[string]*store.OrganizationQuota),
		connections: make(map[string]*store.Connection),
		workflows:   make(map[string]*store.Workflow),
		triggers:    make(map[string]*store.Trigger),
		polling:     make(map[string]*store.PollingState),
		partLeases:  make(map[int]lease),
		outbox:      make(map[string]*store.OutboxRecord),
		executions:  make(map[string]*workflow.ExecutionRecord),
		execLeases:  make(map[string]lease),
		usage:       make(map[string]*store.UsageTracking),
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// CreateOrganization creates a new organization.
func (s *Store) CreateOrganization(ctx context.Context, org *store.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *org
	cp.FeatureFlags = maps.Clone(org.FeatureFlags)
	s.orgs[org.ID] = &cp
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*store.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, exists := s.orgs[id]
	if !exists {
		return nil, &sberrors.NotFoundError{Resource: "organization", ID: id}
	}
	cp := *org
	cp.FeatureFlags = maps.Clone(org.FeatureFlags)
	return &cp, nil
}

// UpdateOrganization updates an existing organization.
func (s *Store) UpdateOrganization(ctx context.Context, org *store.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orgs[org.ID]; !exists {
		return &sberrors.NotFoundError{Resource: "organization", ID: org.ID}
	}
	cp := *org
	cp.FeatureFlags = maps.Clone(org.FeatureFlags)
	s.orgs[org.ID] = &cp
	return nil
}

// ListOrganizations lists organizations matching the filter.
func (s *Store) ListOrganizations(ctx context.Context, filter store.OrganizationFilter) ([]*store.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Organization
	for _, org := range s.orgs {
		if filter.Plan != "" && org.Plan != filter.Plan {
			continue
		}
		if filter.Status != "" && org.Status != filter.Status {
			continue
		}
		cp := *org
		cp.FeatureFlags = maps.Clone(org.FeatureFlags)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// AddMember adds or updates a membership, clearing other defaults for
// the user when IsDefault is set.
func (s *Store) AddMember(ctx context.Context, member *store.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if member.IsDefault {
		for _, byUser := range s.members {
			if m, ok := byUser[member.UserID]; ok {
				m.IsDefault = false
			}
		}
	}

	byUser, ok := s.members[member.OrganizationID]
	if !ok {
		byUser = make(map[string]*store.Member)
		s.members[member.OrganizationID] = byUser
	}
	cp := *member
	byUser[member.UserID] = &cp
	return nil
}

// GetMemberRole returns the role of a user in an organization.
func (s *Store) GetMemberRole(ctx context.Context, orgID, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.members[orgID][userID]; ok {
		return m.Role, nil
	}
	return "", &sberrors.NotFoundError{Resource: "membership", ID: orgID + "/" + userID}
}

// GetDefaultOrganization returns the user's default organization.
func (s *Store) GetDefaultOrganization(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for orgID, byUser := range s.members {
		if m, ok := byUser[userID]; ok && m.IsDefault {
			return orgID, nil
		}
	}
	return "", &sberrors.NotFoundError{Resource: "default organization", ID: userID}
}

// ListMembers lists the members of an organization.
func (s *Store) ListMembers(ctx context.Context, orgID string) ([]*store.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*store.Member, 0, len(s.members[orgID]))
	for _, m := range s.members[orgID] {
		cp := *m
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// SaveRoleAssignment records a scoped role assignment.
func (s *Store) SaveRoleAssignment(ctx context.Context, ra *store.RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ra
	s.assignments[ra.OrganizationID+"|"+ra.UserID+"|"+ra.Scope] = &cp
	return nil
}

// ListRoleAssignments lists scoped role assignments for a user.
func (s *Store) ListRoleAssignments(ctx context.Context, orgID, userID string) ([]*store.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.RoleAssignment
	for _, ra := range s.assignments {
		if ra.OrganizationID != orgID || ra.UserID != userID {
			continue
		}
		cp := *ra
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Scope < result[j].Scope
	})
	return result, nil
}

// GetQuota retrieves the quota document for an organization.
func (s *Store) GetQuota(ctx context.Context, orgID string) (*store.OrganizationQuota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, exists := s.quotas[orgID]
	if !exists {
		return nil, &sberrors.NotFoundError{Resource: "quota", ID: orgID}
	}
	cp := *q
	return &cp, nil
}

// SaveQuota creates or replaces a quota document.
func (s *Store) SaveQuota(ctx context.Context, quota *store.OrganizationQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *quota
	s.quotas[quota.OrganizationID] = &cp
	return nil
}

// IncrementConcurrent bumps the concurrent, window and month counters
// when a concurrency slot is available.
func (s *Store) IncrementConcurrent(ctx context.Context, orgID string, max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, exists := s.quotas[orgID]
	if !exists || q.Usage.ConcurrentExecutions >= max {
		return false, nil
	}
	q.Usage.ConcurrentExecutions++
	q.Usage.ExecutionsInCurrentWindow++
	q.Usage.ExecutionsThisMonth++
	q.UpdatedAt = time.Now()
	return true, nil
}

// DecrementConcurrent releases a concurrency slot, flooring at zero.
func (s *Store) DecrementConcurrent(ctx context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, exists := s.quotas[orgID]; exists && q.Usage.ConcurrentExecutions > 0 {
		q.Usage.ConcurrentExecutions--
		q.UpdatedAt = time.Now()
	}
	return nil
}

// RollWindow zeroes the window counter when the stored window is older
// than windowStart.
func (s *Store) RollWindow(ctx context.Context, orgID string, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, exists := s.quotas[orgID]; exists && q.WindowStart.Before(windowStart) {
		q.Usage.ExecutionsInCurrentWindow = 0
		q.WindowStart = windowStart
		q.UpdatedAt = time.Now()
	}
	return nil
}

// ResetPeriod starts a new billing period. Concurrent executions are
// left untouched.
func (s *Store) ResetPeriod(ctx context.Context, orgID string, periodStart, periodEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, exists := s.quotas[orgID]; exists {
		q.PeriodStart = periodStart
		q.PeriodEnd = periodEnd
		q.Usage.ExecutionsThisMonth = 0
		q.Usage.ExecutionsInCurrentWindow = 0
		q.WindowStart = periodStart
		q.UpdatedAt = time.Now()
	}
	return nil
}

// CreateConnection stores a new connection.
func (s *Store) CreateConnection(ctx context.Context, conn *store.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *conn
	cp.Metadata = maps.Clone(conn.Metadata)
	cp.AdditionalConfig = maps.Clone(conn.AdditionalConfig)
	s.connections[conn.ID] = &cp
	return nil
}

// GetConnection retrieves a connection scoped to an organization.
func (s *Store) GetConnection(ctx context.Context, orgID, id string) (*store.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, exists := s.connections[id]
	if !exists || conn.OrganizationID != orgID {
		return nil, &sberrors.NotFoundError{Resource: "connection", ID: id}
	}
	cp := *conn
	cp.Metadata = maps.Clone(conn.Metadata)
	cp.AdditionalConfig = maps.Clone(conn.AdditionalConfig)
	return &cp, nil
}

// ListConnections lists an organization's connections.
func (s *Store) ListConnections(ctx context.Context, orgID, connectorID string) ([]*store.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Connection
	for _, conn := range s.connections {
		if conn.OrganizationID != orgID {
			continue
		}
		if connectorID != "" && conn.ConnectorID != connectorID {
			continue
		}
		cp := *conn
		cp.Metadata = maps.Clone(conn.Metadata)
		cp.AdditionalConfig = maps.Clone(conn.AdditionalConfig)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateConnection updates an existing connection.
func (s *Store) UpdateConnection(ctx context.Context, conn *store.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.connections[conn.ID]
	if !exists || existing.OrganizationID != conn.OrganizationID {
		return &sberrors.NotFoundError{Resource: "connection", ID: conn.ID}
	}
	cp := *conn
	cp.Metadata = maps.Clone(conn.Metadata)
	cp.AdditionalConfig = maps.Clone(conn.AdditionalConfig)
	s.connections[conn.ID] = &cp
	return nil
}

// DeleteConnection removes a connection.
func (s *Store) DeleteConnection(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, exists := s.connections[id]
	if !exists || conn.OrganizationID != orgID {
		return &sberrors.NotFoundError{Resource: "connection", ID: id}
	}
	delete(s.connections, id)
	return nil
}

// SaveWorkflow creates or updates a workflow document, bumping the
// version on update.
func (s *Store) SaveWorkflow(ctx context.Context, wf *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.workflows[wf.ID]; exists {
		wf.Version = existing.Version + 1
	} else {
		wf.Version = 1
	}
	cp := *wf
	cp.Variables = maps.Clone(wf.Variables)
	s.workflows[wf.ID] = &cp
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[id]
	if !exists {
		return nil, &sberrors.NotFoundError{Resource: "workflow", ID: id}
	}
	cp := *wf
	cp.Variables = maps.Clone(wf.Variables)
	return &cp, nil
}

// ListWorkflows lists an organization's workflows.
func (s *Store) ListWorkflows(ctx context.Context, orgID string) ([]*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Workflow
	for _, wf := range s.workflows {
		if wf.OrganizationID != orgID {
			continue
		}
		cp := *wf
		cp.Variables = maps.Clone(wf.Variables)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteWorkflow removes a workflow and its trigger registrations.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[id]; !exists {
		return &sberrors.NotFoundError{Resource: "workflow", ID: id}
	}
	delete(s.workflows, id)
	for tid, trig := range s.triggers {
		if trig.WorkflowID == id {
			delete(s.triggers, tid)
		}
	}
	for tid, state := range s.polling {
		if state.WorkflowID == id {
			delete(s.polling, tid)
		}
	}
	return nil
}

// SaveTrigger creates or updates a trigger registration. The dedupe
// ring of an existing trigger is preserved.
func (s *Store) SaveTrigger(ctx context.Context, trig *store.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *trig
	cp.Metadata = maps.Clone(trig.Metadata)
	if existing, exists := s.triggers[trig.ID]; exists {
		cp.DedupeTokens = existing.DedupeTokens
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.DedupeTokens = append([]string(nil), trig.DedupeTokens...)
	}
	s.triggers[trig.ID] = &cp
	return nil
}

// GetTrigger retrieves a trigger by ID.
func (s *Store) GetTrigger(ctx context.Context, id string) (*store.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trig, exists := s.triggers[id]
	if !exists {
		return nil, &sberrors.NotFoundError{Resource: "trigger", ID: id}
	}
	return cloneTrigger(trig), nil
}

// ListTriggers lists triggers for a workflow.
func (s *Store) ListTriggers(ctx context.Context, workflowID string) ([]*store.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Trigger
	for _, trig := range s.triggers {
		if trig.WorkflowID == workflowID {
			result = append(result, cloneTrigger(trig))
		}
	}
	sortTriggers(result)
	return result, nil
}

// ListWebhookTriggers lists active webhook triggers.
func (s *Store) ListWebhookTriggers(ctx context.Context, orgID string) ([]*store.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Trigger
	for _, trig := range s.triggers {
		if trig.Kind != store.TriggerKindWebhook || !trig.Active {
			continue
		}
		if orgID != "" && trig.OrganizationID != orgID {
			continue
		}
		result = append(result, cloneTrigger(trig))
	}
	sortTriggers(result)
	return result, nil
}

// ListScheduledTriggers lists active scheduled triggers.
func (s *Store) ListScheduledTriggers(ctx context.Context) ([]*store.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.Trigger
	for _, trig := range s.triggers {
		if trig.Kind != store.TriggerKindScheduled || !trig.Active {
			continue
		}
		result = append(result, cloneTrigger(trig))
	}
	sortTriggers(result)
	return result, nil
}

// SetTriggerActive activates or deactivates a trigger and its polling
// state.
func (s *Store) SetTriggerActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trig, exists := s.triggers[id]
	if !exists {
		return &sberrors.NotFoundError{Resource: "trigger", ID: id}
	}
	trig.Active = active
	trig.UpdatedAt = time.Now()
	if state, ok := s.polling[id]; ok {
		state.Active = active
		state.UpdatedAt = time.Now()
	}
	return nil
}

// DeleteTrigger removes a trigger registration and its polling state.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.triggers[id]; !exists {
		return &sberrors.NotFoundError{Resource: "trigger", ID: id}
	}
	delete(s.triggers, id)
	delete(s.polling, id)
	return nil
}

// SaveDedupeState replaces a trigger's dedupe token ring.
func (s *Store) SaveDedupeState(ctx context.Context, triggerID string, tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trig, exists := s.triggers[triggerID]
	if !exists {
		return &sberrors.NotFoundError{Resource: "trigger", ID: triggerID}
	}
	trig.DedupeTokens = append([]string(nil), tokens...)
	trig.UpdatedAt = time.Now()
	return nil
}

// SavePollingState creates or updates polling scheduler state.
func (s *Store) SavePollingState(ctx context.Context, state *store.PollingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	cp.Runtime = maps.Clone(state.Runtime)
	s.polling[state.TriggerID] = &cp
	return nil
}

// GetPollingState retrieves polling state for a trigger.
func (s *Store) GetPollingState(ctx context.Context, triggerID string) (*store.PollingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.polling[triggerID]
	if !exists {
		return nil, &sberrors.NotFoundError{Resource: "polling state", ID: triggerID}
	}
	cp := *state
	cp.Runtime = maps.Clone(state.Runtime)
	return &cp, nil
}

// DuePollingTriggers returns due polling states in a partition,
// soonest first.
func (s *Store) DuePollingTriggers(ctx context.Context, partition int, now time.Time, limit int) ([]*store.PollingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.PollingState
	for _, state := range s.polling {
		if state.Partition != partition || !state.Active || state.NextPollAt.After(now) {
			continue
		}
		cp := *state
		cp.Runtime = maps.Clone(state.Runtime)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextPollAt.Before(result[j].NextPollAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AcquirePartitionLease claims a scheduler partition.
func (s *Store) AcquirePartitionLease(ctx context.Context, partition int, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.partLeases[partition]; held && l.owner != owner && l.until.After(now) {
		return false, nil
	}
	s.partLeases[partition] = lease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

// ReleasePartitionLease releases a partition lease held by owner.
func (s *Store) ReleasePartitionLease(ctx context.Context, partition int, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.partLeases[partition]; held && l.owner == owner {
		delete(s.partLeases, partition)
	}
	return nil
}

// AppendWebhookLog appends a delivery log entry.
func (s *Store) AppendWebhookLog(ctx context.Context, entry *store.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.webhookLogs = append(s.webhookLogs, &cp)
	return nil
}

// ListWebhookLogs lists recent entries for a webhook, newest first.
func (s *Store) ListWebhookLogs(ctx context.Context, webhookID string, limit int) ([]*store.WebhookLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var result []*store.WebhookLog
	for _, entry := range s.webhookLogs {
		if entry.WebhookID != webhookID {
			continue
		}
		cp := *entry
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ReceivedAt.After(result[j].ReceivedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// PurgeWebhookLogs deletes entries received before the cutoff.
func (s *Store) PurgeWebhookLogs(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*store.WebhookLog
	var deleted int64
	for _, entry := range s.webhookLogs {
		if entry.ReceivedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, entry)
	}
	s.webhookLogs = kept
	return deleted, nil
}

// AppendOutbox appends a pending record.
func (s *Store) AppendOutbox(ctx context.Context, rec *store.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if cp.Status == "" {
		cp.Status = store.OutboxPending
	}
	s.outbox[rec.ID] = &cp
	return nil
}

// ClaimOutbox atomically claims up to limit due pending records.
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, lse time.Duration, limit int) ([]*store.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*store.OutboxRecord
	for _, rec := range s.outbox {
		if rec.Status != store.OutboxPending || rec.NextAttemptAt.After(now) {
			continue
		}
		if rec.ClaimedUntil != nil && rec.ClaimedUntil.After(now) {
			continue
		}
		due = append(due, rec)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*store.OutboxRecord, 0, len(due))
	until := now.Add(lse)
	for _, rec := range due {
		rec.ClaimedUntil = &until
		rec.Attempts++
		at := now
		rec.LastAttemptAt = &at
		cp := *rec
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// MarkOutboxDispatched transitions a claimed record to dispatched.
func (s *Store) MarkOutboxDispatched(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.outbox[id]
	if !exists {
		return &sberrors.NotFoundError{Resource: "outbox record", ID: id}
	}
	rec.Status = store.OutboxDispatched
	t := at
	rec.DispatchedAt = &t
	rec.ClaimedUntil = nil
	return nil
}

// MarkOutboxRetry releases a claimed record back to pending.
func (s *Store) MarkOutboxRetry(ctx context.Context, id string, nextAttempt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.outbox[id]
	if !exists {
		return &sberrors.NotFoundError{Resource: "outbox record", ID: id}
	}
	rec.Status = store.OutboxPending
	rec.NextAttemptAt = nextAttempt
	rec.LastError = lastError
	rec.ClaimedUntil = nil
	return nil
}

// MarkOutboxFailed transitions a record to failed.
func (s *Store) MarkOutboxFailed(ctx context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.outbox[id]
	if !exists {
		return &sberrors.NotFoundError{Resource: "outbox record", ID: id}
	}
	rec.Status = store.OutboxFailed
	rec.LastError = lastError
	rec.ClaimedUntil = nil
	return nil
}

// CountPendingOutbox returns the number of pending records.
func (s *Store) CountPendingOutbox(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.outbox {
		if rec.Status == store.OutboxPending {
			count++
		}
	}
	return count, nil
}

// PurgeOutbox deletes terminal records created before the cutoff.
func (s *Store) PurgeOutbox(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, rec := range s.outbox {
		if rec.Status == store.OutboxPending || !rec.CreatedAt.Before(before) {
			continue
		}
		delete(s.outbox, id)
		deleted++
	}
	return deleted, nil
}

// CreateExecution creates a new execution record.
func (s *Store) CreateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[rec.ID] = cloneExecution(rec)
	return nil
}

// GetExecution retrieves an execution with its node results.
func (s *Store) GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.executions[id]
	if !exists {
		return nil, &sberrors.NotFoundError{Resource: "execution", ID: id}
	}
	return cloneExecution(rec), nil
}

// UpdateExecution updates the execution-level fields of a record.
func (s *Store) UpdateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.executions[rec.ID]
	if !exists {
		return &sberrors.NotFoundError{Resource: "execution", ID: rec.ID}
	}
	existing.Status = rec.Status
	existing.Error = rec.Error
	existing.Durability = rec.Durability
	existing.UpdatedAt = rec.UpdatedAt
	existing.StartedAt = rec.StartedAt
	existing.FinishedAt = rec.FinishedAt
	return nil
}

// ListExecutions lists executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*workflow.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*workflow.ExecutionRecord
	for _, rec := range s.executions {
		if filter.OrganizationID != "" && rec.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && string(rec.Status) != filter.Status {
			continue
		}
		cp := *rec
		cp.Nodes = nil
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// SaveNodeResult persists one node result.
func (s *Store) SaveNodeResult(ctx context.Context, executionID string, result *workflow.NodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.executions[executionID]
	if !exists {
		return &sberrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if rec.Nodes == nil {
		rec.Nodes = make(map[string]*workflow.NodeResult)
	}
	cp := *result
	rec.Nodes[result.NodeID] = &cp
	return nil
}

// AcquireExecutionLease claims an execution for a dispatcher worker.
func (s *Store) AcquireExecutionLease(ctx context.Context, executionID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[executionID]; !exists {
		return false, nil
	}
	if l, held := s.execLeases[executionID]; held && l.owner != owner && l.until.After(now) {
		return false, nil
	}
	s.execLeases[executionID] = lease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

// ReleaseExecutionLease releases a lease held by owner.
func (s *Store) ReleaseExecutionLease(ctx context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.execLeases[executionID]; held && l.owner == owner {
		delete(s.execLeases, executionID)
	}
	return nil
}

// AddUsage applies a delta to the matching usage row and returns the
// updated row.
func (s *Store) AddUsage(ctx context.Context, delta store.UsageDelta) (*store.UsageTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(delta.OrganizationID, delta.UserID, delta.Year, delta.Month)
	row, exists := s.usage[key]
	if !exists {
		row = &store.UsageTracking{
			OrganizationID: delta.OrganizationID,
			UserID:         delta.UserID,
			Year:           delta.Year,
			Month:          delta.Month,
		}
		s.usage[key] = row
	}
	row.APICalls += delta.APICalls
	row.TokensUsed += delta.TokensUsed
	row.WorkflowRuns += delta.WorkflowRuns
	row.StorageUsed += delta.StorageUsed
	row.EstimatedCostCents += delta.CostCents
	row.UpdatedAt = time.Now()

	cp := *row
	return &cp, nil
}

// GetUsage retrieves one usage row, returning a zeroed row when
// nothing has been recorded yet.
func (s *Store) GetUsage(ctx context.Context, orgID, userID string, year int, month time.Month) (*store.UsageTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if row, exists := s.usage[usageKey(orgID, userID, year, int(month))]; exists {
		cp := *row
		return &cp, nil
	}
	return &store.UsageTracking{
		OrganizationID: orgID,
		UserID:         userID,
		Year:           year,
		Month:          int(month),
	}, nil
}

// ListUsage lists usage rows matching the filter.
func (s *Store) ListUsage(ctx context.Context, filter store.UsageFilter) ([]*store.UsageTracking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.UsageTracking
	for _, row := range s.usage {
		if filter.OrganizationID != "" && row.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Plan != "" {
			org, ok := s.orgs[row.OrganizationID]
			if !ok || org.Plan != filter.Plan {
				continue
			}
		}
		key := row.Year*100 + row.Month
		if !filter.Start.IsZero() && key < filter.Start.Year()*100+int(filter.Start.Month()) {
			continue
		}
		if !filter.End.IsZero() && key > filter.End.Year()*100+int(filter.End.Month()) {
			continue
		}
		cp := *row
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.OrganizationID != b.OrganizationID {
			return a.OrganizationID < b.OrganizationID
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		return a.Month < b.Month
	})
	return result, nil
}

// AppendAudit appends an audit entry and fills in its assigned ID.
func (s *Store) AppendAudit(ctx context.Context, entry *store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAuditID++
	entry.ID = s.nextAuditID
	cp := *entry
	cp.Detail = maps.Clone(entry.Detail)
	s.audit = append(s.audit, &cp)
	return nil
}

// ListAudit lists audit entries matching the filter, newest first.
func (s *Store) ListAudit(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*store.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		entry := s.audit[i]
		if filter.OrganizationID != "" && entry.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		cp := *entry
		cp.Detail = maps.Clone(entry.Detail)
		result = append(result, &cp)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func usageKey(orgID, userID string, year, month int) string {
	return orgID + "|" + userID + "|" + strconv.Itoa(year) + "|" + strconv.Itoa(month)
}

func cloneTrigger(trig *store.Trigger) *store.Trigger {
	cp := *trig
	cp.Metadata = maps.Clone(trig.Metadata)
	cp.DedupeTokens = append([]string(nil), trig.DedupeTokens...)
	return &cp
}

func sortTriggers(triggers []*store.Trigger) {
	sort.Slice(triggers, func(i, j int) bool {
		return triggers[i].CreatedAt.Before(triggers[j].CreatedAt)
	})
}

func cloneExecution(rec *workflow.ExecutionRecord) *workflow.ExecutionRecord {
	cp := *rec
	if rec.Nodes != nil {
		cp.Nodes = make(map[string]*workflow.NodeResult, len(rec.Nodes))
		for id, result := range rec.Nodes {
			r := *result
			cp.Nodes[id] = &r
		}
	}
	return &cp
}
