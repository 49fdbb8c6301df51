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

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

// createTestStore creates a SQLite store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrg(id string) *store.Organization {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &store.Organization{
		ID:           id,
		Name:         "Acme",
		Plan:         store.PlanPro,
		Region:       "us",
		Status:       store.OrgStatusActive,
		FeatureFlags: map[string]bool{"beta": true},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSQLiteStore_OrganizationCRUD(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	org := testOrg("org-1")
	org.Security.AllowedDomains = []string{"api.example.com"}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("failed to create organization: %v", err)
	}

	retrieved, err := s.GetOrganization(ctx, "org-1")
	if err != nil {
		t.Fatalf("failed to get organization: %v", err)
	}
	if retrieved.Name != "Acme" {
		t.Errorf("expected name Acme, got %s", retrieved.Name)
	}
	if retrieved.Plan != store.PlanPro {
		t.Errorf("expected plan pro, got %s", retrieved.Plan)
	}
	if !retrieved.FeatureFlags["beta"] {
		t.Errorf("expected beta feature flag, got %v", retrieved.FeatureFlags)
	}
	if len(retrieved.Security.AllowedDomains) != 1 || retrieved.Security.AllowedDomains[0] != "api.example.com" {
		t.Errorf("expected allowed domains to survive, got %v", retrieved.Security.AllowedDomains)
	}

	retrieved.Plan = store.PlanEnterprise
	retrieved.Status = store.OrgStatusSuspended
	if err := s.UpdateOrganization(ctx, retrieved); err != nil {
		t.Fatalf("failed to update organization: %v", err)
	}

	updated, err := s.GetOrganization(ctx, "org-1")
	if err != nil {
		t.Fatalf("failed to get updated organization: %v", err)
	}
	if updated.Plan != store.PlanEnterprise {
		t.Errorf("expected plan enterprise, got %s", updated.Plan)
	}
	if updated.Status != store.OrgStatusSuspended {
		t.Errorf("expected status suspended, got %s", updated.Status)
	}

	_, err = s.GetOrganization(ctx, "missing")
	var nf *sberrors.NotFoundError
	if !sberrors.As(err, &nf) {
		t.Errorf("expected NotFoundError for missing organization, got %v", err)
	}
}

func TestSQLiteStore_ListOrganizations(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, spec := range []struct{ id, plan string }{
		{"org-free", store.PlanFree},
		{"org-pro", store.PlanPro},
		{"org-ent", store.PlanEnterprise},
	} {
		org := testOrg(spec.id)
		org.Plan = spec.plan
		if err := s.CreateOrganization(ctx, org); err != nil {
			t.Fatalf("failed to create organization: %v", err)
		}
	}

	all, err := s.ListOrganizations(ctx, store.OrganizationFilter{})
	if err != nil {
		t.Fatalf("failed to list organizations: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 organizations, got %d", len(all))
	}

	pro, err := s.ListOrganizations(ctx, store.OrganizationFilter{Plan: store.PlanPro})
	if err != nil {
		t.Fatalf("failed to list pro organizations: %v", err)
	}
	if len(pro) != 1 || pro[0].ID != "org-pro" {
		t.Errorf("expected only org-pro, got %v", pro)
	}
}

func TestSQLiteStore_Members(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, m := range []*store.Member{
		{OrganizationID: "org-a", UserID: "user-1", Role: store.RoleOwner, IsDefault: true, CreatedAt: now},
		{OrganizationID: "org-b", UserID: "user-1", Role: store.RoleMember, CreatedAt: now.Add(time.Minute)},
		{OrganizationID: "org-a", UserID: "user-2", Role: store.RoleViewer, CreatedAt: now.Add(2 * time.Minute)},
	} {
		if err := s.AddMember(ctx, m); err != nil {
			t.Fatalf("failed to add member: %v", err)
		}
	}

	role, err := s.GetMemberRole(ctx, "org-a", "user-1")
	if err != nil {
		t.Fatalf("failed to get member role: %v", err)
	}
	if role != store.RoleOwner {
		t.Errorf("expected role owner, got %s", role)
	}

	def, err := s.GetDefaultOrganization(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get default organization: %v", err)
	}
	if def != "org-a" {
		t.Errorf("expected default org-a, got %s", def)
	}

	// Moving the default clears the previous one.
	if err := s.AddMember(ctx, &store.Member{
		OrganizationID: "org-b", UserID: "user-1", Role: store.RoleMember, IsDefault: true, CreatedAt: now,
	}); err != nil {
		t.Fatalf("failed to move default: %v", err)
	}
	def, err = s.GetDefaultOrganization(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get default organization: %v", err)
	}
	if def != "org-b" {
		t.Errorf("expected default org-b after move, got %s", def)
	}

	members, err := s.ListMembers(ctx, "org-a")
	if err != nil {
		t.Fatalf("failed to list members: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 members in org-a, got %d", len(members))
	}

	_, err = s.GetMemberRole(ctx, "org-a", "stranger")
	var nf *sberrors.NotFoundError
	if !sberrors.As(err, &nf) {
		t.Errorf("expected NotFoundError for non-member, got %v", err)
	}
}

func TestSQLiteStore_RoleAssignments(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ra := &store.RoleAssignment{
		OrganizationID: "org-a", UserID: "user-1",
		Role: store.RoleAdmin, Scope: "workflow:wf-1", CreatedAt: now,
	}
	if err := s.SaveRoleAssignment(ctx, ra); err != nil {
		t.Fatalf("failed to save role assignment: %v", err)
	}

	// Upsert replaces the role for the same scope.
	ra.Role = store.RoleViewer
	if err := s.SaveRoleAssignment(ctx, ra); err != nil {
		t.Fatalf("failed to update role assignment: %v", err)
	}

	assignments, err := s.ListRoleAssignments(ctx, "org-a", "user-1")
	if err != nil {
		t.Fatalf("failed to list role assignments: %v", err)
	}
	if len(assignments) != 1 {
		t.Fatalf("expected 1 assignment, got %d", len(assignments))
	}
	if assignments[0].Role != store.RoleViewer {
		t.Errorf("expected role viewer after upsert, got %s", assignments[0].Role)
	}
}

func TestSQLiteStore_QuotaCounters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	quota := &store.OrganizationQuota{
		OrganizationID: "org-1",
		PeriodStart:    periodStart,
		PeriodEnd:      periodStart.AddDate(0, 1, 0),
		Limits:         store.QuotaLimits{MaxConcurrentExecutions: 2, MaxExecutionsPerMonth: 100},
		WindowStart:    periodStart,
		UpdatedAt:      periodStart,
	}
	if err := s.SaveQuota(ctx, quota); err != nil {
		t.Fatalf("failed to save quota: %v", err)
	}

	// Two slots available, the third increment is refused.
	for i := 0; i < 2; i++ {
		ok, err := s.IncrementConcurrent(ctx, "org-1", 2)
		if err != nil {
			t.Fatalf("failed to increment concurrent: %v", err)
		}
		if !ok {
			t.Fatalf("expected increment %d to succeed", i)
		}
	}
	ok, err := s.IncrementConcurrent(ctx, "org-1", 2)
	if err != nil {
		t.Fatalf("failed to increment concurrent: %v", err)
	}
	if ok {
		t.Errorf("expected increment past cap to be refused")
	}

	q, err := s.GetQuota(ctx, "org-1")
	if err != nil {
		t.Fatalf("failed to get quota: %v", err)
	}
	if q.Usage.ConcurrentExecutions != 2 {
		t.Errorf("expected 2 concurrent, got %d", q.Usage.ConcurrentExecutions)
	}
	if q.Usage.ExecutionsThisMonth != 2 {
		t.Errorf("expected 2 this month, got %d", q.Usage.ExecutionsThisMonth)
	}
	if q.Usage.ExecutionsInCurrentWindow != 2 {
		t.Errorf("expected 2 in window, got %d", q.Usage.ExecutionsInCurrentWindow)
	}

	if err := s.DecrementConcurrent(ctx, "org-1"); err != nil {
		t.Fatalf("failed to decrement concurrent: %v", err)
	}
	if err := s.DecrementConcurrent(ctx, "org-1"); err != nil {
		t.Fatalf("failed to decrement concurrent: %v", err)
	}
	if err := s.DecrementConcurrent(ctx, "org-1"); err != nil {
		t.Fatalf("failed to decrement below zero: %v", err)
	}
	q, _ = s.GetQuota(ctx, "org-1")
	if q.Usage.ConcurrentExecutions != 0 {
		t.Errorf("expected concurrent floored at 0, got %d", q.Usage.ConcurrentExecutions)
	}

	// Rolling the window zeroes the window counter but not the month.
	if err := s.RollWindow(ctx, "org-1", periodStart.Add(time.Minute)); err != nil {
		t.Fatalf("failed to roll window: %v", err)
	}
	q, _ = s.GetQuota(ctx, "org-1")
	if q.Usage.ExecutionsInCurrentWindow != 0 {
		t.Errorf("expected window zeroed, got %d", q.Usage.ExecutionsInCurrentWindow)
	}
	if q.Usage.ExecutionsThisMonth != 2 {
		t.Errorf("expected month untouched by roll, got %d", q.Usage.ExecutionsThisMonth)
	}

	// A stale roll is a no-op.
	if err := s.RollWindow(ctx, "org-1", periodStart); err != nil {
		t.Fatalf("failed on stale roll: %v", err)
	}
	q, _ = s.GetQuota(ctx, "org-1")
	if !q.WindowStart.Equal(periodStart.Add(time.Minute)) {
		t.Errorf("expected window start unchanged by stale roll, got %v", q.WindowStart)
	}

	// Period reset zeroes monthly counters but keeps live concurrency.
	if ok, _ := s.IncrementConcurrent(ctx, "org-1", 2); !ok {
		t.Fatalf("expected increment to succeed")
	}
	next := periodStart.AddDate(0, 1, 0)
	if err := s.ResetPeriod(ctx, "org-1", next, next.AddDate(0, 1, 0)); err != nil {
		t.Fatalf("failed to reset period: %v", err)
	}
	q, _ = s.GetQuota(ctx, "org-1")
	if q.Usage.ExecutionsThisMonth != 0 {
		t.Errorf("expected month zeroed after reset, got %d", q.Usage.ExecutionsThisMonth)
	}
	if q.Usage.ConcurrentExecutions != 1 {
		t.Errorf("expected concurrent kept across reset, got %d", q.Usage.ConcurrentExecutions)
	}
	if !q.PeriodStart.Equal(next) {
		t.Errorf("expected period start %v, got %v", next, q.PeriodStart)
	}
}

func TestSQLiteStore_Connections(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	conn := &store.Connection{
		ID:             "conn-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		ConnectorID:    "slack",
		Name:           "Team Slack",
		Ciphertext:     []byte("sealed"),
		Metadata:       map[string]any{"team": "T123"},
		Status:         store.ConnectionActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}

	retrieved, err := s.GetConnection(ctx, "org-1", "conn-1")
	if err != nil {
		t.Fatalf("failed to get connection: %v", err)
	}
	if string(retrieved.Ciphertext) != "sealed" {
		t.Errorf("expected ciphertext to survive, got %q", retrieved.Ciphertext)
	}
	if retrieved.Metadata["team"] != "T123" {
		t.Errorf("expected metadata team=T123, got %v", retrieved.Metadata)
	}

	// Connections are organization scoped.
	if _, err := s.GetConnection(ctx, "org-2", "conn-1"); err == nil {
		t.Errorf("expected cross-organization get to fail")
	}

	retrieved.Status = store.ConnectionError
	if err := s.UpdateConnection(ctx, retrieved); err != nil {
		t.Fatalf("failed to update connection: %v", err)
	}
	updated, _ := s.GetConnection(ctx, "org-1", "conn-1")
	if updated.Status != store.ConnectionError {
		t.Errorf("expected status error, got %s", updated.Status)
	}

	listed, err := s.ListConnections(ctx, "org-1", "slack")
	if err != nil {
		t.Fatalf("failed to list connections: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("expected 1 slack connection, got %d", len(listed))
	}
	if listed, _ := s.ListConnections(ctx, "org-1", "github"); len(listed) != 0 {
		t.Errorf("expected no github connections, got %d", len(listed))
	}

	if err := s.DeleteConnection(ctx, "org-1", "conn-1"); err != nil {
		t.Fatalf("failed to delete connection: %v", err)
	}
	if _, err := s.GetConnection(ctx, "org-1", "conn-1"); err == nil {
		t.Errorf("expected error getting deleted connection")
	}
}

func TestSQLiteStore_WorkflowVersioning(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	wf := &store.Workflow{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Name:           "notify",
		Graph:          json.RawMessage(`{"nodes":[]}`),
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to save workflow: %v", err)
	}
	if wf.Version != 1 {
		t.Errorf("expected version 1 on create, got %d", wf.Version)
	}

	wf.Name = "notify-v2"
	if err := s.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to resave workflow: %v", err)
	}
	if wf.Version != 2 {
		t.Errorf("expected version 2 on update, got %d", wf.Version)
	}

	retrieved, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("failed to get workflow: %v", err)
	}
	if retrieved.Version != 2 {
		t.Errorf("expected stored version 2, got %d", retrieved.Version)
	}
	if retrieved.Name != "notify-v2" {
		t.Errorf("expected updated name, got %s", retrieved.Name)
	}
	if string(retrieved.Graph) != `{"nodes":[]}` {
		t.Errorf("expected graph to survive verbatim, got %s", retrieved.Graph)
	}
}

func TestSQLiteStore_DeleteWorkflowCascades(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	wf := &store.Workflow{
		ID: "wf-1", OrganizationID: "org-1", Name: "n",
		Graph: json.RawMessage(`{}`), CreatedAt: now, UpdatedAt: now,
	}
	if err := s.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to save workflow: %v", err)
	}
	trig := &store.Trigger{
		ID: "hook-1", WorkflowID: "wf-1", OrganizationID: "org-1",
		NodeID: "n1", Kind: store.TriggerKindWebhook, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.SaveTrigger(ctx, trig); err != nil {
		t.Fatalf("failed to save trigger: %v", err)
	}
	state := &store.PollingState{
		TriggerID: "hook-1", OrganizationID: "org-1", WorkflowID: "wf-1",
		Interval: time.Minute, NextPollAt: now, UpdatedAt: now, Active: true,
	}
	if err := s.SavePollingState(ctx, state); err != nil {
		t.Fatalf("failed to save polling state: %v", err)
	}

	if err := s.DeleteWorkflow(ctx, "wf-1"); err != nil {
		t.Fatalf("failed to delete workflow: %v", err)
	}
	if _, err := s.GetTrigger(ctx, "hook-1"); err == nil {
		t.Errorf("expected trigger deleted with workflow")
	}
	if _, err := s.GetPollingState(ctx, "hook-1"); err == nil {
		t.Errorf("expected polling state deleted with workflow")
	}
}

func TestSQLiteStore_Triggers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	trig := &store.Trigger{
		ID:             "hook-1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		NodeID:         "n1",
		Kind:           store.TriggerKindWebhook,
		Provider:       "github",
		Secret:         "whsec_abc",
		Metadata:       map[string]any{"events": []any{"push"}},
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.SaveTrigger(ctx, trig); err != nil {
		t.Fatalf("failed to save trigger: %v", err)
	}

	// The ingestion path owns the ring; registration updates keep it.
	if err := s.SaveDedupeState(ctx, "hook-1", []string{"tok-a", "tok-b"}); err != nil {
		t.Fatalf("failed to save dedupe state: %v", err)
	}
	trig.Provider = "github"
	trig.Metadata = map[string]any{"events": []any{"push", "pull_request"}}
	if err := s.SaveTrigger(ctx, trig); err != nil {
		t.Fatalf("failed to resave trigger: %v", err)
	}

	retrieved, err := s.GetTrigger(ctx, "hook-1")
	if err != nil {
		t.Fatalf("failed to get trigger: %v", err)
	}
	if len(retrieved.DedupeTokens) != 2 || retrieved.DedupeTokens[0] != "tok-a" {
		t.Errorf("expected dedupe ring preserved across resave, got %v", retrieved.DedupeTokens)
	}
	if retrieved.Secret != "whsec_abc" {
		t.Errorf("expected secret to survive, got %q", retrieved.Secret)
	}

	hooks, err := s.ListWebhookTriggers(ctx, "org-1")
	if err != nil {
		t.Fatalf("failed to list webhook triggers: %v", err)
	}
	if len(hooks) != 1 {
		t.Errorf("expected 1 webhook trigger, got %d", len(hooks))
	}

	// Deactivation removes the trigger from the webhook listing.
	if err := s.SetTriggerActive(ctx, "hook-1", false); err != nil {
		t.Fatalf("failed to deactivate trigger: %v", err)
	}
	hooks, _ = s.ListWebhookTriggers(ctx, "org-1")
	if len(hooks) != 0 {
		t.Errorf("expected no active webhook triggers, got %d", len(hooks))
	}

	if err := s.DeleteTrigger(ctx, "hook-1"); err != nil {
		t.Fatalf("failed to delete trigger: %v", err)
	}
	if _, err := s.GetTrigger(ctx, "hook-1"); err == nil {
		t.Errorf("expected error getting deleted trigger")
	}
}

func TestSQLiteStore_PollingDue(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	states := []*store.PollingState{
		{TriggerID: "t-late", OrganizationID: "org-1", WorkflowID: "wf-1", Partition: 0,
			Interval: time.Minute, NextPollAt: now.Add(-time.Second), Active: true, UpdatedAt: now},
		{TriggerID: "t-early", OrganizationID: "org-1", WorkflowID: "wf-1", Partition: 0,
			Interval: time.Minute, NextPollAt: now.Add(-time.Minute), Active: true, UpdatedAt: now},
		{TriggerID: "t-future", OrganizationID: "org-1", WorkflowID: "wf-1", Partition: 0,
			Interval: time.Minute, NextPollAt: now.Add(time.Hour), Active: true, UpdatedAt: now},
		{TriggerID: "t-other-part", OrganizationID: "org-1", WorkflowID: "wf-1", Partition: 1,
			Interval: time.Minute, NextPollAt: now.Add(-time.Minute), Active: true, UpdatedAt: now},
		{TriggerID: "t-inactive", OrganizationID: "org-1", WorkflowID: "wf-1", Partition: 0,
			Interval: time.Minute, NextPollAt: now.Add(-time.Minute), Active: false, UpdatedAt: now},
	}
	for _, state := range states {
		if err := s.SavePollingState(ctx, state); err != nil {
			t.Fatalf("failed to save polling state: %v", err)
		}
	}

	due, err := s.DuePollingTriggers(ctx, 0, now, 10)
	if err != nil {
		t.Fatalf("failed to query due triggers: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due triggers, got %d", len(due))
	}
	if due[0].TriggerID != "t-early" || due[1].TriggerID != "t-late" {
		t.Errorf("expected soonest-first ordering, got %s then %s", due[0].TriggerID, due[1].TriggerID)
	}

	// Runtime state survives a round trip.
	due[0].Runtime = map[string]any{"cursor": "abc"}
	due[0].NextPollAt = now.Add(time.Minute)
	if err := s.SavePollingState(ctx, due[0]); err != nil {
		t.Fatalf("failed to update polling state: %v", err)
	}
	reloaded, err := s.GetPollingState(ctx, "t-early")
	if err != nil {
		t.Fatalf("failed to reload polling state: %v", err)
	}
	if reloaded.Runtime["cursor"] != "abc" {
		t.Errorf("expected runtime cursor to survive, got %v", reloaded.Runtime)
	}
	if !reloaded.NextPollAt.Equal(now.Add(time.Minute)) {
		t.Errorf("expected next poll at %v, got %v", now.Add(time.Minute), reloaded.NextPollAt)
	}
}

func TestSQLiteStore_PartitionLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ok, err := s.AcquirePartitionLease(ctx, 0, "poller-a", now, time.Minute)
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}

	// Another owner cannot steal a live lease.
	ok, err = s.AcquirePartitionLease(ctx, 0, "poller-b", now.Add(time.Second), time.Minute)
	if err != nil {
		t.Fatalf("failed on contended acquire: %v", err)
	}
	if ok {
		t.Errorf("expected contended acquire to fail")
	}

	// The holder can renew.
	ok, _ = s.AcquirePartitionLease(ctx, 0, "poller-a", now.Add(30*time.Second), time.Minute)
	if !ok {
		t.Errorf("expected holder renewal to succeed")
	}

	// An expired lease is claimable.
	ok, _ = s.AcquirePartitionLease(ctx, 0, "poller-b", now.Add(5*time.Minute), time.Minute)
	if !ok {
		t.Errorf("expected expired lease takeover to succeed")
	}

	// Release by the owner frees the partition.
	if err := s.ReleasePartitionLease(ctx, 0, "poller-b"); err != nil {
		t.Fatalf("failed to release lease: %v", err)
	}
	ok, _ = s.AcquirePartitionLease(ctx, 0, "poller-c", now.Add(5*time.Minute), time.Minute)
	if !ok {
		t.Errorf("expected acquire after release to succeed")
	}
}

func TestSQLiteStore_Outbox(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, rec := range []*store.OutboxRecord{
		{ID: "ob-1", OrganizationID: "org-1", WorkflowID: "wf-1", TriggerID: "hook-1",
			Payload: json.RawMessage(`{"seq":1}`), NextAttemptAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Minute)},
		{ID: "ob-2", OrganizationID: "org-1", WorkflowID: "wf-1", TriggerID: "hook-1",
			Payload: json.RawMessage(`{"seq":2}`), NextAttemptAt: now.Add(-time.Second), CreatedAt: now.Add(-time.Second)},
		{ID: "ob-future", OrganizationID: "org-1", WorkflowID: "wf-1",
			Payload: json.RawMessage(`{}`), NextAttemptAt: now.Add(time.Hour), CreatedAt: now},
	} {
		if err := s.AppendOutbox(ctx, rec); err != nil {
			t.Fatalf("failed to append outbox record: %v", err)
		}
	}

	count, err := s.CountPendingOutbox(ctx)
	if err != nil {
		t.Fatalf("failed to count pending: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 pending, got %d", count)
	}

	claimed, err := s.ClaimOutbox(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("failed to claim outbox: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed records, got %d", len(claimed))
	}
	if claimed[0].ID != "ob-1" || claimed[1].ID != "ob-2" {
		t.Errorf("expected due-order claim, got %s then %s", claimed[0].ID, claimed[1].ID)
	}
	if claimed[0].Attempts != 1 {
		t.Errorf("expected claim to count as attempt 1, got %d", claimed[0].Attempts)
	}
	if claimed[0].ClaimedUntil == nil {
		t.Errorf("expected claimed record to carry a lease")
	}

	// A concurrent claim sees nothing while the lease is live.
	again, err := s.ClaimOutbox(ctx, now.Add(time.Second), time.Minute, 10)
	if err != nil {
		t.Fatalf("failed on second claim: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected leased records to be invisible, got %d", len(again))
	}

	// Dispatch one, retry the other.
	if err := s.MarkOutboxDispatched(ctx, "ob-1", now.Add(time.Second)); err != nil {
		t.Fatalf("failed to mark dispatched: %v", err)
	}
	if err := s.MarkOutboxRetry(ctx, "ob-2", now.Add(2*time.Second), "connect refused"); err != nil {
		t.Fatalf("failed to mark retry: %v", err)
	}

	count, _ = s.CountPendingOutbox(ctx)
	if count != 2 {
		t.Errorf("expected 2 pending after dispatch, got %d", count)
	}

	// The retried record is claimable once its backoff elapses.
	claimed, err = s.ClaimOutbox(ctx, now.Add(3*time.Second), time.Minute, 10)
	if err != nil {
		t.Fatalf("failed to reclaim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "ob-2" {
		t.Fatalf("expected to reclaim ob-2, got %v", claimed)
	}
	if claimed[0].Attempts != 2 {
		t.Errorf("expected attempt 2 on reclaim, got %d", claimed[0].Attempts)
	}
	if claimed[0].LastError != "connect refused" {
		t.Errorf("expected last error recorded, got %q", claimed[0].LastError)
	}

	if err := s.MarkOutboxFailed(ctx, "ob-2", "gave up"); err != nil {
		t.Fatalf("failed to mark failed: %v", err)
	}
	count, _ = s.CountPendingOutbox(ctx)
	if count != 1 {
		t.Errorf("expected only the future record pending, got %d", count)
	}

	// Purge removes terminal records but never pending ones.
	deleted, err := s.PurgeOutbox(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to purge outbox: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 purged, got %d", deleted)
	}
	count, _ = s.CountPendingOutbox(ctx)
	if count != 1 {
		t.Errorf("expected pending record to survive purge, got %d", count)
	}
}

func TestSQLiteStore_Executions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := &workflow.ExecutionRecord{
		ID:             "exec-1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		TriggerType:    workflow.TriggerWebhook,
		Status:         workflow.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateExecution(ctx, rec); err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}

	// Node results persist incrementally.
	result := &workflow.NodeResult{
		NodeID:     "n1",
		Status:     workflow.NodeSucceeded,
		Output:     map[string]any{"ok": true},
		Attempts:   1,
		Parameters: map[string]any{"channel": "#ops"},
	}
	if err := s.SaveNodeResult(ctx, "exec-1", result); err != nil {
		t.Fatalf("failed to save node result: %v", err)
	}

	rec.MarkRunning(now.Add(time.Second))
	if err := s.UpdateExecution(ctx, rec); err != nil {
		t.Fatalf("failed to update execution: %v", err)
	}

	retrieved, err := s.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	if retrieved.Status != workflow.StatusRunning {
		t.Errorf("expected status running, got %s", retrieved.Status)
	}
	if retrieved.StartedAt == nil {
		t.Errorf("expected started at to be set")
	}
	node, ok := retrieved.Nodes["n1"]
	if !ok {
		t.Fatalf("expected node result n1 to be loaded")
	}
	if node.Status != workflow.NodeSucceeded {
		t.Errorf("expected node status succeeded, got %s", node.Status)
	}
	if node.Parameters["channel"] != "#ops" {
		t.Errorf("expected resolved parameters to survive, got %v", node.Parameters)
	}

	// Listing filters and omits node results.
	listed, err := s.ListExecutions(ctx, store.ExecutionFilter{OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("failed to list executions: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(listed))
	}
	if listed[0].Nodes != nil {
		t.Errorf("expected listing to omit node results")
	}
	if listed, _ := s.ListExecutions(ctx, store.ExecutionFilter{Status: string(workflow.StatusQueued)}); len(listed) != 0 {
		t.Errorf("expected no queued executions, got %d", len(listed))
	}
}

func TestSQLiteStore_ExecutionLease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := &workflow.ExecutionRecord{
		ID: "exec-1", WorkflowID: "wf-1", OrganizationID: "org-1",
		TriggerType: workflow.TriggerManual, Status: workflow.StatusQueued,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateExecution(ctx, rec); err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}

	ok, err := s.AcquireExecutionLease(ctx, "exec-1", "worker-a", now, 5*time.Minute)
	if err != nil {
		t.Fatalf("failed to acquire lease: %v", err)
	}
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}

	ok, _ = s.AcquireExecutionLease(ctx, "exec-1", "worker-b", now.Add(time.Minute), 5*time.Minute)
	if ok {
		t.Errorf("expected contended acquire to fail")
	}

	// Takeover after expiry.
	ok, _ = s.AcquireExecutionLease(ctx, "exec-1", "worker-b", now.Add(10*time.Minute), 5*time.Minute)
	if !ok {
		t.Errorf("expected expired lease takeover to succeed")
	}

	if err := s.ReleaseExecutionLease(ctx, "exec-1", "worker-b"); err != nil {
		t.Fatalf("failed to release lease: %v", err)
	}
	ok, _ = s.AcquireExecutionLease(ctx, "exec-1", "worker-c", now.Add(10*time.Minute), 5*time.Minute)
	if !ok {
		t.Errorf("expected acquire after release to succeed")
	}
}

func TestSQLiteStore_Usage(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Unrecorded periods read as zero, not as an error.
	zero, err := s.GetUsage(ctx, "org-1", "user-1", 2026, time.March)
	if err != nil {
		t.Fatalf("failed to get empty usage: %v", err)
	}
	if zero.APICalls != 0 || zero.WorkflowRuns != 0 {
		t.Errorf("expected zeroed usage, got %+v", zero)
	}

	row, err := s.AddUsage(ctx, store.UsageDelta{
		OrganizationID: "org-1", UserID: "user-1", Year: 2026, Month: 3,
		APICalls: 2, WorkflowRuns: 1, CostCents: 5,
	})
	if err != nil {
		t.Fatalf("failed to add usage: %v", err)
	}
	if row.APICalls != 2 {
		t.Errorf("expected 2 api calls, got %d", row.APICalls)
	}

	row, err = s.AddUsage(ctx, store.UsageDelta{
		OrganizationID: "org-1", UserID: "user-1", Year: 2026, Month: 3,
		APICalls: 3, TokensUsed: 100,
	})
	if err != nil {
		t.Fatalf("failed to add second delta: %v", err)
	}
	if row.APICalls != 5 {
		t.Errorf("expected accumulated 5 api calls, got %d", row.APICalls)
	}
	if row.TokensUsed != 100 {
		t.Errorf("expected 100 tokens, got %d", row.TokensUsed)
	}
	if row.EstimatedCostCents != 5 {
		t.Errorf("expected cost carried over, got %d", row.EstimatedCostCents)
	}
}

func TestSQLiteStore_ListUsageByPlan(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	proOrg := testOrg("org-pro")
	freeOrg := testOrg("org-free")
	freeOrg.Plan = store.PlanFree
	if err := s.CreateOrganization(ctx, proOrg); err != nil {
		t.Fatalf("failed to create organization: %v", err)
	}
	if err := s.CreateOrganization(ctx, freeOrg); err != nil {
		t.Fatalf("failed to create organization: %v", err)
	}

	for _, delta := range []store.UsageDelta{
		{OrganizationID: "org-pro", UserID: "u1", Year: 2026, Month: 2, APICalls: 1},
		{OrganizationID: "org-pro", UserID: "u1", Year: 2026, Month: 3, APICalls: 1},
		{OrganizationID: "org-free", UserID: "u2", Year: 2026, Month: 3, APICalls: 1},
	} {
		if _, err := s.AddUsage(ctx, delta); err != nil {
			t.Fatalf("failed to add usage: %v", err)
		}
	}

	rows, err := s.ListUsage(ctx, store.UsageFilter{Plan: store.PlanPro})
	if err != nil {
		t.Fatalf("failed to list usage by plan: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 pro rows, got %d", len(rows))
	}

	// Period bounds filter on (year, month).
	march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows, err = s.ListUsage(ctx, store.UsageFilter{Start: march, End: march})
	if err != nil {
		t.Fatalf("failed to list usage by period: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 march rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Month != 3 {
			t.Errorf("expected only march rows, got month %d", row.Month)
		}
	}
}

func TestSQLiteStore_Audit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, action := range []string{"workflow.save", "workflow.run", "usage.overage"} {
		entry := &store.AuditEntry{
			OrganizationID: "org-1",
			Actor:          "user-1",
			Action:         action,
			Subject:        "wf-1",
			Detail:         map[string]any{"seq": float64(i)},
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendAudit(ctx, entry); err != nil {
			t.Fatalf("failed to append audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Errorf("expected assigned audit ID")
		}
	}

	entries, err := s.ListAudit(ctx, store.AuditFilter{OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("failed to list audit: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Action != "usage.overage" {
		t.Errorf("expected newest first, got %s", entries[0].Action)
	}

	filtered, err := s.ListAudit(ctx, store.AuditFilter{Action: "workflow.run", Limit: 10})
	if err != nil {
		t.Fatalf("failed to filter audit: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Detail["seq"] != float64(1) {
		t.Errorf("expected the workflow.run entry, got %v", filtered)
	}
}

func TestSQLiteStore_WebhookLogs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, status := range []string{store.WebhookAccepted, store.WebhookDuplicate, store.WebhookRejected} {
		entry := &store.WebhookLog{
			ID:         "log-" + status,
			WebhookID:  "hook-1",
			Provider:   "github",
			EventHash:  "hash",
			Status:     status,
			ReceivedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendWebhookLog(ctx, entry); err != nil {
			t.Fatalf("failed to append webhook log: %v", err)
		}
	}

	logs, err := s.ListWebhookLogs(ctx, "hook-1", 2)
	if err != nil {
		t.Fatalf("failed to list webhook logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(logs))
	}
	if logs[0].Status != store.WebhookRejected {
		t.Errorf("expected newest first, got %s", logs[0].Status)
	}

	deleted, err := s.PurgeWebhookLogs(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("failed to purge webhook logs: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 purged, got %d", deleted)
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s1, err := New(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s1.CreateOrganization(ctx, testOrg("org-1")); err != nil {
		t.Fatalf("failed to create organization: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	s2, err := New(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()

	org, err := s2.GetOrganization(ctx, "org-1")
	if err != nil {
		t.Fatalf("failed to get persisted organization: %v", err)
	}
	if org.Name != "Acme" {
		t.Errorf("expected persisted name Acme, got %s", org.Name)
	}
}
