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

package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tombee/switchboard/internal/store"
	"github.com/tombee/switchboard/pkg/workflow"
)

func TestMemoryStore_DefaultMembership(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	if err := s.AddMember(ctx, &store.Member{
		OrganizationID: "org-a", UserID: "u1", Role: store.RoleOwner, IsDefault: true, CreatedAt: now,
	}); err != nil {
		t.Fatalf("failed to add member: %v", err)
	}
	if err := s.AddMember(ctx, &store.Member{
		OrganizationID: "org-b", UserID: "u1", Role: store.RoleMember, IsDefault: true, CreatedAt: now,
	}); err != nil {
		t.Fatalf("failed to add second member: %v", err)
	}

	def, err := s.GetDefaultOrganization(ctx, "u1")
	if err != nil {
		t.Fatalf("failed to get default organization: %v", err)
	}
	if def != "org-b" {
		t.Errorf("expected default org-b, got %s", def)
	}

	members, _ := s.ListMembers(ctx, "org-a")
	if len(members) != 1 || members[0].IsDefault {
		t.Errorf("expected org-a membership to lose the default flag")
	}
}

func TestMemoryStore_WorkflowVersionBump(t *testing.T) {
	s := New()
	ctx := context.Background()

	wf := &store.Workflow{ID: "wf-1", OrganizationID: "org-1", Name: "n", Graph: json.RawMessage(`{}`)}
	if err := s.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to save workflow: %v", err)
	}
	if wf.Version != 1 {
		t.Errorf("expected version 1, got %d", wf.Version)
	}
	if err := s.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("failed to resave workflow: %v", err)
	}
	if wf.Version != 2 {
		t.Errorf("expected version 2, got %d", wf.Version)
	}
}

func TestMemoryStore_TriggerRingPreserved(t *testing.T) {
	s := New()
	ctx := context.Background()

	trig := &store.Trigger{ID: "hook-1", WorkflowID: "wf-1", OrganizationID: "org-1",
		NodeID: "n1", Kind: store.TriggerKindWebhook, Active: true}
	if err := s.SaveTrigger(ctx, trig); err != nil {
		t.Fatalf("failed to save trigger: %v", err)
	}
	if err := s.SaveDedupeState(ctx, "hook-1", []string{"a", "b"}); err != nil {
		t.Fatalf("failed to save dedupe state: %v", err)
	}
	if err := s.SaveTrigger(ctx, trig); err != nil {
		t.Fatalf("failed to resave trigger: %v", err)
	}

	got, err := s.GetTrigger(ctx, "hook-1")
	if err != nil {
		t.Fatalf("failed to get trigger: %v", err)
	}
	if len(got.DedupeTokens) != 2 {
		t.Errorf("expected ring preserved across resave, got %v", got.DedupeTokens)
	}
}

func TestMemoryStore_OutboxClaimLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	rec := &store.OutboxRecord{ID: "ob-1", OrganizationID: "org-1", WorkflowID: "wf-1",
		Payload: json.RawMessage(`{}`), NextAttemptAt: now.Add(-time.Second), CreatedAt: now}
	if err := s.AppendOutbox(ctx, rec); err != nil {
		t.Fatalf("failed to append outbox: %v", err)
	}

	claimed, err := s.ClaimOutbox(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Attempts != 1 {
		t.Fatalf("expected one claimed record with attempt 1, got %v", claimed)
	}

	again, _ := s.ClaimOutbox(ctx, now.Add(time.Second), time.Minute, 10)
	if len(again) != 0 {
		t.Errorf("expected leased record to be invisible, got %d", len(again))
	}

	// The lease expires and the record is claimable again.
	later, _ := s.ClaimOutbox(ctx, now.Add(2*time.Minute), time.Minute, 10)
	if len(later) != 1 || later[0].Attempts != 2 {
		t.Errorf("expected reclaim after lease expiry, got %v", later)
	}
}

func TestMemoryStore_PartitionLeaseContention(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	if ok, _ := s.AcquirePartitionLease(ctx, 1, "a", now, time.Minute); !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	if ok, _ := s.AcquirePartitionLease(ctx, 1, "b", now, time.Minute); ok {
		t.Errorf("expected contended acquire to fail")
	}
	if ok, _ := s.AcquirePartitionLease(ctx, 1, "a", now.Add(30*time.Second), time.Minute); !ok {
		t.Errorf("expected holder renewal to succeed")
	}
	if ok, _ := s.AcquirePartitionLease(ctx, 1, "b", now.Add(3*time.Minute), time.Minute); !ok {
		t.Errorf("expected takeover after expiry")
	}
}

func TestMemoryStore_ExecutionIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	rec := &workflow.ExecutionRecord{
		ID: "exec-1", WorkflowID: "wf-1", OrganizationID: "org-1",
		TriggerType: workflow.TriggerManual, Status: workflow.StatusQueued,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateExecution(ctx, rec); err != nil {
		t.Fatalf("failed to create execution: %v", err)
	}

	// Mutating a retrieved record must not leak into the store.
	got, err := s.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to get execution: %v", err)
	}
	got.Status = workflow.StatusFailed

	fresh, _ := s.GetExecution(ctx, "exec-1")
	if fresh.Status != workflow.StatusQueued {
		t.Errorf("expected stored record unchanged, got %s", fresh.Status)
	}

	if err := s.SaveNodeResult(ctx, "exec-1", &workflow.NodeResult{NodeID: "n1", Status: workflow.NodeRunning}); err != nil {
		t.Fatalf("failed to save node result: %v", err)
	}
	fresh, _ = s.GetExecution(ctx, "exec-1")
	if fresh.Nodes["n1"] == nil {
		t.Errorf("expected node result to be stored")
	}

	listed, _ := s.ListExecutions(ctx, store.ExecutionFilter{OrganizationID: "org-1"})
	if len(listed) != 1 || listed[0].Nodes != nil {
		t.Errorf("expected listing without node results")
	}
}

func TestMemoryStore_UsageAccumulates(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.AddUsage(ctx, store.UsageDelta{
		OrganizationID: "org-1", UserID: "u1", Year: 2026, Month: 3, APICalls: 2,
	}); err != nil {
		t.Fatalf("failed to add usage: %v", err)
	}
	row, err := s.AddUsage(ctx, store.UsageDelta{
		OrganizationID: "org-1", UserID: "u1", Year: 2026, Month: 3, APICalls: 3, CostCents: 7,
	})
	if err != nil {
		t.Fatalf("failed to add second delta: %v", err)
	}
	if row.APICalls != 5 || row.EstimatedCostCents != 7 {
		t.Errorf("expected accumulated counters, got %+v", row)
	}

	other, _ := s.GetUsage(ctx, "org-1", "u1", 2026, time.April)
	if other.APICalls != 0 {
		t.Errorf("expected zeroed row for other month, got %d", other.APICalls)
	}
}

func TestMemoryStore_IncrementConcurrentCap(t *testing.T) {
	s := New()
	ctx := context.Background()

	quota := &store.OrganizationQuota{
		OrganizationID: "org-1",
		Limits:         store.QuotaLimits{MaxConcurrentExecutions: 1},
	}
	if err := s.SaveQuota(ctx, quota); err != nil {
		t.Fatalf("failed to save quota: %v", err)
	}

	if ok, _ := s.IncrementConcurrent(ctx, "org-1", 1); !ok {
		t.Fatalf("expected first increment to succeed")
	}
	if ok, _ := s.IncrementConcurrent(ctx, "org-1", 1); ok {
		t.Errorf("expected increment past cap to fail")
	}
	if err := s.DecrementConcurrent(ctx, "org-1"); err != nil {
		t.Fatalf("failed to decrement: %v", err)
	}
	if ok, _ := s.IncrementConcurrent(ctx, "org-1", 1); !ok {
		t.Errorf("expected increment after release to succeed")
	}
}
