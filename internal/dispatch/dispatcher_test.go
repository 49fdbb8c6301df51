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

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

var dispatchNow = time.Date(2026, 3, 14, 10, 30, 30, 0, time.UTC)

type fakeDispatchStore struct {
	execs      map[string]*workflow.ExecutionRecord
	workflows  map[string]*store.Workflow
	quotas     map[string]*store.OrganizationQuota
	leases     map[string]string
	concurrent map[string]int
}

func newFakeDispatchStore() *fakeDispatchStore {
	return &fakeDispatchStore{
		execs:      make(map[string]*workflow.ExecutionRecord),
		workflows:  make(map[string]*store.Workflow),
		quotas:     make(map[string]*store.OrganizationQuota),
		leases:     make(map[string]string),
		concurrent: make(map[string]int),
	}
}

func (f *fakeDispatchStore) GetExecution(_ context.Context, id string) (*workflow.ExecutionRecord, error) {
	rec, ok := f.execs[id]
	if !ok {
		return nil, &sberrors.NotFoundError{Resource: "execution", ID: id}
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeDispatchStore) UpdateExecution(_ context.Context, rec *workflow.ExecutionRecord) error {
	copied := *rec
	f.execs[rec.ID] = &copied
	return nil
}

func (f *fakeDispatchStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, &sberrors.NotFoundError{Resource: "workflow", ID: id}
	}
	return wf, nil
}

func (f *fakeDispatchStore) GetQuota(_ context.Context, orgID string) (*store.OrganizationQuota, error) {
	quota, ok := f.quotas[orgID]
	if !ok {
		return nil, &sberrors.NotFoundError{Resource: "quota", ID: orgID}
	}
	copied := *quota
	return &copied, nil
}

func (f *fakeDispatchStore) DecrementConcurrent(_ context.Context, orgID string) error {
	if f.concurrent[orgID] > 0 {
		f.concurrent[orgID]--
	}
	return nil
}

func (f *fakeDispatchStore) AcquireExecutionLease(_ context.Context, executionID, owner string, _ time.Time, _ time.Duration) (bool, error) {
	if holder, ok := f.leases[executionID]; ok && holder != owner {
		return false, nil
	}
	f.leases[executionID] = owner
	return true, nil
}

func (f *fakeDispatchStore) ReleaseExecutionLease(_ context.Context, executionID, owner string) error {
	if f.leases[executionID] == owner {
		delete(f.leases, executionID)
	}
	return nil
}

type runnerCall struct {
	executionID string
	workflowID  string
	req         *queue.RunRequest
}

type fakeRunner struct {
	calls []runnerCall
	fn    func(rec *workflow.ExecutionRecord) error
}

func (f *fakeRunner) Run(_ context.Context, rec *workflow.ExecutionRecord, wf *store.Workflow, req *queue.RunRequest) error {
	f.calls = append(f.calls, runnerCall{executionID: rec.ID, workflowID: wf.ID, req: req})
	if f.fn != nil {
		return f.fn(rec)
	}
	rec.MarkTerminal(workflow.StatusSucceeded, "", dispatchNow.Add(time.Second))
	return nil
}

type fakeMeter struct {
	runs []string
}

func (f *fakeMeter) RecordWorkflowRun(_ context.Context, orgID, _ string) {
	f.runs = append(f.runs, orgID)
}

type dispatchRecorder struct {
	outcomes []string
}

func (r *dispatchRecorder) RecordExecution(_ context.Context, outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

type fixture struct {
	dispatcher *Dispatcher
	store      *fakeDispatchStore
	driver     *queue.MemoryDriver
	runner     *fakeRunner
	meter      *fakeMeter
	recorder   *dispatchRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newFakeDispatchStore()
	driver := queue.NewMemoryDriver(queue.MemoryOptions{BlockTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { driver.Close() })
	runner := &fakeRunner{}
	meter := &fakeMeter{}
	recorder := &dispatchRecorder{}
	d := New(st, driver, runner, Options{Workers: 1, DeferralCap: 3}, slog.New(slog.DiscardHandler),
		WithMeter(meter),
		WithRecorder(recorder),
		WithClock(func() time.Time { return dispatchNow }),
	)
	return &fixture{dispatcher: d, store: st, driver: driver, runner: runner, meter: meter, recorder: recorder}
}

// seedExecution wires a queued execution, its workflow, and a
// concurrency slot, then publishes the job.
func (fx *fixture) seedExecution(t *testing.T, mutate func(*queue.Job)) {
	t.Helper()
	fx.store.execs["exec-1"] = &workflow.ExecutionRecord{
		ID:             "exec-1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		TriggerType:    workflow.TriggerManual,
		Status:         workflow.StatusQueued,
		CreatedAt:      dispatchNow,
		UpdatedAt:      dispatchNow,
	}
	fx.store.workflows["wf-1"] = &store.Workflow{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Name:           "Test Flow",
		Graph:          []byte(`{"nodes":[],"edges":[]}`),
		Active:         true,
	}
	fx.store.concurrent["org-1"] = 1

	req := &queue.RunRequest{
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		TriggerType:    workflow.TriggerManual,
		TriggerData:    queue.TriggerData{Payload: map[string]any{"k": "v"}, Source: "manual"},
	}
	encoded, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	job := &queue.Job{
		ExecutionID:    "exec-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		Weight:         1,
		EnqueuedAt:     dispatchNow,
		Request:        encoded,
	}
	if mutate != nil {
		mutate(job)
	}
	if err := fx.driver.Publish(context.Background(), job); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func (fx *fixture) claimDelivery(t *testing.T) *queue.Delivery {
	t.Helper()
	delivery, err := fx.driver.Claim(context.Background(), "worker-test")
	if err != nil || delivery == nil {
		t.Fatalf("Claim: %+v, %v", delivery, err)
	}
	return delivery
}

func TestHandleRunsExecution(t *testing.T) {
	fx := newFixture(t)
	fx.seedExecution(t, nil)
	delivery := fx.claimDelivery(t)

	fx.dispatcher.Handle(context.Background(), delivery)

	if len(fx.runner.calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(fx.runner.calls))
	}
	call := fx.runner.calls[0]
	if call.executionID != "exec-1" || call.workflowID != "wf-1" {
		t.Errorf("runner call = %+v", call)
	}
	if call.req.TriggerData.Source != "manual" {
		t.Errorf("request source = %q", call.req.TriggerData.Source)
	}
	rec := fx.store.execs["exec-1"]
	if rec.Status != workflow.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", rec.Status)
	}
	if rec.StartedAt == nil || rec.FinishedAt == nil {
		t.Error("missing start/finish stamps")
	}
	if fx.store.concurrent["org-1"] != 0 {
		t.Errorf("concurrency slot not released: %d", fx.store.concurrent["org-1"])
	}
	if len(fx.store.leases) != 0 {
		t.Errorf("lease not released: %v", fx.store.leases)
	}
	if ready, _ := fx.driver.Ready(context.Background()); ready != 0 {
		t.Errorf("delivery not acked, ready = %d", ready)
	}
	if len(fx.meter.runs) != 1 || fx.meter.runs[0] != "org-1" {
		t.Errorf("meter = %v", fx.meter.runs)
	}
	if len(fx.recorder.outcomes) != 1 || fx.recorder.outcomes[0] != "succeeded" {
		t.Errorf("outcomes = %v", fx.recorder.outcomes)
	}
}

func TestHandleRunnerErrorFailsExecution(t *testing.T) {
	fx := newFixture(t)
	fx.runner.fn = func(*workflow.ExecutionRecord) error {
		return fmt.Errorf("runtime exploded")
	}
	fx.seedExecution(t, nil)
	delivery := fx.claimDelivery(t)

	fx.dispatcher.Handle(context.Background(), delivery)

	rec := fx.store.execs["exec-1"]
	if rec.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if !strings.Contains(rec.Error, "runtime exploded") {
		t.Errorf("error = %q", rec.Error)
	}
	if fx.store.concurrent["org-1"] != 0 {
		t.Error("concurrency slot not released on failure")
	}
	if ready, _ := fx.driver.Ready(context.Background()); ready != 0 {
		t.Errorf("failed execution not acked, ready = %d", ready)
	}
}

func TestHandleCancelledRunMarksCancelled(t *testing.T) {
	fx := newFixture(t)
	fx.runner.fn = func(*workflow.ExecutionRecord) error {
		return context.Canceled
	}
	fx.seedExecution(t, nil)
	delivery := fx.claimDelivery(t)

	fx.dispatcher.Handle(context.Background(), delivery)

	if got := fx.store.execs["exec-1"].Status; got != workflow.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
}

func TestHandleSkipsLeasedExecution(t *testing.T) {
	fx := newFixture(t)
	fx.seedExecution(t, nil)
	delivery := fx.claimDelivery(t)
	fx.store.leases["exec-1"] = "other-dispatcher"

	fx.dispatcher.Handle(context.Background(), delivery)

	if len(fx.runner.calls) != 0 {
		t.Fatal("runner called for leased execution")
	}
	if got := fx.store.execs["exec-1"].Status; got != workflow.StatusQueued {
		t.Errorf("status = %s, want queued", got)
	}
	// The delivery stays unacked so the queue redelivers if the holder
	// crashes.
	if ready, _ := fx.driver.Ready(context.Background()); ready != 1 {
		t.Errorf("ready = %d, want 1", ready)
	}
}

func TestHandleDropsTerminalDuplicate(t *testing.T) {
	fx := newFixture(t)
	fx.seedExecution(t, nil)
	delivery := fx.claimDelivery(t)
	fx.store.execs["exec-1"].Status = workflow.StatusSucceeded

	fx.dispatcher.Handle(context.Background(), delivery)

	if len(fx.runner.calls) != 0 {
		t.Fatal("runner called for terminal execution")
	}
	if ready, _ := fx.driver.Ready(context.Background()); ready != 0 {
		t.Errorf("duplicate not acked, ready = %d", ready)
	}
	if len(fx.store.leases) != 0 {
		t.Errorf("lease not released: %v", fx.store.leases)
	}
}

func TestHandlePrematureClaimRequeuesUnchanged(t *testing.T) {
	fx := newFixture(t)
	notBefore := dispatchNow.Add(50 * time.Millisecond)
	fx.seedExecution(t, func(job *queue.Job) {
		job.NotBefore = notBefore
		job.Deferrals = 1
	})
	delivery := fx.claimDelivery(t)

	fx.dispatcher.Handle(context.Background(), delivery)

	if len(fx.runner.calls) != 0 {
		t.Fatal("runner called before notBefore")
	}
	requeued, err := fx.driver.Claim(context.Background(), "worker-test")
	if err != nil || requeued == nil {
		t.Fatalf("Claim: %+v, %v", requeued, err)
	}
	if requeued.Deferrals != 1 || !requeued.NotBefore.Equal(notBefore) {
		t.Errorf("requeued state = %d/%v, want unchanged 1/%v", requeued.Deferrals, requeued.NotBefore, notBefore)
	}
}

func TestHandleDeferredRunsWhenWindowClear(t *testing.T) {
	fx := newFixture(t)
	// Stale window from the deferring minute: effectively empty now.
	fx.store.quotas["org-1"] = &store.OrganizationQuota{
		OrganizationID: "org-1",
		Limits:         store.DefaultLimits(store.PlanFree),
		WindowStart:    dispatchNow.Truncate(time.Minute).Add(-time.Minute),
		Usage:          store.QuotaUsage{ExecutionsInCurrentWindow: 10},
	}
	fx.seedExecution(t, func(job *queue.Job) {
		job.NotBefore = dispatchNow.Add(-time.Second)
		job.Deferrals = 1
	})
	delivery := fx.claimDelivery(t)

	fx.dispatcher.Handle(context.Background(), delivery)

	if len(fx.runner.calls) != 1 {
		t.Fatalf("runner called %d times, want 1", len(fx.runner.calls))
	}
	if got := fx.store.execs["exec-1"].Status; got != workflow.StatusSucceeded {
		t.Errorf("status = %s", got)
	}
}

func TestHandleDeferredDefersAgainWhenSaturated(t *testing.T) {
	fx := newFixture(t)
	window := dispatchNow.Truncate(time.Minute)
	fx.store.quotas["org-1"] = &store.OrganizationQuota{
		OrganizationID: "org-1",
		Limits:         store.DefaultLimits(store.PlanFree),
		WindowStart:    window,
		Usage:          store.QuotaUsage{ExecutionsInCurrentWindow: store.DefaultLimits(store.PlanFree).MaxExecutionsPerMinute},
	}
	fx.seedExecution(t, func(job *queue.Job) {
		job.NotBefore = dispatchNow.Add(-time.Second)
		job.Deferrals = 1
	})
	delivery := fx.claimDelivery(t)

	fx.dispatcher.Handle(context.Background(), delivery)

	if len(fx.runner.calls) != 0 {
		t.Fatal("runner called while window saturated")
	}
	requeued, err := fx.driver.Claim(context.Background(), "worker-test")
	if err != nil || requeued == nil {
		t.Fatalf("Claim: %+v, %v", requeued, err)
	}
	if requeued.Deferrals != 2 {
		t.Errorf("deferrals = %d, want 2", requeued.Deferrals)
	}
	if want := window.Add(time.Minute); !requeued.NotBefore.Equal(want) {
		t.Errorf("notBefore = %v, want %v", requeued.NotBefore, want)
	}
	if len(fx.recorder.outcomes) != 1 || fx.recorder.outcomes[0] != "deferred" {
		t.Errorf("outcomes = %v", fx.recorder.outcomes)
	}
}

func TestHandleDeferralCapRejects(t *testing.T) {
	fx := newFixture(t)
	window := dispatchNow.Truncate(time.Minute)
	fx.store.quotas["org-1"] = &store.OrganizationQuota{
		OrganizationID: "org-1",
		Limits:         store.DefaultLimits(store.PlanFree),
		WindowStart:    window,
		Usage:          store.QuotaUsage{ExecutionsInCurrentWindow: store.DefaultLimits(store.PlanFree).MaxExecutionsPerMinute},
	}
	fx.seedExecution(t, func(job *queue.Job) {
		job.NotBefore = dispatchNow.Add(-time.Second)
		job.Deferrals = 3
	})
	delivery := fx.claimDelivery(t)

	fx.dispatcher.Handle(context.Background(), delivery)

	if len(fx.runner.calls) != 0 {
		t.Fatal("runner called for rejected execution")
	}
	rec := fx.store.execs["exec-1"]
	if rec.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if !strings.Contains(rec.Error, "EXECUTION_QUOTA_EXCEEDED") && !strings.Contains(rec.Error, "deferrals") {
		t.Errorf("error = %q", rec.Error)
	}
	if fx.store.concurrent["org-1"] != 0 {
		t.Error("concurrency slot not released on rejection")
	}
	if ready, _ := fx.driver.Ready(context.Background()); ready != 0 {
		t.Errorf("rejected job not acked, ready = %d", ready)
	}
	if len(fx.recorder.outcomes) != 1 || fx.recorder.outcomes[0] != "rejected" {
		t.Errorf("outcomes = %v", fx.recorder.outcomes)
	}
}

func TestHandleMissingWorkflowFails(t *testing.T) {
	fx := newFixture(t)
	fx.seedExecution(t, nil)
	delivery := fx.claimDelivery(t)
	delete(fx.store.workflows, "wf-1")

	fx.dispatcher.Handle(context.Background(), delivery)

	rec := fx.store.execs["exec-1"]
	if rec.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if !strings.Contains(rec.Error, "workflow") {
		t.Errorf("error = %q", rec.Error)
	}
}

func TestHandleTenantMismatchFails(t *testing.T) {
	fx := newFixture(t)
	fx.seedExecution(t, nil)
	delivery := fx.claimDelivery(t)
	fx.store.workflows["wf-1"].OrganizationID = "org-other"

	fx.dispatcher.Handle(context.Background(), delivery)

	if len(fx.runner.calls) != 0 {
		t.Fatal("runner called across organizations")
	}
	if got := fx.store.execs["exec-1"].Status; got != workflow.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestHandleUndecodableRequestFails(t *testing.T) {
	fx := newFixture(t)
	fx.seedExecution(t, func(job *queue.Job) {
		job.Request = []byte("not json")
	})
	delivery := fx.claimDelivery(t)

	fx.dispatcher.Handle(context.Background(), delivery)

	rec := fx.store.execs["exec-1"]
	if rec.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if ready, _ := fx.driver.Ready(context.Background()); ready != 0 {
		t.Errorf("poison job not acked, ready = %d", ready)
	}
}

func TestRunClaimsAndDrains(t *testing.T) {
	fx := newFixture(t)
	fx.seedExecution(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.dispatcher.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if rec := fx.store.execs["exec-1"]; rec != nil && rec.Status.IsTerminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("execution never finished")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	if got := fx.store.execs["exec-1"].Status; got != workflow.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", got)
	}
}
