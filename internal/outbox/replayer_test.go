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

package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

type retryCall struct {
	nextAttempt time.Time
	lastError   string
}

// fakeOutboxStore mirrors the driver contract: claiming a record
// increments its attempt counter and sets the row lease.
type fakeOutboxStore struct {
	mu         sync.Mutex
	records    []*store.OutboxRecord
	dispatched []string
	retries    map[string]retryCall
	failed     map[string]string
	audits     []*store.AuditEntry
	claimErr   error
}

func newFakeOutboxStore(records ...*store.OutboxRecord) *fakeOutboxStore {
	return &fakeOutboxStore{
		records: records,
		retries: make(map[string]retryCall),
		failed:  make(map[string]string),
	}
}

func (f *fakeOutboxStore) ClaimOutbox(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*store.OutboxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	var claimed []*store.OutboxRecord
	for _, rec := range f.records {
		if len(claimed) >= limit {
			break
		}
		if rec.Status != store.OutboxPending || rec.NextAttemptAt.After(now) {
			continue
		}
		if rec.ClaimedUntil != nil && rec.ClaimedUntil.After(now) {
			continue
		}
		rec.Attempts++
		until := now.Add(lease)
		rec.ClaimedUntil = &until
		cp := *rec
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (f *fakeOutboxStore) MarkOutboxDispatched(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, id)
	for _, rec := range f.records {
		if rec.ID == id {
			rec.Status = store.OutboxDispatched
		}
	}
	return nil
}

func (f *fakeOutboxStore) MarkOutboxRetry(_ context.Context, id string, nextAttempt time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries[id] = retryCall{nextAttempt: nextAttempt, lastError: lastError}
	for _, rec := range f.records {
		if rec.ID == id {
			rec.NextAttemptAt = nextAttempt
			rec.ClaimedUntil = nil
			rec.LastError = lastError
		}
	}
	return nil
}

func (f *fakeOutboxStore) MarkOutboxFailed(_ context.Context, id string, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = lastError
	for _, rec := range f.records {
		if rec.ID == id {
			rec.Status = store.OutboxFailed
			rec.LastError = lastError
		}
	}
	return nil
}

func (f *fakeOutboxStore) CountPendingOutbox(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.records {
		if rec.Status == store.OutboxPending {
			n++
		}
	}
	return n, nil
}

func (f *fakeOutboxStore) AppendAudit(_ context.Context, entry *store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, entry)
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	backlog  int
}

func (f *fakeRecorder) RecordOutboxReplay(_ context.Context, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeRecorder) SetOutboxBacklog(pending int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backlog = pending
}

func pendingRecord(id string) *store.OutboxRecord {
	return &store.OutboxRecord{
		ID:             id,
		OrganizationID: "org-1",
		WorkflowID:     "wf-1",
		TriggerID:      "wh-1",
		Payload:        []byte(`{"workflowId":"wf-1"}`),
		Status:         store.OutboxPending,
		NextAttemptAt:  time.Unix(1700000000, 0).UTC(),
		CreatedAt:      time.Unix(1700000000, 0).UTC(),
	}
}

func newReplayer(st *fakeOutboxStore, fn Dispatch, rec *fakeRecorder) *Replayer {
	logger := slog.New(slog.DiscardHandler)
	now := time.Unix(1700000100, 0).UTC()
	opts := []ReplayerOption{
		WithClock(func() time.Time { return now }),
	}
	if rec != nil {
		opts = append(opts, WithRecorder(rec))
	}
	return NewReplayer(st, fn, Options{}, logger, opts...)
}

func TestReplayDispatchesPending(t *testing.T) {
	st := newFakeOutboxStore(pendingRecord("ob-1"), pendingRecord("ob-2"))
	rec := &fakeRecorder{}
	var delivered []string
	rp := newReplayer(st, func(_ context.Context, r *store.OutboxRecord) error {
		delivered = append(delivered, r.ID)
		return nil
	}, rec)

	rp.ReplayOnce(context.Background())

	if len(delivered) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", delivered)
	}
	if len(st.dispatched) != 2 {
		t.Fatalf("expected 2 dispatched marks, got %v", st.dispatched)
	}
	if rec.backlog != 0 {
		t.Errorf("expected zero backlog after dispatch, got %d", rec.backlog)
	}
	for _, o := range rec.outcomes {
		if o != "dispatched" {
			t.Errorf("unexpected outcome %q", o)
		}
	}
}

func TestReplayBackoffDoubles(t *testing.T) {
	st := newFakeOutboxStore(pendingRecord("ob-1"))
	rp := newReplayer(st, func(context.Context, *store.OutboxRecord) error {
		return errors.New("queue connection refused")
	}, nil)

	// Attempts 1 through 4 back off at 2s, 4s, 8s, 16s; the fifth
	// attempt exhausts the record.
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range wantDelays {
		// Make the record due again regardless of the recorded delay.
		st.records[0].NextAttemptAt = rp.now()
		st.records[0].ClaimedUntil = nil
		rp.ReplayOnce(context.Background())

		call, ok := st.retries["ob-1"]
		if !ok {
			t.Fatalf("attempt %d: expected retry mark", i+1)
		}
		if got := call.nextAttempt.Sub(rp.now()); got != want {
			t.Errorf("attempt %d: next attempt delay = %v, want %v", i+1, got, want)
		}
		if call.lastError == "" {
			t.Errorf("attempt %d: last error not recorded", i+1)
		}
	}

	st.records[0].NextAttemptAt = rp.now()
	st.records[0].ClaimedUntil = nil
	rp.ReplayOnce(context.Background())

	if _, ok := st.failed["ob-1"]; !ok {
		t.Fatal("expected record failed after attempts exhausted")
	}
	if st.records[0].Status != store.OutboxFailed {
		t.Errorf("record status = %q, want %q", st.records[0].Status, store.OutboxFailed)
	}
}

func TestReplayBackoffCapped(t *testing.T) {
	st := newFakeOutboxStore()
	rp := NewReplayer(st, nil, Options{
		MaxAttempts: 20,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}, slog.New(slog.DiscardHandler))

	if got := rp.backoff(1); got != 2*time.Second {
		t.Errorf("backoff(1) = %v, want 2s", got)
	}
	if got := rp.backoff(8); got != 256*time.Second {
		t.Errorf("backoff(8) = %v, want 256s", got)
	}
	// 2s * 2^8 = 512s > 5m cap.
	if got := rp.backoff(9); got != 5*time.Minute {
		t.Errorf("backoff(9) = %v, want 5m", got)
	}
	if got := rp.backoff(15); got != 5*time.Minute {
		t.Errorf("backoff(15) = %v, want 5m", got)
	}
}

func TestReplayExhaustionRaisesAlert(t *testing.T) {
	record := pendingRecord("ob-1")
	record.Attempts = 4 // claim bumps to 5, the final attempt
	st := newFakeOutboxStore(record)
	rec := &fakeRecorder{}
	rp := newReplayer(st, func(context.Context, *store.OutboxRecord) error {
		return errors.New("queue connection refused")
	}, rec)

	rp.ReplayOnce(context.Background())

	lastErr, ok := st.failed["ob-1"]
	if !ok {
		t.Fatal("expected record marked failed")
	}
	if lastErr != "queue connection refused" {
		t.Errorf("last error = %q", lastErr)
	}
	if len(st.audits) != 1 {
		t.Fatalf("expected 1 audit alert, got %d", len(st.audits))
	}
	alert := st.audits[0]
	if alert.Action != "outbox.replay_exhausted" {
		t.Errorf("audit action = %q", alert.Action)
	}
	if alert.OrganizationID != "org-1" {
		t.Errorf("audit org = %q", alert.OrganizationID)
	}
	if alert.Subject != "ob-1" {
		t.Errorf("audit subject = %q", alert.Subject)
	}
	if alert.Detail["attempts"] != 5 {
		t.Errorf("audit attempts = %v", alert.Detail["attempts"])
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "failed" {
		t.Errorf("outcomes = %v, want [failed]", rec.outcomes)
	}
}

func TestReplayPermanentRejectionFailsImmediately(t *testing.T) {
	st := newFakeOutboxStore(pendingRecord("ob-1"))
	rp := newReplayer(st, func(context.Context, *store.OutboxRecord) error {
		return &sberrors.AdmissionError{
			Code:     sberrors.CodeExecutionQuotaExceeded,
			Resource: "executions_per_month",
			Current:  500,
			Limit:    500,
		}
	}, nil)

	rp.ReplayOnce(context.Background())

	if _, ok := st.failed["ob-1"]; !ok {
		t.Fatal("expected quota-rejected record marked failed on first attempt")
	}
	if len(st.retries) != 0 {
		t.Errorf("expected no retries for permanent rejection, got %v", st.retries)
	}
	if len(st.audits) != 1 {
		t.Errorf("expected exhaustion alert, got %d audits", len(st.audits))
	}
}

func TestReplayHonorsRetryAfter(t *testing.T) {
	st := newFakeOutboxStore(pendingRecord("ob-1"))
	rp := newReplayer(st, func(context.Context, *store.OutboxRecord) error {
		return &sberrors.AdmissionError{
			Code:       sberrors.CodeConnectorConcurrencyExceeded,
			Resource:   "concurrent_executions",
			RetryAfter: 45 * time.Second,
		}
	}, nil)

	rp.ReplayOnce(context.Background())

	call, ok := st.retries["ob-1"]
	if !ok {
		t.Fatal("expected retry mark for retryable rejection")
	}
	if got := call.nextAttempt.Sub(rp.now()); got != 45*time.Second {
		t.Errorf("next attempt delay = %v, want 45s", got)
	}
}

func TestReplayQueueOutageBacksOff(t *testing.T) {
	st := newFakeOutboxStore(pendingRecord("ob-1"))
	rp := newReplayer(st, func(context.Context, *store.OutboxRecord) error {
		return &sberrors.AdmissionError{Code: sberrors.CodeQueueUnavailable}
	}, nil)

	rp.ReplayOnce(context.Background())

	call, ok := st.retries["ob-1"]
	if !ok {
		t.Fatal("expected retry mark for queue outage")
	}
	if got := call.nextAttempt.Sub(rp.now()); got != 2*time.Second {
		t.Errorf("next attempt delay = %v, want base backoff 2s", got)
	}
}

func TestReplaySkipsUndueRecords(t *testing.T) {
	due := pendingRecord("ob-due")
	future := pendingRecord("ob-future")
	future.NextAttemptAt = time.Unix(1700009999, 0).UTC()
	st := newFakeOutboxStore(due, future)

	var delivered []string
	rp := newReplayer(st, func(_ context.Context, r *store.OutboxRecord) error {
		delivered = append(delivered, r.ID)
		return nil
	}, nil)

	rp.ReplayOnce(context.Background())

	if len(delivered) != 1 || delivered[0] != "ob-due" {
		t.Fatalf("delivered = %v, want [ob-due]", delivered)
	}
	if future.Attempts != 0 {
		t.Errorf("undue record attempts = %d, want 0", future.Attempts)
	}
}

func TestReplayRunStopsOnCancel(t *testing.T) {
	st := newFakeOutboxStore()
	rp := newReplayer(st, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rp.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

type fakeRetentionStore struct {
	outboxCutoff  time.Time
	webhookCutoff time.Time
	outboxPurged  int64
	webhookPurged int64
}

func (f *fakeRetentionStore) PurgeOutbox(_ context.Context, before time.Time) (int64, error) {
	f.outboxCutoff = before
	return f.outboxPurged, nil
}

func (f *fakeRetentionStore) PurgeWebhookLogs(_ context.Context, before time.Time) (int64, error) {
	f.webhookCutoff = before
	return f.webhookPurged, nil
}

func TestSweeperAppliesCutoffs(t *testing.T) {
	st := &fakeRetentionStore{outboxPurged: 3, webhookPurged: 7}
	sw := NewSweeper(st, 168*time.Hour, 720*time.Hour, slog.New(slog.DiscardHandler))
	now := time.Unix(1700000000, 0).UTC()
	sw.now = func() time.Time { return now }

	sw.SweepOnce(context.Background())

	if want := now.Add(-168 * time.Hour); !st.outboxCutoff.Equal(want) {
		t.Errorf("outbox cutoff = %v, want %v", st.outboxCutoff, want)
	}
	if want := now.Add(-720 * time.Hour); !st.webhookCutoff.Equal(want) {
		t.Errorf("webhook cutoff = %v, want %v", st.webhookCutoff, want)
	}
}

func TestSweeperSkipsDisabledWindows(t *testing.T) {
	st := &fakeRetentionStore{}
	sw := NewSweeper(st, 0, 0, slog.New(slog.DiscardHandler))

	sw.SweepOnce(context.Background())

	if !st.outboxCutoff.IsZero() || !st.webhookCutoff.IsZero() {
		t.Error("expected no purges when retention disabled")
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := (&Options{}).withDefaults()
	want := Options{
		Interval:    30 * time.Second,
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
	if opts != want {
		t.Errorf("defaults = %+v, want %+v", opts, want)
	}
}

func TestReplayClaimFailureIsNonFatal(t *testing.T) {
	st := newFakeOutboxStore()
	st.claimErr = fmt.Errorf("database locked")
	rp := newReplayer(st, func(context.Context, *store.OutboxRecord) error {
		t.Fatal("dispatch must not run when claim fails")
		return nil
	}, nil)

	rp.ReplayOnce(context.Background())
}
