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

// Package outbox replays the trigger outbox into the execution queue.
//
// The outbox is the durable hand-off between ingestion (webhooks,
// polling, schedules) and the queue: producers append pending records,
// the replayer claims them under a row lease and dispatches each to
// queue admission. Replay is bounded; exhausted records move to failed
// and raise an operator alert.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

const (
	// claimBatch bounds how many records one scan dispatches.
	claimBatch = 50

	// claimLease is how long a claimed row is protected from other
	// replayers. Longer than any reasonable dispatch.
	claimLease = time.Minute
)

// Store is the persistence surface the replayer needs.
type Store interface {
	ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*store.OutboxRecord, error)
	MarkOutboxDispatched(ctx context.Context, id string, at time.Time) error
	MarkOutboxRetry(ctx context.Context, id string, nextAttempt time.Time, lastError string) error
	MarkOutboxFailed(ctx context.Context, id string, lastError string) error
	CountPendingOutbox(ctx context.Context) (int, error)
	AppendAudit(ctx context.Context, entry *store.AuditEntry) error
}

// Dispatch delivers one claimed record to the execution queue. A nil
// return marks the record dispatched.
type Dispatch func(ctx context.Context, rec *store.OutboxRecord) error

// Recorder receives replay telemetry.
type Recorder interface {
	RecordOutboxReplay(ctx context.Context, outcome string)
	SetOutboxBacklog(pending int)
}

// Options tune the replayer. Zero values take the documented defaults.
type Options struct {
	// Interval between scans for due records.
	Interval time.Duration

	// MaxAttempts before a record is marked failed.
	MaxAttempts int

	// BackoffBase is the delay after the first failed attempt; each
	// further attempt doubles it up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 2 * time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 5 * time.Minute
	}
	return out
}

// Replayer drives pending outbox records into the queue.
type Replayer struct {
	store    Store
	dispatch Dispatch
	opts     Options
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithRecorder wires replay telemetry.
func WithRecorder(rec Recorder) ReplayerOption {
	return func(r *Replayer) { r.recorder = rec }
}

// WithClock overrides the replayer clock.
func WithClock(now func() time.Time) ReplayerOption {
	return func(r *Replayer) { r.now = now }
}

// NewReplayer builds a replayer dispatching through fn.
func NewReplayer(st Store, fn Dispatch, opts Options, logger *slog.Logger, ropts ...ReplayerOption) *Replayer {
	r := &Replayer{
		store:    st,
		dispatch: fn,
		opts:     opts.withDefaults(),
		logger:   log.WithComponent(logger, "outbox"),
		now:      time.Now,
	}
	for _, opt := range ropts {
		opt(r)
	}
	return r
}

// Run scans for due records until the context is cancelled.
func (r *Replayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		r.ReplayOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReplayOnce claims one batch of due records and dispatches each.
func (r *Replayer) ReplayOnce(ctx context.Context) {
	now := r.now().UTC()
	records, err := r.store.ClaimOutbox(ctx, now, claimLease, claimBatch)
	if err != nil {
		r.logger.Error("claiming outbox records failed", log.Error(err))
		return
	}
	for _, rec := range records {
		r.dispatchOne(ctx, rec)
	}
	if r.recorder != nil {
		if pending, err := r.store.CountPendingOutbox(ctx); err == nil {
			r.recorder.SetOutboxBacklog(pending)
		}
	}
}

// dispatchOne delivers a claimed record and records the outcome. The
// claim already bumped rec.Attempts, so it counts this attempt.
func (r *Replayer) dispatchOne(ctx context.Context, rec *store.OutboxRecord) {
	logger := r.logger.With(
		slog.String("outbox_id", rec.ID),
		slog.String(log.OrgIDKey, rec.OrganizationID),
		slog.String(log.WorkflowIDKey, rec.WorkflowID),
		slog.Int("attempt", rec.Attempts),
	)

	err := r.dispatch(ctx, rec)
	if err == nil {
		if err := r.store.MarkOutboxDispatched(ctx, rec.ID, r.now().UTC()); err != nil {
			logger.Error("marking record dispatched failed", log.Error(err))
			return
		}
		logger.Debug("outbox record dispatched")
		r.record(ctx, "dispatched")
		return
	}

	// Permanent admission rejections (monthly caps, auth) cannot heal
	// within the replay horizon; burn the record now.
	var admission *sberrors.AdmissionError
	permanent := sberrors.As(err, &admission) && !admission.IsRetryable()

	if permanent || rec.Attempts >= r.opts.MaxAttempts {
		r.fail(ctx, rec, err, logger)
		return
	}

	next := r.now().UTC().Add(r.backoff(rec.Attempts))
	if admission != nil && admission.RetryAfter > 0 {
		next = r.now().UTC().Add(admission.RetryAfter)
	}
	if err := r.store.MarkOutboxRetry(ctx, rec.ID, next, err.Error()); err != nil {
		logger.Error("marking record for retry failed", log.Error(err))
		return
	}
	logger.Warn("outbox dispatch failed, will retry",
		slog.Time("next_attempt", next), log.Error(err))
	r.record(ctx, "retried")
}

func (r *Replayer) fail(ctx context.Context, rec *store.OutboxRecord, cause error, logger *slog.Logger) {
	if err := r.store.MarkOutboxFailed(ctx, rec.ID, cause.Error()); err != nil {
		logger.Error("marking record failed failed", log.Error(err))
		return
	}
	logger.Warn("outbox record exhausted, marked failed", log.Error(cause))
	r.record(ctx, "failed")

	// Operator alert: failed records mean trigger events are being
	// dropped for this organization.
	entry := &store.AuditEntry{
		OrganizationID: rec.OrganizationID,
		Actor:          "system:outbox",
		Action:         "outbox.replay_exhausted",
		Subject:        rec.ID,
		Detail: map[string]any{
			"workflowId": rec.WorkflowID,
			"triggerId":  rec.TriggerID,
			"attempts":   rec.Attempts,
			"lastError":  cause.Error(),
		},
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		logger.Error("appending exhaustion alert failed", log.Error(err))
	}
}

// backoff doubles from the base per attempt, capped. attempts is the
// 1-based count of tries already made.
func (r *Replayer) backoff(attempts int) time.Duration {
	d := r.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.opts.BackoffMax {
			return r.opts.BackoffMax
		}
	}
	if d > r.opts.BackoffMax {
		return r.opts.BackoffMax
	}
	return d
}

func (r *Replayer) record(ctx context.Context, outcome string) {
	if r.recorder != nil {
		r.recorder.RecordOutboxReplay(ctx, outcome)
	}
}
