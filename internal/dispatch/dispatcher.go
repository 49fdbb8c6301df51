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

// Package dispatch pulls admitted jobs off the execution queue and
// drives them through the workflow runtime. Each worker claims one job
// at a time; an execution lease guarantees at most one dispatcher runs
// a given execution even when the queue redelivers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

// rateWindow matches the admission rate window.
const rateWindow = time.Minute

// finalizeTimeout bounds the terminal bookkeeping writes.
const finalizeTimeout = 10 * time.Second

// Store is the persistence surface the dispatcher needs.
type Store interface {
	GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error)
	UpdateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	GetQuota(ctx context.Context, orgID string) (*store.OrganizationQuota, error)
	DecrementConcurrent(ctx context.Context, orgID string) error
	AcquireExecutionLease(ctx context.Context, executionID, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseExecutionLease(ctx context.Context, executionID, owner string) error
}

// Runner executes one admitted workflow run. Implementations mutate the
// record as nodes complete and mark it terminal on their way out; a
// returned error means the run could not be driven at all.
type Runner interface {
	Run(ctx context.Context, rec *workflow.ExecutionRecord, wf *store.Workflow, req *queue.RunRequest) error
}

// Meter receives a metering event for every finished run.
type Meter interface {
	RecordWorkflowRun(ctx context.Context, orgID, userID string)
}

// Recorder receives dispatch telemetry. Outcome is the terminal
// execution status, or "deferred"/"rejected" for rate-window deferrals.
type Recorder interface {
	RecordExecution(ctx context.Context, outcome string, duration time.Duration)
}

// Options configures the dispatcher.
type Options struct {
	// Workers is the number of concurrent claim loops.
	Workers int
	// LeaseDuration is how long an execution lease is held before other
	// dispatchers may steal it.
	LeaseDuration time.Duration
	// DrainTimeout is how long in-flight executions get to finish after
	// shutdown begins.
	DrainTimeout time.Duration
	// DeferralCap is how many times a job may be pushed into a later
	// rate window before it is rejected.
	DeferralCap int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.DeferralCap <= 0 {
		o.DeferralCap = 3
	}
	return o
}

// Dispatcher runs the worker pool.
type Dispatcher struct {
	store    Store
	driver   queue.Driver
	runner   Runner
	meter    Meter
	recorder Recorder
	opts     Options
	owner    string
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMeter wires run metering.
func WithMeter(m Meter) Option {
	return func(d *Dispatcher) { d.meter = m }
}

// WithRecorder wires dispatch telemetry.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithClock overrides the dispatcher clock.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New builds a dispatcher over a queue driver and runtime.
func New(st Store, driver queue.Driver, runner Runner, opts Options, logger *slog.Logger, dopts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		driver: driver,
		runner: runner,
		opts:   opts.withDefaults(),
		owner:  dispatchOwner(),
		logger: log.WithComponent(logger, "dispatch"),
		now:    time.Now,
	}
	for _, opt := range dopts {
		opt(d)
	}
	return d
}

func dispatchOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "dispatcher"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Run claims and executes jobs until ctx is cancelled, then drains:
// workers stop claiming immediately while in-flight executions get
// DrainTimeout to finish before being cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	finished := make(chan struct{})
	go func() {
		select {
		case <-finished:
		case <-ctx.Done():
			timer := time.NewTimer(d.opts.DrainTimeout)
			defer timer.Stop()
			select {
			case <-finished:
			case <-timer.C:
				d.logger.Warn("drain timeout exceeded, cancelling in-flight executions",
					slog.Duration("drain_timeout", d.opts.DrainTimeout))
				cancelRuns()
			}
		}
	}()

	g := new(errgroup.Group)
	for i := range d.opts.Workers {
		consumer := fmt.Sprintf("%s-%d", d.owner, i)
		g.Go(func() error {
			d.worker(ctx, runCtx, consumer)
			return nil
		})
	}
	err := g.Wait()
	close(finished)
	return err
}

func (d *Dispatcher) worker(claimCtx, runCtx context.Context, consumer string) {
	for {
		select {
		case <-claimCtx.Done():
			return
		default:
		}
		delivery, err := d.driver.Claim(claimCtx, consumer)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			d.logger.Warn("queue claim failed", log.Error(err))
			d.pause(claimCtx, time.Second)
			continue
		}
		if delivery == nil {
			continue
		}
		d.Handle(runCtx, delivery)
	}
}

// Handle drives one claimed delivery to its conclusion: deferral
// bookkeeping, lease, runtime invocation, finalization.
func (d *Dispatcher) Handle(ctx context.Context, delivery *queue.Delivery) {
	job := delivery.Job
	now := d.now().UTC()
	logger := d.logger.With(
		slog.String(log.ExecutionIDKey, job.ExecutionID),
		slog.String(log.OrgIDKey, job.OrganizationID),
	)

	// Claimed before its earliest dispatch time: push it back unchanged
	// and pace so a lone deferred job does not spin the worker.
	if !job.NotBefore.IsZero() && now.Before(job.NotBefore) {
		if err := d.driver.Requeue(ctx, delivery, job.NotBefore, job.Deferrals); err != nil {
			logger.Error("requeueing undue job failed", log.Error(err))
			return
		}
		wait := job.NotBefore.Sub(now)
		if wait > time.Second {
			wait = time.Second
		}
		d.pause(ctx, wait)
		return
	}

	// A deferred job coming due re-checks the rate window. Still
	// saturated means another deferral, until the cap.
	if job.Deferrals > 0 {
		switch d.windowState(ctx, job.OrganizationID, now) {
		case windowSaturated:
			if job.Deferrals >= d.opts.DeferralCap {
				d.rejectDeferred(ctx, delivery, logger)
				return
			}
			next := now.Truncate(rateWindow).Add(rateWindow)
			if err := d.driver.Requeue(ctx, delivery, next, job.Deferrals+1); err != nil {
				logger.Error("deferring job failed", log.Error(err))
				return
			}
			logger.Info("execution deferred again",
				slog.Int("deferrals", job.Deferrals+1),
				slog.Time("not_before", next))
			d.record(ctx, "deferred", 0)
			return
		case windowClear:
		}
	}

	acquired, err := d.store.AcquireExecutionLease(ctx, job.ExecutionID, d.owner, now, d.opts.LeaseDuration)
	if err != nil {
		logger.Error("acquiring execution lease failed", log.Error(err))
		return
	}
	if !acquired {
		// Another dispatcher is running it. Leave the delivery unacked:
		// if the holder crashes, redelivery picks it up after the
		// visibility timeout.
		logger.Debug("execution leased elsewhere, skipping")
		return
	}

	rec, err := d.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		var nf *sberrors.NotFoundError
		if sberrors.As(err, &nf) {
			logger.Warn("claimed job has no execution record, dropping")
			d.ack(ctx, delivery, logger)
		} else {
			logger.Error("loading execution failed", log.Error(err))
		}
		d.releaseLease(ctx, job.ExecutionID, logger)
		return
	}
	if rec.Status.IsTerminal() {
		logger.Debug("execution already terminal, dropping duplicate delivery",
			slog.String("status", string(rec.Status)))
		d.ack(ctx, delivery, logger)
		d.releaseLease(ctx, job.ExecutionID, logger)
		return
	}

	req, err := queue.DecodeRunRequest(job.Request)
	if err != nil {
		d.finalize(ctx, rec, delivery, fmt.Errorf("undecodable run request: %w", err), logger)
		return
	}
	wf, err := d.store.GetWorkflow(ctx, rec.WorkflowID)
	if err != nil {
		d.finalize(ctx, rec, delivery, sberrors.Wrap(err, "loading workflow"), logger)
		return
	}
	if wf.OrganizationID != rec.OrganizationID {
		d.finalize(ctx, rec, delivery, fmt.Errorf("workflow %s does not belong to organization %s", wf.ID, rec.OrganizationID), logger)
		return
	}

	rec.MarkRunning(now)
	if err := d.store.UpdateExecution(ctx, rec); err != nil {
		logger.Error("marking execution running failed", log.Error(err))
		d.releaseLease(ctx, job.ExecutionID, logger)
		return
	}
	logger.Info("execution started",
		slog.String(log.WorkflowIDKey, rec.WorkflowID),
		slog.String("trigger_type", string(rec.TriggerType)))

	runErr := d.runner.Run(ctx, rec, wf, req)
	d.finalize(ctx, rec, delivery, runErr, logger)
}

// finalize stamps the terminal status, persists the record, returns the
// concurrency slot, emits metering and telemetry, and acks. It runs on
// a detached context so shutdown cannot orphan the bookkeeping.
func (d *Dispatcher) finalize(ctx context.Context, rec *workflow.ExecutionRecord, delivery *queue.Delivery, runErr error, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	now := d.now().UTC()

	if !rec.Status.IsTerminal() {
		switch {
		case runErr == nil:
			rec.MarkTerminal(workflow.StatusSucceeded, "", now)
		case sberrors.Is(runErr, context.Canceled):
			rec.MarkTerminal(workflow.StatusCancelled, "cancelled during shutdown", now)
		default:
			rec.MarkTerminal(workflow.StatusFailed, runErr.Error(), now)
		}
	}
	if err := d.store.UpdateExecution(fctx, rec); err != nil {
		logger.Error("finalizing execution failed", log.Error(err))
	}
	if err := d.store.DecrementConcurrent(fctx, rec.OrganizationID); err != nil {
		logger.Error("releasing concurrency slot failed", log.Error(err))
	}
	if d.meter != nil {
		d.meter.RecordWorkflowRun(fctx, rec.OrganizationID, rec.UserID)
	}

	duration := time.Duration(0)
	if rec.StartedAt != nil && rec.FinishedAt != nil {
		duration = rec.FinishedAt.Sub(*rec.StartedAt)
	}
	d.record(fctx, string(rec.Status), duration)

	d.releaseLease(fctx, rec.ID, logger)
	d.ack(fctx, delivery, logger)

	level := slog.LevelInfo
	if rec.Status == workflow.StatusFailed {
		level = slog.LevelWarn
	}
	logger.Log(fctx, level, "execution finished",
		slog.String("status", string(rec.Status)),
		slog.Int64(log.DurationKey, duration.Milliseconds()))
}

// rejectDeferred fails a job that exhausted its deferral budget.
func (d *Dispatcher) rejectDeferred(ctx context.Context, delivery *queue.Delivery, logger *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	job := delivery.Job
	adm := &sberrors.AdmissionError{
		Code:     sberrors.CodeExecutionQuotaExceeded,
		Resource: "executions_per_minute",
		Message:  fmt.Sprintf("rejected after %d rate-window deferrals", job.Deferrals),
	}

	rec, err := d.store.GetExecution(fctx, job.ExecutionID)
	if err == nil {
		rec.MarkTerminal(workflow.StatusFailed, adm.Error(), d.now().UTC())
		if uerr := d.store.UpdateExecution(fctx, rec); uerr != nil {
			logger.Error("finalizing rejected execution failed", log.Error(uerr))
		}
	} else {
		logger.Error("loading rejected execution failed", log.Error(err))
	}
	if err := d.store.DecrementConcurrent(fctx, job.OrganizationID); err != nil {
		logger.Error("releasing concurrency slot failed", log.Error(err))
	}
	d.ack(fctx, delivery, logger)
	logger.Warn("execution rejected, deferral cap exhausted",
		slog.Int("deferrals", job.Deferrals))
	d.record(fctx, "rejected", 0)
}

type windowVerdict int

const (
	windowClear windowVerdict = iota
	windowSaturated
)

// windowState reports whether the organization's current rate window
// has room. Missing quota documents never block dispatch.
func (d *Dispatcher) windowState(ctx context.Context, orgID string, now time.Time) windowVerdict {
	quota, err := d.store.GetQuota(ctx, orgID)
	if err != nil {
		return windowClear
	}
	limit := quota.Limits.MaxExecutionsPerMinute
	if limit <= 0 {
		return windowClear
	}
	if quota.WindowStart.Equal(now.Truncate(rateWindow)) && quota.Usage.ExecutionsInCurrentWindow >= limit {
		return windowSaturated
	}
	return windowClear
}

func (d *Dispatcher) ack(ctx context.Context, delivery *queue.Delivery, logger *slog.Logger) {
	if err := d.driver.Ack(ctx, delivery); err != nil {
		logger.Error("acking delivery failed", log.Error(err))
	}
}

func (d *Dispatcher) releaseLease(ctx context.Context, executionID string, logger *slog.Logger) {
	if err := d.store.ReleaseExecutionLease(ctx, executionID, d.owner); err != nil {
		logger.Error("releasing execution lease failed", log.Error(err))
	}
}

func (d *Dispatcher) record(ctx context.Context, outcome string, duration time.Duration) {
	if d.recorder != nil {
		d.recorder.RecordExecution(ctx, outcome, duration)
	}
}

func (d *Dispatcher) pause(ctx context.Context, wait time.Duration) {
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
