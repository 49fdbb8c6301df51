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
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

// windowLength is the per-minute rate window.
const windowLength = time.Minute

// concurrencyRetryAfter hints how soon a concurrency-rejected enqueue
// is worth retrying.
const concurrencyRetryAfter = 10 * time.Second

// Store is the persistence surface admission needs.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	GetQuota(ctx context.Context, orgID string) (*store.OrganizationQuota, error)
	SaveQuota(ctx context.Context, quota *store.OrganizationQuota) error
	RollWindow(ctx context.Context, orgID string, windowStart time.Time) error
	IncrementConcurrent(ctx context.Context, orgID string, max int) (bool, error)
	DecrementConcurrent(ctx context.Context, orgID string) error
	CreateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error)
	UpdateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error
}

// UsageGate pre-checks per-user usage quotas (api calls, tokens)
// before a run is admitted. Implementations return an AdmissionError
// with code USAGE_QUOTA_EXCEEDED to reject.
type UsageGate interface {
	CheckRunQuota(ctx context.Context, orgID, userID string) error
}

// Recorder receives admission telemetry. The outcome is "accepted" or
// the rejection code.
type Recorder interface {
	RecordEnqueue(ctx context.Context, outcome string)
}

// Service admits execution requests into the queue.
type Service struct {
	store    Store
	driver   Driver
	gate     UsageGate
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	// allowNonDurable permits enqueueing through a non-durable driver.
	allowNonDurable bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithUsageGate wires the per-user usage quota check.
func WithUsageGate(gate UsageGate) ServiceOption {
	return func(s *Service) { s.gate = gate }
}

// WithRecorder wires admission telemetry.
func WithRecorder(rec Recorder) ServiceOption {
	return func(s *Service) { s.recorder = rec }
}

// WithNonDurable permits the in-memory driver. Executions admitted
// while it is active are labeled durability=in_memory.
func WithNonDurable(allow bool) ServiceOption {
	return func(s *Service) { s.allowNonDurable = allow }
}

// WithClock overrides the admission clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService builds the admission service over a queue driver.
func NewService(st Store, driver Driver, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:  st,
		driver: driver,
		logger: log.WithComponent(logger, "queue"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue admits a run request: quota checks, atomic counter updates,
// execution record creation, then publish. It returns the execution id
// or a typed AdmissionError.
func (s *Service) Enqueue(ctx context.Context, req *RunRequest) (string, error) {
	if req.OrganizationID == "" {
		s.record(ctx, string(sberrors.CodeOrganizationRequired))
		return "", &sberrors.AdmissionError{
			Code:    sberrors.CodeOrganizationRequired,
			Message: "organization id is required",
		}
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	now := s.now().UTC()
	logger := s.logger.With(
		slog.String(log.OrgIDKey, req.OrganizationID),
		slog.String(log.WorkflowIDKey, req.WorkflowID),
		slog.String("trigger_type", string(req.TriggerType)),
	)

	// Outbox replay is at-least-once: a record whose dispatch admitted
	// but never got marked dispatched comes back under a fresh claim.
	// The derived id makes that second delivery a no-op.
	var execID string
	if req.OutboxID != "" {
		execID = replayExecutionID(req)
		existing, err := s.store.GetExecution(ctx, execID)
		if err == nil {
			logger.Info("outbox record already admitted",
				slog.String(log.ExecutionIDKey, existing.ID))
			return existing.ID, nil
		}
		var nf *sberrors.NotFoundError
		if !sberrors.As(err, &nf) {
			return "", err
		}
	}

	org, err := s.store.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		var nf *sberrors.NotFoundError
		if sberrors.As(err, &nf) {
			return "", s.reject(ctx, logger, &sberrors.AdmissionError{
				Code:    sberrors.CodeOrganizationRequired,
				Message: "unknown organization",
			})
		}
		return "", err
	}
	if org.Status == store.OrgStatusSuspended {
		return "", s.reject(ctx, logger, &sberrors.AdmissionError{
			Code:    sberrors.CodeForbidden,
			Message: "organization is suspended",
		})
	}

	quota, err := s.loadQuota(ctx, org, now)
	if err != nil {
		return "", err
	}

	// Monthly run cap. A lapsed billing period never rejects: the meter
	// resets it on its own schedule.
	if limit := quota.Limits.MaxExecutionsPerMonth; limit > 0 && now.Before(quota.PeriodEnd) &&
		quota.Usage.ExecutionsThisMonth >= limit {
		return "", s.reject(ctx, logger, &sberrors.AdmissionError{
			Code:     sberrors.CodeExecutionQuotaExceeded,
			Resource: "executions_per_month",
			Current:  int64(quota.Usage.ExecutionsThisMonth),
			Limit:    int64(limit),
		})
	}

	if s.gate != nil {
		if err := s.gate.CheckRunQuota(ctx, req.OrganizationID, req.UserID); err != nil {
			var adm *sberrors.AdmissionError
			if sberrors.As(err, &adm) {
				return "", s.reject(ctx, logger, adm)
			}
			return "", err
		}
	}

	if !s.driver.Durable() && !s.allowNonDurable {
		return "", s.reject(ctx, logger, &sberrors.AdmissionError{
			Code:    sberrors.CodeQueueUnavailable,
			Message: "queue driver is non-durable",
		})
	}

	// Per-minute rate window. Over-limit requests are deferred into the
	// next window rather than rejected; the dispatcher enforces the
	// deferral cap.
	var notBefore time.Time
	window := now.Truncate(windowLength)
	if quota.WindowStart.Before(window) {
		if err := s.store.RollWindow(ctx, req.OrganizationID, window); err != nil {
			return "", err
		}
		quota.Usage.ExecutionsInCurrentWindow = 0
		quota.WindowStart = window
	}
	if limit := quota.Limits.MaxExecutionsPerMinute; limit > 0 &&
		quota.Usage.ExecutionsInCurrentWindow >= limit {
		notBefore = quota.WindowStart.Add(windowLength)
	}

	admitted, err := s.store.IncrementConcurrent(ctx, req.OrganizationID, quota.Limits.MaxConcurrentExecutions)
	if err != nil {
		return "", err
	}
	if !admitted {
		return "", s.reject(ctx, logger, &sberrors.AdmissionError{
			Code:       sberrors.CodeConnectorConcurrencyExceeded,
			Resource:   "concurrent_executions",
			Current:    int64(quota.Usage.ConcurrentExecutions),
			Limit:      int64(quota.Limits.MaxConcurrentExecutions),
			RetryAfter: concurrencyRetryAfter,
		})
	}

	if execID == "" {
		// ULIDs sort by creation time, which keeps execution listings in
		// arrival order without a secondary sort key.
		execID = ulid.Make().String()
	}
	rec := &workflow.ExecutionRecord{
		ID:             execID,
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TriggerType:    req.TriggerType,
		Status:         workflow.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !s.driver.Durable() {
		rec.Durability = workflow.DurabilityInMemory
	}
	if err := s.store.CreateExecution(ctx, rec); err != nil {
		s.release(ctx, req.OrganizationID)
		return "", err
	}

	encoded, err := req.Encode()
	if err != nil {
		s.release(ctx, req.OrganizationID)
		return "", err
	}
	job := &Job{
		ExecutionID:    rec.ID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Weight:         planWeight(org.Plan),
		NotBefore:      notBefore,
		EnqueuedAt:     now,
		Request:        encoded,
	}
	if !notBefore.IsZero() {
		job.Deferrals = 1
	}
	if err := s.driver.Publish(ctx, job); err != nil {
		s.release(ctx, req.OrganizationID)
		rec.MarkTerminal(workflow.StatusFailed, "queue publish failed: "+err.Error(), s.now().UTC())
		if uerr := s.store.UpdateExecution(ctx, rec); uerr != nil {
			logger.Error("finalizing unpublishable execution failed", log.Error(uerr))
		}
		logger.Error("publishing execution failed", log.Error(err))
		return "", s.reject(ctx, logger, &sberrors.AdmissionError{
			Code:       sberrors.CodeQueueUnavailable,
			Message:    "queue publish failed",
			RetryAfter: 30 * time.Second,
		})
	}

	if !notBefore.IsZero() {
		logger.Info("execution deferred to next rate window",
			slog.String(log.ExecutionIDKey, rec.ID),
			slog.Time("not_before", notBefore))
		s.record(ctx, "deferred")
	} else {
		logger.Info("execution enqueued", slog.String(log.ExecutionIDKey, rec.ID))
		s.record(ctx, "accepted")
	}
	return rec.ID, nil
}

// Health reports the queue snapshot surfaced by the health endpoint.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Mode:    driverMode(s.driver),
		Durable: s.driver.Durable(),
		Healthy: true,
	}
	if err := s.driver.Ping(ctx); err != nil {
		h.Healthy = false
		h.Error = err.Error()
		return h
	}
	if ready, err := s.driver.Ready(ctx); err == nil {
		h.Ready = ready
	}
	return h
}

// loadQuota fetches the organization quota, provisioning plan defaults
// for organizations that have none yet.
func (s *Service) loadQuota(ctx context.Context, org *store.Organization, now time.Time) (*store.OrganizationQuota, error) {
	quota, err := s.store.GetQuota(ctx, org.ID)
	if err == nil {
		return quota, nil
	}
	var nf *sberrors.NotFoundError
	if !sberrors.As(err, &nf) {
		return nil, err
	}
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	quota = &store.OrganizationQuota{
		OrganizationID: org.ID,
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
		Limits:         store.DefaultLimits(org.Plan),
		WindowStart:    now.Truncate(windowLength),
		UpdatedAt:      now,
	}
	if err := s.store.SaveQuota(ctx, quota); err != nil {
		return nil, err
	}
	return quota, nil
}

// release undoes the concurrency slot taken for a request that never
// reached the queue.
func (s *Service) release(ctx context.Context, orgID string) {
	if err := s.store.DecrementConcurrent(ctx, orgID); err != nil {
		s.logger.Error("releasing concurrency slot failed",
			slog.String(log.OrgIDKey, orgID), log.Error(err))
	}
}

func (s *Service) reject(ctx context.Context, logger *slog.Logger, adm *sberrors.AdmissionError) error {
	logger.Warn("enqueue rejected",
		slog.String("code", string(adm.Code)),
		slog.String("resource", adm.Resource))
	s.record(ctx, string(adm.Code))
	return adm
}

func (s *Service) record(ctx context.Context, outcome string) {
	if s.recorder != nil {
		s.recorder.RecordEnqueue(ctx, outcome)
	}
}

// replayExecutionID derives a stable execution id from the outbox
// record: every delivery attempt of one record maps to the same ULID.
// The event timestamp keeps the id time-ordered alongside minted ones;
// entropy comes from the record id so two records never collide.
func replayExecutionID(req *RunRequest) string {
	sum := sha256.Sum256([]byte(req.OutboxID))
	ms := binary.BigEndian.Uint64(sum[0:8]) & ulid.MaxTime()
	if t, err := time.Parse(time.RFC3339, req.TriggerData.Timestamp); err == nil {
		ms = ulid.Timestamp(t.UTC())
	}
	var id ulid.ULID
	_ = id.SetTime(ms)
	_ = id.SetEntropy(sum[16:26])
	return id.String()
}

// planWeight maps a plan tier to its fairness weight. Higher tiers get
// proportionally more claims under contention.
func planWeight(plan string) int {
	rank, ok := store.PlanRank(plan)
	if !ok {
		return 1
	}
	return rank + 1
}

func driverMode(d Driver) string {
	if d.Durable() {
		return "redis"
	}
	return "memory"
}
