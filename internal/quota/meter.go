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

// Package quota meters per-tenant usage and enforces usage quotas at
// admission. It owns the monthly billing-period rollover and feeds
// metering events to the billing adapter.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// cacheTTL bounds staleness of cached usage reads. Writes invalidate
// eagerly, so the TTL only covers reads racing writes on other nodes.
const cacheTTL = 5 * time.Minute

// overageTolerance is how far past a metering limit an organization may
// run before admission starts rejecting. Metering keeps counting either
// way; the tolerance only softens the cutoff.
const overageTolerance = 1.1

// Cost constants for the estimated-cost column, in hundredths of a
// cent per unit.
const (
	apiCallCostHundredths = 1  // 0.01¢ per call
	tokenCostHundredths   = 20 // 0.2¢ per thousand tokens
)

// Metering resources.
const (
	ResourceAPICalls     = "api_calls"
	ResourceTokens       = "tokens"
	ResourceWorkflowRuns = "workflow_runs"
	ResourceStorage      = "storage"
)

// Event types.
const (
	EventMetering = "metering"
	EventOverage  = "overage"
)

// Store is the persistence surface the meter needs.
type Store interface {
	AddUsage(ctx context.Context, delta store.UsageDelta) (*store.UsageTracking, error)
	GetUsage(ctx context.Context, orgID, userID string, year int, month time.Month) (*store.UsageTracking, error)
	ListUsage(ctx context.Context, filter store.UsageFilter) ([]*store.UsageTracking, error)
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	ListOrganizations(ctx context.Context, filter store.OrganizationFilter) ([]*store.Organization, error)
	GetQuota(ctx context.Context, orgID string) (*store.OrganizationQuota, error)
	ResetPeriod(ctx context.Context, orgID string, periodStart, periodEnd time.Time) error
}

// Event is one metering or overage notification handed to the billing
// adapter.
type Event struct {
	Type           string    `json:"type"`
	OrganizationID string    `json:"organizationId"`
	UserID         string    `json:"userId,omitempty"`
	Resource       string    `json:"resource"`
	Quantity       int64     `json:"quantity"`
	Current        int64     `json:"current,omitempty"`
	Limit          int64     `json:"limit,omitempty"`
	CostCents      int64     `json:"costCents,omitempty"`
	At             time.Time `json:"at"`
}

// Emitter receives metering events. Implementations must not block;
// the meter calls Emit on the request path.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Meter records usage, answers quota checks and rolls billing periods.
type Meter struct {
	store   Store
	emitter Emitter
	logger  *slog.Logger
	cache   *expirable.LRU[string, *store.UsageTracking]
	now     func() time.Time

	// defaultRegion is the residency region assumed for organizations
	// that do not declare one.
	defaultRegion string
}

// Option configures a Meter.
type Option func(*Meter)

// WithEmitter wires the billing adapter.
func WithEmitter(e Emitter) Option {
	return func(m *Meter) { m.emitter = e }
}

// WithClock overrides the metering clock.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) { m.now = now }
}

// WithDefaultRegion sets the fallback residency region.
func WithDefaultRegion(region string) Option {
	return func(m *Meter) { m.defaultRegion = region }
}

// NewMeter builds the usage meter.
func NewMeter(st Store, logger *slog.Logger, opts ...Option) *Meter {
	m := &Meter{
		store:         st,
		logger:        log.WithComponent(logger, "quota"),
		cache:         expirable.NewLRU[string, *store.UsageTracking](4096, nil, cacheTTL),
		now:           time.Now,
		defaultRegion: "us",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordAPIUsage applies an api-call and token delta to the caller's
// monthly row in one store transaction, then emits metering events per
// resource and an overage event for any limit the delta crossed.
func (m *Meter) RecordAPIUsage(ctx context.Context, orgID, userID string, apiCalls, tokens int64) (*store.UsageTracking, error) {
	if apiCalls < 0 || tokens < 0 {
		return nil, &sberrors.ValidationError{Field: "usage", Message: "usage deltas must be non-negative"}
	}
	year, month, now := m.period(ctx, orgID)
	cost := (apiCalls*apiCallCostHundredths + tokens/1000*tokenCostHundredths) / 100

	row, err := m.store.AddUsage(ctx, store.UsageDelta{
		OrganizationID: orgID,
		UserID:         userID,
		Year:           year,
		Month:          int(month),
		APICalls:       apiCalls,
		TokensUsed:     tokens,
		CostCents:      cost,
	})
	if err != nil {
		return nil, err
	}
	m.cache.Remove(usageKey(orgID, userID, year, month))

	limits := m.limitsFor(ctx, orgID)
	if apiCalls > 0 {
		m.emit(ctx, orgID, userID, ResourceAPICalls, apiCalls, row.APICalls, limits.APICalls, cost, now)
	}
	if tokens > 0 {
		m.emit(ctx, orgID, userID, ResourceTokens, tokens, row.TokensUsed, limits.Tokens, 0, now)
	}
	return row, nil
}

// RecordWorkflowRun counts one workflow execution against the monthly
// row. The dispatcher calls this as each execution finalizes.
func (m *Meter) RecordWorkflowRun(ctx context.Context, orgID, userID string) {
	year, month, now := m.period(ctx, orgID)
	row, err := m.store.AddUsage(ctx, store.UsageDelta{
		OrganizationID: orgID,
		UserID:         userID,
		Year:           year,
		Month:          int(month),
		WorkflowRuns:   1,
	})
	if err != nil {
		m.logger.Error("recording workflow run failed",
			slog.String(log.OrgIDKey, orgID), log.Error(err))
		return
	}
	m.cache.Remove(usageKey(orgID, userID, year, month))
	limits := m.limitsFor(ctx, orgID)
	m.emit(ctx, orgID, userID, ResourceWorkflowRuns, 1, row.WorkflowRuns, limits.WorkflowRuns, 0, now)
}

// RecordStorage applies a storage delta in bytes. Negative deltas
// release storage.
func (m *Meter) RecordStorage(ctx context.Context, orgID, userID string, bytes int64) error {
	year, month, now := m.period(ctx, orgID)
	row, err := m.store.AddUsage(ctx, store.UsageDelta{
		OrganizationID: orgID,
		UserID:         userID,
		Year:           year,
		Month:          int(month),
		StorageUsed:    bytes,
	})
	if err != nil {
		return err
	}
	m.cache.Remove(usageKey(orgID, userID, year, month))
	if bytes > 0 {
		limits := m.limitsFor(ctx, orgID)
		m.emit(ctx, orgID, userID, ResourceStorage, bytes, row.StorageUsed, limits.StorageBytes, 0, now)
	}
	return nil
}

// Check asks whether the caller has quota for the requested amounts.
// Zero fields are not checked.
type Check struct {
	APICalls     int64 `json:"apiCalls,omitempty"`
	Tokens       int64 `json:"tokens,omitempty"`
	WorkflowRuns int64 `json:"workflowRuns,omitempty"`
	StorageBytes int64 `json:"storage,omitempty"`
}

// CheckResult is the outcome of a quota check. Remaining is the
// minimum headroom across the checked resources when HasQuota is true;
// when false, QuotaType names the exhausted resource.
type CheckResult struct {
	HasQuota  bool      `json:"hasQuota"`
	QuotaType string    `json:"quotaType,omitempty"`
	Current   int64     `json:"current"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetDate time.Time `json:"resetDate"`
}

// CheckQuota evaluates the requested amounts against the organization's
// metering limits and the caller's current monthly row.
func (m *Meter) CheckQuota(ctx context.Context, orgID, userID string, req Check) (*CheckResult, error) {
	usage, err := m.GetUserUsage(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	limits := m.limitsFor(ctx, orgID)
	_, reset := m.periodBounds(ctx, orgID)

	type resource struct {
		name      string
		requested int64
		current   int64
		limit     int64
	}
	resources := []resource{
		{ResourceAPICalls, req.APICalls, usage.APICalls, limits.APICalls},
		{ResourceTokens, req.Tokens, usage.TokensUsed, limits.Tokens},
		{ResourceWorkflowRuns, req.WorkflowRuns, usage.WorkflowRuns, limits.WorkflowRuns},
		{ResourceStorage, req.StorageBytes, usage.StorageUsed, limits.StorageBytes},
	}

	result := &CheckResult{HasQuota: true, Remaining: -1, ResetDate: reset}
	for _, r := range resources {
		if r.requested <= 0 || r.limit <= 0 {
			continue
		}
		if r.current+r.requested > r.limit {
			return &CheckResult{
				QuotaType: r.name,
				Current:   r.current,
				Limit:     r.limit,
				ResetDate: reset,
			}, nil
		}
		if headroom := r.limit - r.current; result.Remaining < 0 || headroom < result.Remaining {
			result.Remaining = headroom
			result.Current = r.current
			result.Limit = r.limit
		}
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// CheckRunQuota is the admission gate: it rejects new runs once the
// caller's api-call or token consumption runs past the overage
// tolerance. The queue consults it before taking a concurrency slot.
func (m *Meter) CheckRunQuota(ctx context.Context, orgID, userID string) error {
	usage, err := m.GetUserUsage(ctx, orgID, userID)
	if err != nil {
		return err
	}
	limits := m.limitsFor(ctx, orgID)
	for _, r := range []struct {
		name    string
		current int64
		limit   int64
	}{
		{ResourceAPICalls, usage.APICalls, limits.APICalls},
		{ResourceTokens, usage.TokensUsed, limits.Tokens},
	} {
		if r.limit <= 0 {
			continue
		}
		if float64(r.current) > float64(r.limit)*overageTolerance {
			return &sberrors.AdmissionError{
				Code:     sberrors.CodeUsageQuotaExceeded,
				Resource: r.name,
				Current:  r.current,
				Limit:    r.limit,
			}
		}
	}
	return nil
}

// GetUserUsage returns the caller's current-month usage row through the
// short-lived cache.
func (m *Meter) GetUserUsage(ctx context.Context, orgID, userID string) (*store.UsageTracking, error) {
	year, month, _ := m.period(ctx, orgID)
	key := usageKey(orgID, userID, year, month)
	if row, ok := m.cache.Get(key); ok {
		return row, nil
	}
	row, err := m.store.GetUsage(ctx, orgID, userID, year, month)
	if err != nil {
		return nil, err
	}
	m.cache.Add(key, row)
	return row, nil
}

// Alert flags a tenant approaching or past a metering limit.
type Alert struct {
	OrganizationID string  `json:"organizationId"`
	Plan           string  `json:"plan"`
	Resource       string  `json:"resource"`
	Current        int64   `json:"current"`
	Limit          int64   `json:"limit"`
	Percent        float64 `json:"percent"`
}

// ListUsageAlerts scans current-month usage across organizations and
// returns every resource at or above thresholdPercent of its limit.
// Zero defaults to 80.
func (m *Meter) ListUsageAlerts(ctx context.Context, thresholdPercent int) ([]Alert, error) {
	if thresholdPercent <= 0 {
		thresholdPercent = 80
	}
	orgs, err := m.store.ListOrganizations(ctx, store.OrganizationFilter{})
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, org := range orgs {
		year, month, _ := m.period(ctx, org.ID)
		rows, err := m.store.ListUsage(ctx, store.UsageFilter{
			OrganizationID: org.ID,
			Start:          time.Date(year, month, 1, 0, 0, 0, 0, time.UTC),
			End:            time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0),
		})
		if err != nil {
			return nil, err
		}

		var total UsageLimits
		for _, row := range rows {
			total.APICalls += row.APICalls
			total.Tokens += row.TokensUsed
			total.WorkflowRuns += row.WorkflowRuns
			total.StorageBytes += row.StorageUsed
		}
		limits := LimitsFor(org.Plan)
		for _, r := range []struct {
			name    string
			current int64
			limit   int64
		}{
			{ResourceAPICalls, total.APICalls, limits.APICalls},
			{ResourceTokens, total.Tokens, limits.Tokens},
			{ResourceWorkflowRuns, total.WorkflowRuns, limits.WorkflowRuns},
			{ResourceStorage, total.StorageBytes, limits.StorageBytes},
		} {
			if r.limit <= 0 {
				continue
			}
			percent := float64(r.current) / float64(r.limit) * 100
			if percent >= float64(thresholdPercent) {
				alerts = append(alerts, Alert{
					OrganizationID: org.ID,
					Plan:           org.Plan,
					Resource:       r.name,
					Current:        r.current,
					Limit:          r.limit,
					Percent:        percent,
				})
			}
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Percent != alerts[j].Percent {
			return alerts[i].Percent > alerts[j].Percent
		}
		return alerts[i].OrganizationID < alerts[j].OrganizationID
	})
	return alerts, nil
}

// ResetLapsedPeriods rolls the billing period forward for every
// organization whose quota period has ended, computing the new window
// in the organization's residency region. Returns how many rolled.
func (m *Meter) ResetLapsedPeriods(ctx context.Context) (int, error) {
	orgs, err := m.store.ListOrganizations(ctx, store.OrganizationFilter{})
	if err != nil {
		return 0, err
	}
	now := m.now().UTC()
	reset := 0
	for _, org := range orgs {
		quota, err := m.store.GetQuota(ctx, org.ID)
		if err != nil {
			var nf *sberrors.NotFoundError
			if sberrors.As(err, &nf) {
				continue
			}
			return reset, err
		}
		if now.Before(quota.PeriodEnd) {
			continue
		}
		start, end := monthWindow(now, m.regionOf(org))
		if err := m.store.ResetPeriod(ctx, org.ID, start, end); err != nil {
			return reset, err
		}
		m.logger.Info("billing period rolled",
			slog.String(log.OrgIDKey, org.ID),
			slog.Time("period_start", start),
			slog.Time("period_end", end))
		reset++
	}
	return reset, nil
}

// Run ticks ResetLapsedPeriods until the context is cancelled. The
// rollover is idempotent, so a coarse interval is fine.
func (m *Meter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.ResetLapsedPeriods(ctx); err != nil {
				m.logger.Error("billing period rollover failed", log.Error(err))
			}
		}
	}
}

// period returns the caller's current billing year/month in the
// organization's region, plus the metering timestamp.
func (m *Meter) period(ctx context.Context, orgID string) (int, time.Month, time.Time) {
	now := m.now().UTC()
	start, _ := monthWindow(now, m.regionFor(ctx, orgID))
	return start.Year(), start.Month(), now
}

// periodBounds returns the current billing window for an organization.
func (m *Meter) periodBounds(ctx context.Context, orgID string) (time.Time, time.Time) {
	return monthWindow(m.now().UTC(), m.regionFor(ctx, orgID))
}

func (m *Meter) regionFor(ctx context.Context, orgID string) string {
	org, err := m.store.GetOrganization(ctx, orgID)
	if err != nil {
		return m.defaultRegion
	}
	return m.regionOf(org)
}

func (m *Meter) regionOf(org *store.Organization) string {
	if org.Region != "" {
		return org.Region
	}
	return m.defaultRegion
}

func (m *Meter) limitsFor(ctx context.Context, orgID string) UsageLimits {
	org, err := m.store.GetOrganization(ctx, orgID)
	if err != nil {
		return LimitsFor("")
	}
	return LimitsFor(org.Plan)
}

// emit sends one metering event, plus an overage event when this delta
// crossed the limit.
func (m *Meter) emit(ctx context.Context, orgID, userID, resource string, quantity, current, limit, cost int64, at time.Time) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(ctx, Event{
		Type:           EventMetering,
		OrganizationID: orgID,
		UserID:         userID,
		Resource:       resource,
		Quantity:       quantity,
		Current:        current,
		Limit:          limit,
		CostCents:      cost,
		At:             at,
	})
	if limit > 0 && current >= limit && current-quantity < limit {
		m.emitter.Emit(ctx, Event{
			Type:           EventOverage,
			OrganizationID: orgID,
			UserID:         userID,
			Resource:       resource,
			Current:        current,
			Limit:          limit,
			At:             at,
		})
		m.logger.Warn("usage limit crossed",
			slog.String(log.OrgIDKey, orgID),
			slog.String("resource", resource),
			slog.Int64("current", current),
			slog.Int64("limit", limit))
	}
}

func usageKey(orgID, userID string, year int, month time.Month) string {
	return fmt.Sprintf("%s/%s/%d-%02d", orgID, userID, year, int(month))
}
