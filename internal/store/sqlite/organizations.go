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
	"database/sql"
	"errors"
	"time"

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

type orgRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Plan         string         `db:"plan"`
	Region       string         `db:"region"`
	Status       string         `db:"status"`
	FeatureFlags sql.NullString `db:"feature_flags"`
	Security     sql.NullString `db:"security"`
	Compliance   sql.NullString `db:"compliance"`
	CreatedAt    string         `db:"created_at"`
	UpdatedAt    string         `db:"updated_at"`
}

func (r *orgRow) toOrganization() (*store.Organization, error) {
	org := &store.Organization{
		ID:        r.ID,
		Name:      r.Name,
		Plan:      r.Plan,
		Region:    r.Region,
		Status:    r.Status,
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
	if err := unmarshalJSON(r.FeatureFlags, &org.FeatureFlags); err != nil {
		return nil, sberrors.Wrap(err, "decoding feature flags")
	}
	if err := unmarshalJSON(r.Security, &org.Security); err != nil {
		return nil, sberrors.Wrap(err, "decoding security settings")
	}
	if err := unmarshalJSON(r.Compliance, &org.Compliance); err != nil {
		return nil, sberrors.Wrap(err, "decoding compliance settings")
	}
	return org, nil
}

// CreateOrganization persists a new organization.
func (s *Store) CreateOrganization(ctx context.Context, org *store.Organization) error {
	flags, err := marshalJSON(org.FeatureFlags)
	if err != nil {
		return sberrors.Wrap(err, "encoding feature flags")
	}
	security, err := marshalJSON(org.Security)
	if err != nil {
		return sberrors.Wrap(err, "encoding security settings")
	}
	compliance, err := marshalJSON(org.Compliance)
	if err != nil {
		return sberrors.Wrap(err, "encoding compliance settings")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, plan, region, status, feature_flags, security, compliance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.Plan, org.Region, org.Status,
		flags, security, compliance,
		timeText(org.CreatedAt), timeText(org.UpdatedAt))
	if err != nil {
		return sberrors.Wrap(err, "creating organization")
	}
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*store.Organization, error) {
	var row orgRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM organizations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &sberrors.NotFoundError{Resource: "organization", ID: id}
	}
	if err != nil {
		return nil, sberrors.Wrap(err, "querying organization")
	}
	return row.toOrganization()
}

// UpdateOrganization updates an existing organization.
func (s *Store) UpdateOrganization(ctx context.Context, org *store.Organization) error {
	flags, err := marshalJSON(org.FeatureFlags)
	if err != nil {
		return sberrors.Wrap(err, "encoding feature flags")
	}
	security, err := marshalJSON(org.Security)
	if err != nil {
		return sberrors.Wrap(err, "encoding security settings")
	}
	compliance, err := marshalJSON(org.Compliance)
	if err != nil {
		return sberrors.Wrap(err, "encoding compliance settings")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET name = ?, plan = ?, region = ?, status = ?, feature_flags = ?, security = ?, compliance = ?, updated_at = ?
		WHERE id = ?`,
		org.Name, org.Plan, org.Region, org.Status,
		flags, security, compliance,
		timeText(org.UpdatedAt), org.ID)
	if err != nil {
		return sberrors.Wrap(err, "updating organization")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking update result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "organization", ID: org.ID}
	}
	return nil
}

// ListOrganizations returns organizations matching the filter.
func (s *Store) ListOrganizations(ctx context.Context, filter store.OrganizationFilter) ([]*store.Organization, error) {
	query := `SELECT * FROM organizations WHERE 1=1`
	var args []any
	if filter.Plan != "" {
		query += ` AND plan = ?`
		args = append(args, filter.Plan)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []orgRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sberrors.Wrap(err, "listing organizations")
	}

	orgs := make([]*store.Organization, 0, len(rows))
	for i := range rows {
		org, err := rows[i].toOrganization()
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, nil
}

// AddMember adds or updates an organization membership. When IsDefault
// is set, any previous default for the user is cleared first.
func (s *Store) AddMember(ctx context.Context, member *store.Member) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sberrors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	if member.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE organization_members SET is_default = 0 WHERE user_id = ?`,
			member.UserID); err != nil {
			return sberrors.Wrap(err, "clearing previous default organization")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO organization_members (organization_id, user_id, role, is_default, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, user_id) DO UPDATE SET
			role = excluded.role,
			is_default = excluded.is_default`,
		member.OrganizationID, member.UserID, member.Role,
		boolInt(member.IsDefault), timeText(member.CreatedAt)); err != nil {
		return sberrors.Wrap(err, "adding member")
	}

	if err := tx.Commit(); err != nil {
		return sberrors.Wrap(err, "committing transaction")
	}
	return nil
}

// GetMemberRole returns the role a user holds in an organization.
func (s *Store) GetMemberRole(ctx context.Context, orgID, userID string) (string, error) {
	var role string
	err := s.db.GetContext(ctx, &role,
		`SELECT role FROM organization_members WHERE organization_id = ? AND user_id = ?`,
		orgID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &sberrors.NotFoundError{Resource: "membership", ID: orgID + "/" + userID}
	}
	if err != nil {
		return "", sberrors.Wrap(err, "querying member role")
	}
	return role, nil
}

// GetDefaultOrganization returns the organization marked default for a
// user.
func (s *Store) GetDefaultOrganization(ctx context.Context, userID string) (string, error) {
	var orgID string
	err := s.db.GetContext(ctx, &orgID,
		`SELECT organization_id FROM organization_members WHERE user_id = ? AND is_default = 1 LIMIT 1`,
		userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &sberrors.NotFoundError{Resource: "default organization", ID: userID}
	}
	if err != nil {
		return "", sberrors.Wrap(err, "querying default organization")
	}
	return orgID, nil
}

type memberRow struct {
	OrganizationID string `db:"organization_id"`
	UserID         string `db:"user_id"`
	Role           string `db:"role"`
	IsDefault      int    `db:"is_default"`
	CreatedAt      string `db:"created_at"`
}

// ListMembers returns all members of an organization.
func (s *Store) ListMembers(ctx context.Context, orgID string) ([]*store.Member, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM organization_members WHERE organization_id = ? ORDER BY created_at`,
		orgID)
	if err != nil {
		return nil, sberrors.Wrap(err, "listing members")
	}

	members := make([]*store.Member, 0, len(rows))
	for _, r := range rows {
		members = append(members, &store.Member{
			OrganizationID: r.OrganizationID,
			UserID:         r.UserID,
			Role:           r.Role,
			IsDefault:      r.IsDefault != 0,
			CreatedAt:      parseTime(r.CreatedAt),
		})
	}
	return members, nil
}

// SaveRoleAssignment records a scoped role assignment.
func (s *Store) SaveRoleAssignment(ctx context.Context, ra *store.RoleAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_role_assignments (organization_id, user_id, role, scope, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, user_id, scope) DO UPDATE SET
			role = excluded.role`,
		ra.OrganizationID, ra.UserID, ra.Role, ra.Scope, timeText(ra.CreatedAt))
	if err != nil {
		return sberrors.Wrap(err, "saving role assignment")
	}
	return nil
}

type roleAssignmentRow struct {
	OrganizationID string `db:"organization_id"`
	UserID         string `db:"user_id"`
	Role           string `db:"role"`
	Scope          string `db:"scope"`
	CreatedAt      string `db:"created_at"`
}

// ListRoleAssignments returns scoped role assignments for a user in an
// organization.
func (s *Store) ListRoleAssignments(ctx context.Context, orgID, userID string) ([]*store.RoleAssignment, error) {
	var rows []roleAssignmentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM organization_role_assignments WHERE organization_id = ? AND user_id = ? ORDER BY scope`,
		orgID, userID)
	if err != nil {
		return nil, sberrors.Wrap(err, "listing role assignments")
	}

	assignments := make([]*store.RoleAssignment, 0, len(rows))
	for _, r := range rows {
		assignments = append(assignments, &store.RoleAssignment{
			OrganizationID: r.OrganizationID,
			UserID:         r.UserID,
			Role:           r.Role,
			Scope:          r.Scope,
			CreatedAt:      parseTime(r.CreatedAt),
		})
	}
	return assignments, nil
}

type quotaRow struct {
	OrganizationID  string `db:"organization_id"`
	PeriodStart     string `db:"period_start"`
	PeriodEnd       string `db:"period_end"`
	Limits          string `db:"limits"`
	UsageWorkflows  int    `db:"usage_workflows"`
	UsageMonth      int    `db:"usage_month"`
	UsageConcurrent int    `db:"usage_concurrent"`
	UsageWindow     int    `db:"usage_window"`
	UsageStorage    int64  `db:"usage_storage"`
	UsageUsers      int    `db:"usage_users"`
	WindowStart     int64  `db:"window_start"`
	UpdatedAt       string `db:"updated_at"`
}

func (r *quotaRow) toQuota() (*store.OrganizationQuota, error) {
	q := &store.OrganizationQuota{
		OrganizationID: r.OrganizationID,
		PeriodStart:    parseTime(r.PeriodStart),
		PeriodEnd:      parseTime(r.PeriodEnd),
		Usage: store.QuotaUsage{
			Workflows:                 r.UsageWorkflows,
			ExecutionsThisMonth:       r.UsageMonth,
			ConcurrentExecutions:      r.UsageConcurrent,
			ExecutionsInCurrentWindow: r.UsageWindow,
			StorageBytes:              r.UsageStorage,
			Users:                     r.UsageUsers,
		},
		WindowStart: fromMillis(r.WindowStart),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}
	if err := unmarshalJSON(sql.NullString{String: r.Limits, Valid: true}, &q.Limits); err != nil {
		return nil, sberrors.Wrap(err, "decoding quota limits")
	}
	return q, nil
}

// GetQuota retrieves an organization's quota record.
func (s *Store) GetQuota(ctx context.Context, orgID string) (*store.OrganizationQuota, error) {
	var row quotaRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM organization_quotas WHERE organization_id = ?`, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &sberrors.NotFoundError{Resource: "quota", ID: orgID}
	}
	if err != nil {
		return nil, sberrors.Wrap(err, "querying quota")
	}
	return row.toQuota()
}

// SaveQuota creates or replaces an organization's quota record.
func (s *Store) SaveQuota(ctx context.Context, quota *store.OrganizationQuota) error {
	limits, err := marshalJSON(quota.Limits)
	if err != nil {
		return sberrors.Wrap(err, "encoding quota limits")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organization_quotas (organization_id, period_start, period_end, limits,
			usage_workflows, usage_month, usage_concurrent, usage_window, usage_storage, usage_users,
			window_start, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id) DO UPDATE SET
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			limits = excluded.limits,
			usage_workflows = excluded.usage_workflows,
			usage_month = excluded.usage_month,
			usage_concurrent = excluded.usage_concurrent,
			usage_window = excluded.usage_window,
			usage_storage = excluded.usage_storage,
			usage_users = excluded.usage_users,
			window_start = excluded.window_start,
			updated_at = excluded.updated_at`,
		quota.OrganizationID, timeText(quota.PeriodStart), timeText(quota.PeriodEnd), limits,
		quota.Usage.Workflows, quota.Usage.ExecutionsThisMonth, quota.Usage.ConcurrentExecutions,
		quota.Usage.ExecutionsInCurrentWindow, quota.Usage.StorageBytes, quota.Usage.Users,
		millis(quota.WindowStart), timeText(quota.UpdatedAt))
	if err != nil {
		return sberrors.Wrap(err, "saving quota")
	}
	return nil
}

// IncrementConcurrent atomically bumps the concurrent, window and
// month counters when the concurrent count is below max. Returns false
// without changes when the slot is unavailable.
func (s *Store) IncrementConcurrent(ctx context.Context, orgID string, max int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE organization_quotas
		SET usage_concurrent = usage_concurrent + 1,
			usage_window = usage_window + 1,
			usage_month = usage_month + 1,
			updated_at = ?
		WHERE organization_id = ? AND usage_concurrent < ?`,
		timeText(time.Now()), orgID, max)
	if err != nil {
		return false, sberrors.Wrap(err, "incrementing concurrent executions")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, sberrors.Wrap(err, "checking increment result")
	}
	return affected > 0, nil
}

// DecrementConcurrent releases a concurrent execution slot, never
// going below zero.
func (s *Store) DecrementConcurrent(ctx context.Context, orgID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organization_quotas
		SET usage_concurrent = MAX(usage_concurrent - 1, 0), updated_at = ?
		WHERE organization_id = ?`,
		timeText(time.Now()), orgID)
	if err != nil {
		return sberrors.Wrap(err, "decrementing concurrent executions")
	}
	return nil
}

// RollWindow zeroes the per-minute window counter when the stored
// window is older than windowStart.
func (s *Store) RollWindow(ctx context.Context, orgID string, windowStart time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organization_quotas
		SET usage_window = 0, window_start = ?, updated_at = ?
		WHERE organization_id = ? AND window_start < ?`,
		millis(windowStart), timeText(time.Now()), orgID, millis(windowStart))
	if err != nil {
		return sberrors.Wrap(err, "rolling usage window")
	}
	return nil
}

// ResetPeriod starts a new billing period, zeroing the periodic
// counters. The concurrent counter tracks live executions and is left
// alone.
func (s *Store) ResetPeriod(ctx context.Context, orgID string, periodStart, periodEnd time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organization_quotas
		SET period_start = ?, period_end = ?,
			usage_month = 0, usage_window = 0, window_start = ?, updated_at = ?
		WHERE organization_id = ?`,
		timeText(periodStart), timeText(periodEnd),
		millis(periodStart), timeText(time.Now()), orgID)
	if err != nil {
		return sberrors.Wrap(err, "resetting quota period")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
