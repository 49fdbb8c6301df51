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
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

type webhookLogRow struct {
	ID             string         `db:"id"`
	WebhookID      string         `db:"webhook_id"`
	OrganizationID sql.NullString `db:"organization_id"`
	Provider       sql.NullString `db:"provider"`
	EventHash      sql.NullString `db:"event_hash"`
	Status         string         `db:"status"`
	Reason         sql.NullString `db:"reason"`
	ReceivedAt     string         `db:"received_at"`
}

// AppendWebhookLog appends a delivery log entry.
func (s *Store) AppendWebhookLog(ctx context.Context, entry *store.WebhookLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, webhook_id, organization_id, provider, event_hash, status, reason, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.WebhookID, nullString(entry.OrganizationID),
		nullString(entry.Provider), nullString(entry.EventHash),
		entry.Status, nullString(entry.Reason), timeText(entry.ReceivedAt))
	if err != nil {
		return sberrors.Wrap(err, "appending webhook log")
	}
	return nil
}

// ListWebhookLogs lists recent entries for a webhook, newest first.
func (s *Store) ListWebhookLogs(ctx context.Context, webhookID string, limit int) ([]*store.WebhookLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []webhookLogRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM webhook_logs WHERE webhook_id = ?
		ORDER BY received_at DESC LIMIT ?`,
		webhookID, limit)
	if err != nil {
		return nil, sberrors.Wrap(err, "listing webhook logs")
	}

	logs := make([]*store.WebhookLog, 0, len(rows))
	for _, r := range rows {
		logs = append(logs, &store.WebhookLog{
			ID:             r.ID,
			WebhookID:      r.WebhookID,
			OrganizationID: r.OrganizationID.String,
			Provider:       r.Provider.String,
			EventHash:      r.EventHash.String,
			Status:         r.Status,
			Reason:         r.Reason.String,
			ReceivedAt:     parseTime(r.ReceivedAt),
		})
	}
	return logs, nil
}

// PurgeWebhookLogs deletes entries received before the cutoff.
func (s *Store) PurgeWebhookLogs(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_logs WHERE received_at < ?`, timeText(before))
	if err != nil {
		return 0, sberrors.Wrap(err, "purging webhook logs")
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, sberrors.Wrap(err, "checking purge result")
	}
	return deleted, nil
}

type outboxRow struct {
	ID             string         `db:"id"`
	OrganizationID string         `db:"organization_id"`
	WorkflowID     string         `db:"workflow_id"`
	TriggerID      sql.NullString `db:"trigger_id"`
	Payload        string         `db:"payload"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	NextAttemptAt  int64          `db:"next_attempt_at"`
	ClaimedUntil   sql.NullInt64  `db:"claimed_until"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      string         `db:"created_at"`
	LastAttemptAt  sql.NullString `db:"last_attempt_at"`
	DispatchedAt   sql.NullString `db:"dispatched_at"`
}

func (r *outboxRow) toRecord() *store.OutboxRecord {
	rec := &store.OutboxRecord{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		WorkflowID:     r.WorkflowID,
		TriggerID:      r.TriggerID.String,
		Payload:        json.RawMessage(r.Payload),
		Status:         r.Status,
		Attempts:       r.Attempts,
		NextAttemptAt:  fromMillis(r.NextAttemptAt),
		LastError:      r.LastError.String,
		CreatedAt:      parseTime(r.CreatedAt),
		LastAttemptAt:  parseTimePtr(r.LastAttemptAt),
		DispatchedAt:   parseTimePtr(r.DispatchedAt),
	}
	if r.ClaimedUntil.Valid {
		t := fromMillis(r.ClaimedUntil.Int64)
		rec.ClaimedUntil = &t
	}
	return rec
}

// AppendOutbox appends a pending record.
func (s *Store) AppendOutbox(ctx context.Context, rec *store.OutboxRecord) error {
	status := rec.Status
	if status == "" {
		status = store.OutboxPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_outbox (id, organization_id, workflow_id, trigger_id, payload, status,
			attempts, next_attempt_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OrganizationID, rec.WorkflowID, nullString(rec.TriggerID),
		string(rec.Payload), status, rec.Attempts, millis(rec.NextAttemptAt),
		nullString(rec.LastError), timeText(rec.CreatedAt))
	if err != nil {
		return sberrors.Wrap(err, "appending outbox record")
	}
	return nil
}

// ClaimOutbox atomically claims up to limit due pending records. A
// claim bumps the attempt counter and leases the row until now+lease
// so concurrent replayers never dispatch the same record.
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*store.OutboxRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, sberrors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	var ids []string
	err = tx.SelectContext(ctx, &ids, `
		SELECT id FROM webhook_outbox
		WHERE status = ? AND next_attempt_at <= ? AND (claimed_until IS NULL OR claimed_until < ?)
		ORDER BY next_attempt_at LIMIT ?`,
		store.OutboxPending, millis(now), millis(now), limit)
	if err != nil {
		return nil, sberrors.Wrap(err, "querying due outbox records")
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	query, args, err := sqlx.In(`
		UPDATE webhook_outbox
		SET claimed_until = ?, attempts = attempts + 1, last_attempt_at = ?
		WHERE id IN (?)`,
		millis(now.Add(lease)), timeText(now), ids)
	if err != nil {
		return nil, sberrors.Wrap(err, "building claim query")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, sberrors.Wrap(err, "claiming outbox records")
	}

	query, args, err = sqlx.In(`SELECT * FROM webhook_outbox WHERE id IN (?) ORDER BY next_attempt_at`, ids)
	if err != nil {
		return nil, sberrors.Wrap(err, "building claimed query")
	}
	var rows []outboxRow
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sberrors.Wrap(err, "loading claimed records")
	}

	if err := tx.Commit(); err != nil {
		return nil, sberrors.Wrap(err, "committing transaction")
	}

	records := make([]*store.OutboxRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// MarkOutboxDispatched transitions a claimed record to dispatched.
func (s *Store) MarkOutboxDispatched(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE webhook_outbox
		SET status = ?, dispatched_at = ?, claimed_until = NULL
		WHERE id = ?`,
		store.OutboxDispatched, timeText(at), id)
	if err != nil {
		return sberrors.Wrap(err, "marking outbox dispatched")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking update result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "outbox record", ID: id}
	}
	return nil
}

// MarkOutboxRetry releases a claimed record back to pending for a
// later attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id string, nextAttempt time.Time, lastError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE webhook_outbox
		SET status = ?, next_attempt_at = ?, last_error = ?, claimed_until = NULL
		WHERE id = ?`,
		store.OutboxPending, millis(nextAttempt), nullString(lastError), id)
	if err != nil {
		return sberrors.Wrap(err, "marking outbox retry")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking update result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "outbox record", ID: id}
	}
	return nil
}

// MarkOutboxFailed transitions a record to failed once its attempts
// are exhausted.
func (s *Store) MarkOutboxFailed(ctx context.Context, id string, lastError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE webhook_outbox
		SET status = ?, last_error = ?, claimed_until = NULL
		WHERE id = ?`,
		store.OutboxFailed, nullString(lastError), id)
	if err != nil {
		return sberrors.Wrap(err, "marking outbox failed")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking update result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "outbox record", ID: id}
	}
	return nil
}

// CountPendingOutbox returns the number of pending records. The poller
// throttles itself against this count.
func (s *Store) CountPendingOutbox(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM webhook_outbox WHERE status = ?`, store.OutboxPending)
	if err != nil {
		return 0, sberrors.Wrap(err, "counting pending outbox records")
	}
	return count, nil
}

// PurgeOutbox deletes terminal records created before the cutoff.
func (s *Store) PurgeOutbox(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM webhook_outbox
		WHERE status IN (?, ?) AND created_at < ?`,
		store.OutboxDispatched, store.OutboxFailed, timeText(before))
	if err != nil {
		return 0, sberrors.Wrap(err, "purging outbox")
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, sberrors.Wrap(err, "checking purge result")
	}
	return deleted, nil
}

type usageRow struct {
	OrganizationID     string `db:"organization_id"`
	UserID             string `db:"user_id"`
	Year               int    `db:"year"`
	Month              int    `db:"month"`
	APICalls           int64  `db:"api_calls"`
	TokensUsed         int64  `db:"tokens_used"`
	WorkflowRuns       int64  `db:"workflow_runs"`
	StorageUsed        int64  `db:"storage_used"`
	EstimatedCostCents int64  `db:"estimated_cost_cents"`
	UpdatedAt          string `db:"updated_at"`
}

func (r *usageRow) toUsage() *store.UsageTracking {
	return &store.UsageTracking{
		OrganizationID:     r.OrganizationID,
		UserID:             r.UserID,
		Year:               r.Year,
		Month:              r.Month,
		APICalls:           r.APICalls,
		TokensUsed:         r.TokensUsed,
		WorkflowRuns:       r.WorkflowRuns,
		StorageUsed:        r.StorageUsed,
		EstimatedCostCents: r.EstimatedCostCents,
		UpdatedAt:          parseTime(r.UpdatedAt),
	}
}

// AddUsage atomically applies a delta to the matching usage row,
// creating it when absent, and returns the updated row.
func (s *Store) AddUsage(ctx context.Context, delta store.UsageDelta) (*store.UsageTracking, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, sberrors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	now := timeText(time.Now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_tracking (organization_id, user_id, year, month,
			api_calls, tokens_used, workflow_runs, storage_used, estimated_cost_cents, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, user_id, year, month) DO UPDATE SET
			api_calls = api_calls + excluded.api_calls,
			tokens_used = tokens_used + excluded.tokens_used,
			workflow_runs = workflow_runs + excluded.workflow_runs,
			storage_used = storage_used + excluded.storage_used,
			estimated_cost_cents = estimated_cost_cents + excluded.estimated_cost_cents,
			updated_at = excluded.updated_at`,
		delta.OrganizationID, delta.UserID, delta.Year, delta.Month,
		delta.APICalls, delta.TokensUsed, delta.WorkflowRuns, delta.StorageUsed,
		delta.CostCents, now); err != nil {
		return nil, sberrors.Wrap(err, "applying usage delta")
	}

	var row usageRow
	err = tx.GetContext(ctx, &row, `
		SELECT * FROM usage_tracking
		WHERE organization_id = ? AND user_id = ? AND year = ? AND month = ?`,
		delta.OrganizationID, delta.UserID, delta.Year, delta.Month)
	if err != nil {
		return nil, sberrors.Wrap(err, "reading updated usage")
	}

	if err := tx.Commit(); err != nil {
		return nil, sberrors.Wrap(err, "committing transaction")
	}
	return row.toUsage(), nil
}

// GetUsage retrieves one usage row, returning a zeroed row when
// nothing has been recorded for the period yet.
func (s *Store) GetUsage(ctx context.Context, orgID, userID string, year int, month time.Month) (*store.UsageTracking, error) {
	var row usageRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM usage_tracking
		WHERE organization_id = ? AND user_id = ? AND year = ? AND month = ?`,
		orgID, userID, year, int(month))
	if errors.Is(err, sql.ErrNoRows) {
		return &store.UsageTracking{
			OrganizationID: orgID,
			UserID:         userID,
			Year:           year,
			Month:          int(month),
		}, nil
	}
	if err != nil {
		return nil, sberrors.Wrap(err, "querying usage")
	}
	return row.toUsage(), nil
}

// ListUsage lists usage rows matching the filter for export and
// reconciliation.
func (s *Store) ListUsage(ctx context.Context, filter store.UsageFilter) ([]*store.UsageTracking, error) {
	query := `SELECT u.* FROM usage_tracking u`
	if filter.Plan != "" {
		query += ` JOIN organizations o ON o.id = u.organization_id`
	}
	query += ` WHERE 1=1`
	var args []any
	if filter.OrganizationID != "" {
		query += ` AND u.organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	if filter.Plan != "" {
		query += ` AND o.plan = ?`
		args = append(args, filter.Plan)
	}
	if !filter.Start.IsZero() {
		query += ` AND (u.year * 100 + u.month) >= ?`
		args = append(args, filter.Start.Year()*100+int(filter.Start.Month()))
	}
	if !filter.End.IsZero() {
		query += ` AND (u.year * 100 + u.month) <= ?`
		args = append(args, filter.End.Year()*100+int(filter.End.Month()))
	}
	query += ` ORDER BY u.organization_id, u.user_id, u.year, u.month`

	var rows []usageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sberrors.Wrap(err, "listing usage")
	}

	usage := make([]*store.UsageTracking, 0, len(rows))
	for i := range rows {
		usage = append(usage, rows[i].toUsage())
	}
	return usage, nil
}

type auditRow struct {
	ID             int64          `db:"id"`
	OrganizationID sql.NullString `db:"organization_id"`
	Actor          string         `db:"actor"`
	Action         string         `db:"action"`
	Subject        sql.NullString `db:"subject"`
	Detail         sql.NullString `db:"detail"`
	CreatedAt      string         `db:"created_at"`
}

// AppendAudit appends an audit entry and fills in its assigned ID.
func (s *Store) AppendAudit(ctx context.Context, entry *store.AuditEntry) error {
	detail, err := marshalJSON(entry.Detail)
	if err != nil {
		return sberrors.Wrap(err, "encoding audit detail")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (organization_id, actor, action, subject, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nullString(entry.OrganizationID), entry.Actor, entry.Action,
		nullString(entry.Subject), detail, timeText(entry.CreatedAt))
	if err != nil {
		return sberrors.Wrap(err, "appending audit entry")
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListAudit lists audit entries matching the filter, newest first.
func (s *Store) ListAudit(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	query := `SELECT * FROM audit_log WHERE 1=1`
	var args []any
	if filter.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sberrors.Wrap(err, "listing audit entries")
	}

	entries := make([]*store.AuditEntry, 0, len(rows))
	for _, r := range rows {
		entry := &store.AuditEntry{
			ID:             r.ID,
			OrganizationID: r.OrganizationID.String,
			Actor:          r.Actor,
			Action:         r.Action,
			Subject:        r.Subject.String,
			CreatedAt:      parseTime(r.CreatedAt),
		}
		if err := unmarshalJSON(r.Detail, &entry.Detail); err != nil {
			return nil, sberrors.Wrap(err, "decoding audit detail")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
