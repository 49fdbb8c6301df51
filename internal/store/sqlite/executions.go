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

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

type execRow struct {
	ID             string         `db:"id"`
	WorkflowID     string         `db:"workflow_id"`
	OrganizationID string         `db:"organization_id"`
	UserID         sql.NullString `db:"user_id"`
	TriggerType    string         `db:"trigger_type"`
	Status         string         `db:"status"`
	Error          sql.NullString `db:"error"`
	Durability     sql.NullString `db:"durability"`
	LeaseOwner     sql.NullString `db:"lease_owner"`
	LeaseUntil     sql.NullInt64  `db:"lease_until"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	StartedAt      sql.NullString `db:"started_at"`
	FinishedAt     sql.NullString `db:"finished_at"`
}

func (r *execRow) toRecord() *workflow.ExecutionRecord {
	return &workflow.ExecutionRecord{
		ID:             r.ID,
		WorkflowID:     r.WorkflowID,
		OrganizationID: r.OrganizationID,
		UserID:         r.UserID.String,
		TriggerType:    workflow.TriggerType(r.TriggerType),
		Status:         workflow.ExecutionStatus(r.Status),
		Error:          r.Error.String,
		Durability:     r.Durability.String,
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
		StartedAt:      parseTimePtr(r.StartedAt),
		FinishedAt:     parseTimePtr(r.FinishedAt),
	}
}

// CreateExecution creates a new execution record, including any node
// results already attached.
func (s *Store) CreateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sberrors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, organization_id, user_id, trigger_type, status,
			error, durability, created_at, updated_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.OrganizationID, nullString(rec.UserID),
		string(rec.TriggerType), string(rec.Status), nullString(rec.Error),
		nullString(rec.Durability), timeText(rec.CreatedAt), timeText(rec.UpdatedAt),
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt)); err != nil {
		return sberrors.Wrap(err, "inserting execution")
	}

	for _, result := range rec.Nodes {
		if err := upsertNodeResult(ctx, tx, rec.ID, result); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return sberrors.Wrap(err, "committing transaction")
	}
	return nil
}

// GetExecution retrieves an execution with its node results.
func (s *Store) GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error) {
	var row execRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &sberrors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, sberrors.Wrap(err, "querying execution")
	}
	rec := row.toRecord()

	var nodes []struct {
		NodeID string `db:"node_id"`
		Result string `db:"result"`
	}
	err = s.db.SelectContext(ctx, &nodes,
		`SELECT node_id, result FROM execution_nodes WHERE execution_id = ?`, id)
	if err != nil {
		return nil, sberrors.Wrap(err, "querying node results")
	}
	for _, n := range nodes {
		var result workflow.NodeResult
		if err := json.Unmarshal([]byte(n.Result), &result); err != nil {
			return nil, sberrors.Wrapf(err, "decoding node result %s", n.NodeID)
		}
		if rec.Nodes == nil {
			rec.Nodes = make(map[string]*workflow.NodeResult, len(nodes))
		}
		rec.Nodes[n.NodeID] = &result
	}
	return rec, nil
}

// UpdateExecution updates the execution-level fields of a record. Node
// results are persisted separately through SaveNodeResult.
func (s *Store) UpdateExecution(ctx context.Context, rec *workflow.ExecutionRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, error = ?, durability = ?, updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(rec.Status), nullString(rec.Error), nullString(rec.Durability),
		timeText(rec.UpdatedAt), formatTime(rec.StartedAt), formatTime(rec.FinishedAt), rec.ID)
	if err != nil {
		return sberrors.Wrap(err, "updating execution")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking update result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "execution", ID: rec.ID}
	}
	return nil
}

// ListExecutions lists executions matching the filter, newest first.
// Node results are not loaded.
func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*workflow.ExecutionRecord, error) {
	query := `SELECT * FROM executions WHERE 1=1`
	var args []any
	if filter.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	var rows []execRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sberrors.Wrap(err, "listing executions")
	}

	records := make([]*workflow.ExecutionRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// SaveNodeResult persists one node result incrementally so progress
// survives a dispatcher crash mid-execution.
func (s *Store) SaveNodeResult(ctx context.Context, executionID string, result *workflow.NodeResult) error {
	return upsertNodeResult(ctx, s.db, executionID, result)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertNodeResult(ctx context.Context, db execer, executionID string, result *workflow.NodeResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return sberrors.Wrap(err, "encoding node result")
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO execution_nodes (execution_id, node_id, result, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(execution_id, node_id) DO UPDATE SET
			result = excluded.result,
			updated_at = excluded.updated_at`,
		executionID, result.NodeID, string(data), timeText(time.Now()))
	if err != nil {
		return sberrors.Wrap(err, "saving node result")
	}
	return nil
}

// AcquireExecutionLease claims an execution for a dispatcher worker.
// The claim succeeds when the execution is unleased, already ours, or
// the previous lease has expired.
func (s *Store) AcquireExecutionLease(ctx context.Context, executionID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND (lease_owner IS NULL OR lease_owner = ? OR lease_until < ?)`,
		owner, millis(now.Add(ttl)), executionID, owner, millis(now))
	if err != nil {
		return false, sberrors.Wrap(err, "acquiring execution lease")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, sberrors.Wrap(err, "checking lease result")
	}
	return affected > 0, nil
}

// ReleaseExecutionLease releases a lease held by owner.
func (s *Store) ReleaseExecutionLease(ctx context.Context, executionID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET lease_owner = NULL, lease_until = NULL
		WHERE id = ? AND lease_owner = ?`,
		executionID, owner)
	if err != nil {
		return sberrors.Wrap(err, "releasing execution lease")
	}
	return nil
}
