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
)

// dedupeState is the persisted shape of a trigger's dedupe token ring.
type dedupeState struct {
	Tokens []string `json:"tokens"`
}

type triggerRow struct {
	ID             string         `db:"id"`
	WorkflowID     string         `db:"workflow_id"`
	OrganizationID string         `db:"organization_id"`
	UserID         sql.NullString `db:"user_id"`
	NodeID         string         `db:"node_id"`
	Kind           string         `db:"kind"`
	AppID          sql.NullString `db:"app_id"`
	TriggerID      sql.NullString `db:"trigger_id"`
	ConnectionID   sql.NullString `db:"connection_id"`
	Secret         sql.NullString `db:"secret"`
	Provider       sql.NullString `db:"provider"`
	Metadata       sql.NullString `db:"metadata"`
	DedupeState    sql.NullString `db:"dedupe_state"`
	Active         int            `db:"active"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (r *triggerRow) toTrigger() (*store.Trigger, error) {
	trig := &store.Trigger{
		ID:             r.ID,
		WorkflowID:     r.WorkflowID,
		OrganizationID: r.OrganizationID,
		UserID:         r.UserID.String,
		NodeID:         r.NodeID,
		Kind:           r.Kind,
		AppID:          r.AppID.String,
		TriggerID:      r.TriggerID.String,
		ConnectionID:   r.ConnectionID.String,
		Secret:         r.Secret.String,
		Provider:       r.Provider.String,
		Active:         r.Active != 0,
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
	}
	if err := unmarshalJSON(r.Metadata, &trig.Metadata); err != nil {
		return nil, sberrors.Wrap(err, "decoding trigger metadata")
	}
	var ring dedupeState
	if err := unmarshalJSON(r.DedupeState, &ring); err != nil {
		return nil, sberrors.Wrap(err, "decoding dedupe state")
	}
	trig.DedupeTokens = ring.Tokens
	return trig, nil
}

// SaveTrigger creates or updates a trigger registration. The dedupe
// ring is owned by the ingestion path; updates leave an existing ring
// in place.
func (s *Store) SaveTrigger(ctx context.Context, trig *store.Trigger) error {
	metadata, err := marshalJSON(trig.Metadata)
	if err != nil {
		return sberrors.Wrap(err, "encoding trigger metadata")
	}
	ring, err := json.Marshal(dedupeState{Tokens: trig.DedupeTokens})
	if err != nil {
		return sberrors.Wrap(err, "encoding dedupe state")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_triggers (id, workflow_id, organization_id, user_id, node_id, kind,
			app_id, trigger_id, connection_id, secret, provider, metadata, dedupe_state, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			user_id = excluded.user_id,
			node_id = excluded.node_id,
			kind = excluded.kind,
			app_id = excluded.app_id,
			trigger_id = excluded.trigger_id,
			connection_id = excluded.connection_id,
			secret = excluded.secret,
			provider = excluded.provider,
			metadata = excluded.metadata,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		trig.ID, trig.WorkflowID, trig.OrganizationID, nullString(trig.UserID),
		trig.NodeID, trig.Kind, nullString(trig.AppID), nullString(trig.TriggerID),
		nullString(trig.ConnectionID), nullString(trig.Secret), nullString(trig.Provider),
		metadata, string(ring), boolInt(trig.Active),
		timeText(trig.CreatedAt), timeText(trig.UpdatedAt))
	if err != nil {
		return sberrors.Wrap(err, "saving trigger")
	}
	return nil
}

// GetTrigger retrieves a trigger by ID.
func (s *Store) GetTrigger(ctx context.Context, id string) (*store.Trigger, error) {
	var row triggerRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workflow_triggers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &sberrors.NotFoundError{Resource: "trigger", ID: id}
	}
	if err != nil {
		return nil, sberrors.Wrap(err, "querying trigger")
	}
	return row.toTrigger()
}

// ListTriggers lists triggers for a workflow.
func (s *Store) ListTriggers(ctx context.Context, workflowID string) ([]*store.Trigger, error) {
	var rows []triggerRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM workflow_triggers WHERE workflow_id = ? ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, sberrors.Wrap(err, "listing triggers")
	}
	return rowsToTriggers(rows)
}

// ListWebhookTriggers lists active webhook triggers, across all
// organizations when orgID is empty.
func (s *Store) ListWebhookTriggers(ctx context.Context, orgID string) ([]*store.Trigger, error) {
	query := `SELECT * FROM workflow_triggers WHERE kind = ? AND active = 1`
	args := []any{store.TriggerKindWebhook}
	if orgID != "" {
		query += ` AND organization_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at`

	var rows []triggerRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sberrors.Wrap(err, "listing webhook triggers")
	}
	return rowsToTriggers(rows)
}

// ListScheduledTriggers lists active scheduled triggers across all
// organizations.
func (s *Store) ListScheduledTriggers(ctx context.Context) ([]*store.Trigger, error) {
	var rows []triggerRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM workflow_triggers WHERE kind = ? AND active = 1 ORDER BY created_at`,
		store.TriggerKindScheduled)
	if err != nil {
		return nil, sberrors.Wrap(err, "listing scheduled triggers")
	}
	return rowsToTriggers(rows)
}

func rowsToTriggers(rows []triggerRow) ([]*store.Trigger, error) {
	triggers := make([]*store.Trigger, 0, len(rows))
	for i := range rows {
		trig, err := rows[i].toTrigger()
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trig)
	}
	return triggers, nil
}

// SetTriggerActive activates or deactivates a trigger and any polling
// state that rides on it.
func (s *Store) SetTriggerActive(ctx context.Context, id string, active bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sberrors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE workflow_triggers SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), timeText(time.Now()), id)
	if err != nil {
		return sberrors.Wrap(err, "updating trigger")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking update result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "trigger", ID: id}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE polling_triggers SET active = ?, updated_at = ? WHERE trigger_id = ?`,
		boolInt(active), timeText(time.Now()), id); err != nil {
		return sberrors.Wrap(err, "updating polling state")
	}

	if err := tx.Commit(); err != nil {
		return sberrors.Wrap(err, "committing transaction")
	}
	return nil
}

// DeleteTrigger removes a trigger registration and its polling state.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sberrors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM workflow_triggers WHERE id = ?`, id)
	if err != nil {
		return sberrors.Wrap(err, "deleting trigger")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking delete result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "trigger", ID: id}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM polling_triggers WHERE trigger_id = ?`, id); err != nil {
		return sberrors.Wrap(err, "deleting polling state")
	}

	if err := tx.Commit(); err != nil {
		return sberrors.Wrap(err, "committing transaction")
	}
	return nil
}

// SaveDedupeState replaces a trigger's dedupe token ring.
func (s *Store) SaveDedupeState(ctx context.Context, triggerID string, tokens []string) error {
	ring, err := json.Marshal(dedupeState{Tokens: tokens})
	if err != nil {
		return sberrors.Wrap(err, "encoding dedupe state")
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_triggers SET dedupe_state = ?, updated_at = ? WHERE id = ?`,
		string(ring), timeText(time.Now()), triggerID)
	if err != nil {
		return sberrors.Wrap(err, "saving dedupe state")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking update result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "trigger", ID: triggerID}
	}
	return nil
}

type pollingRow struct {
	TriggerID       string         `db:"trigger_id"`
	OrganizationID  string         `db:"organization_id"`
	WorkflowID      string         `db:"workflow_id"`
	IntervalSeconds int64          `db:"interval_seconds"`
	DedupeKey       sql.NullString `db:"dedupe_key"`
	PartitionID     int            `db:"partition_id"`
	LastPollAt      sql.NullString `db:"last_poll_at"`
	NextPollAt      int64          `db:"next_poll_at"`
	Runtime         sql.NullString `db:"runtime"`
	Active          int            `db:"active"`
	UpdatedAt       string         `db:"updated_at"`
}

func (r *pollingRow) toPollingState() (*store.PollingState, error) {
	state := &store.PollingState{
		TriggerID:      r.TriggerID,
		OrganizationID: r.OrganizationID,
		WorkflowID:     r.WorkflowID,
		Interval:       time.Duration(r.IntervalSeconds) * time.Second,
		DedupeKey:      r.DedupeKey.String,
		Partition:      r.PartitionID,
		LastPollAt:     parseTimePtr(r.LastPollAt),
		NextPollAt:     fromMillis(r.NextPollAt),
		Active:         r.Active != 0,
		UpdatedAt:      parseTime(r.UpdatedAt),
	}
	if err := unmarshalJSON(r.Runtime, &state.Runtime); err != nil {
		return nil, sberrors.Wrap(err, "decoding polling runtime")
	}
	return state, nil
}

// SavePollingState creates or updates polling scheduler state.
func (s *Store) SavePollingState(ctx context.Context, state *store.PollingState) error {
	runtime, err := marshalJSON(state.Runtime)
	if err != nil {
		return sberrors.Wrap(err, "encoding polling runtime")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO polling_triggers (trigger_id, organization_id, workflow_id, interval_seconds,
			dedupe_key, partition_id, last_poll_at, next_poll_at, runtime, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trigger_id) DO UPDATE SET
			interval_seconds = excluded.interval_seconds,
			dedupe_key = excluded.dedupe_key,
			partition_id = excluded.partition_id,
			last_poll_at = excluded.last_poll_at,
			next_poll_at = excluded.next_poll_at,
			runtime = excluded.runtime,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		state.TriggerID, state.OrganizationID, state.WorkflowID,
		int64(state.Interval/time.Second), nullString(state.DedupeKey), state.Partition,
		formatTime(state.LastPollAt), millis(state.NextPollAt), runtime,
		boolInt(state.Active), timeText(state.UpdatedAt))
	if err != nil {
		return sberrors.Wrap(err, "saving polling state")
	}
	return nil
}

// GetPollingState retrieves polling state for a trigger.
func (s *Store) GetPollingState(ctx context.Context, triggerID string) (*store.PollingState, error) {
	var row pollingRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM polling_triggers WHERE trigger_id = ?`, triggerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &sberrors.NotFoundError{Resource: "polling state", ID: triggerID}
	}
	if err != nil {
		return nil, sberrors.Wrap(err, "querying polling state")
	}
	return row.toPollingState()
}

// DuePollingTriggers returns active polling states in a partition due
// at or before now, soonest first.
func (s *Store) DuePollingTriggers(ctx context.Context, partition int, now time.Time, limit int) ([]*store.PollingState, error) {
	var rows []pollingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM polling_triggers
		WHERE partition_id = ? AND active = 1 AND next_poll_at <= ?
		ORDER BY next_poll_at LIMIT ?`,
		partition, millis(now), limit)
	if err != nil {
		return nil, sberrors.Wrap(err, "querying due polling triggers")
	}

	states := make([]*store.PollingState, 0, len(rows))
	for i := range rows {
		state, err := rows[i].toPollingState()
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// AcquirePartitionLease claims a scheduler partition. The claim
// succeeds when the partition is unclaimed, already ours, or its lease
// has expired.
func (s *Store) AcquirePartitionLease(ctx context.Context, partition int, owner string, now time.Time, ttl time.Duration) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO poller_leases (partition_id, owner, until) VALUES (?, ?, ?)
		ON CONFLICT(partition_id) DO UPDATE SET
			owner = excluded.owner,
			until = excluded.until
		WHERE poller_leases.owner = excluded.owner OR poller_leases.until < ?`,
		partition, owner, millis(now.Add(ttl)), millis(now))
	if err != nil {
		return false, sberrors.Wrap(err, "acquiring partition lease")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, sberrors.Wrap(err, "checking lease result")
	}
	return affected > 0, nil
}

// ReleasePartitionLease releases a partition lease held by owner.
func (s *Store) ReleasePartitionLease(ctx context.Context, partition int, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM poller_leases WHERE partition_id = ? AND owner = ?`, partition, owner)
	if err != nil {
		return sberrors.Wrap(err, "releasing partition lease")
	}
	return nil
}
