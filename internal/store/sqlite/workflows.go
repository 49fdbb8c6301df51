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

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

type workflowRow struct {
	ID             string         `db:"id"`
	OrganizationID string         `db:"organization_id"`
	UserID         sql.NullString `db:"user_id"`
	Name           string         `db:"name"`
	Graph          string         `db:"graph"`
	Variables      sql.NullString `db:"variables"`
	Active         int            `db:"active"`
	Version        int            `db:"version"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (r *workflowRow) toWorkflow() (*store.Workflow, error) {
	wf := &store.Workflow{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		UserID:         r.UserID.String,
		Name:           r.Name,
		Graph:          json.RawMessage(r.Graph),
		Active:         r.Active != 0,
		Version:        r.Version,
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
	}
	if err := unmarshalJSON(r.Variables, &wf.Variables); err != nil {
		return nil, sberrors.Wrap(err, "decoding workflow variables")
	}
	return wf, nil
}

// SaveWorkflow creates or updates a workflow document. Updates bump
// the stored version; wf.Version reflects the stored value on return.
func (s *Store) SaveWorkflow(ctx context.Context, wf *store.Workflow) error {
	variables, err := marshalJSON(wf.Variables)
	if err != nil {
		return sberrors.Wrap(err, "encoding workflow variables")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sberrors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	var version int
	err = tx.GetContext(ctx, &version, `SELECT version FROM workflows WHERE id = ?`, wf.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflows (id, organization_id, user_id, name, graph, variables, active, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			wf.ID, wf.OrganizationID, nullString(wf.UserID), wf.Name, string(wf.Graph),
			variables, boolInt(wf.Active), timeText(wf.CreatedAt), timeText(wf.UpdatedAt)); err != nil {
			return sberrors.Wrap(err, "inserting workflow")
		}
		wf.Version = 1
	case err != nil:
		return sberrors.Wrap(err, "querying workflow version")
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflows
			SET name = ?, graph = ?, variables = ?, active = ?, version = ?, updated_at = ?
			WHERE id = ?`,
			wf.Name, string(wf.Graph), variables, boolInt(wf.Active),
			version+1, timeText(wf.UpdatedAt), wf.ID); err != nil {
			return sberrors.Wrap(err, "updating workflow")
		}
		wf.Version = version + 1
	}

	if err := tx.Commit(); err != nil {
		return sberrors.Wrap(err, "committing transaction")
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workflows WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &sberrors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, sberrors.Wrap(err, "querying workflow")
	}
	return row.toWorkflow()
}

// ListWorkflows lists an organization's workflows.
func (s *Store) ListWorkflows(ctx context.Context, orgID string) ([]*store.Workflow, error) {
	var rows []workflowRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM workflows WHERE organization_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, sberrors.Wrap(err, "listing workflows")
	}

	workflows := make([]*store.Workflow, 0, len(rows))
	for i := range rows {
		wf, err := rows[i].toWorkflow()
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// DeleteWorkflow removes a workflow together with its trigger
// registrations and polling state.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return sberrors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return sberrors.Wrap(err, "deleting workflow")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking delete result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "workflow", ID: id}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM polling_triggers WHERE workflow_id = ?`, id); err != nil {
		return sberrors.Wrap(err, "deleting polling state")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_triggers WHERE workflow_id = ?`, id); err != nil {
		return sberrors.Wrap(err, "deleting triggers")
	}

	if err := tx.Commit(); err != nil {
		return sberrors.Wrap(err, "committing transaction")
	}
	return nil
}

type connectionRow struct {
	ID               string         `db:"id"`
	OrganizationID   string         `db:"organization_id"`
	UserID           sql.NullString `db:"user_id"`
	ConnectorID      string         `db:"connector_id"`
	Name             sql.NullString `db:"name"`
	Ciphertext       []byte         `db:"ciphertext"`
	Metadata         sql.NullString `db:"metadata"`
	AdditionalConfig sql.NullString `db:"additional_config"`
	Status           string         `db:"status"`
	CreatedAt        string         `db:"created_at"`
	UpdatedAt        string         `db:"updated_at"`
}

func (r *connectionRow) toConnection() (*store.Connection, error) {
	conn := &store.Connection{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		UserID:         r.UserID.String,
		ConnectorID:    r.ConnectorID,
		Name:           r.Name.String,
		Ciphertext:     r.Ciphertext,
		Status:         r.Status,
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
	}
	if err := unmarshalJSON(r.Metadata, &conn.Metadata); err != nil {
		return nil, sberrors.Wrap(err, "decoding connection metadata")
	}
	if err := unmarshalJSON(r.AdditionalConfig, &conn.AdditionalConfig); err != nil {
		return nil, sberrors.Wrap(err, "decoding connection config")
	}
	return conn, nil
}

// CreateConnection stores a new connection.
func (s *Store) CreateConnection(ctx context.Context, conn *store.Connection) error {
	metadata, err := marshalJSON(conn.Metadata)
	if err != nil {
		return sberrors.Wrap(err, "encoding connection metadata")
	}
	config, err := marshalJSON(conn.AdditionalConfig)
	if err != nil {
		return sberrors.Wrap(err, "encoding connection config")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (id, organization_id, user_id, connector_id, name, ciphertext, metadata, additional_config, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.OrganizationID, nullString(conn.UserID), conn.ConnectorID,
		nullString(conn.Name), conn.Ciphertext, metadata, config, conn.Status,
		timeText(conn.CreatedAt), timeText(conn.UpdatedAt))
	if err != nil {
		return sberrors.Wrap(err, "creating connection")
	}
	return nil
}

// GetConnection retrieves a connection scoped to an organization.
func (s *Store) GetConnection(ctx context.Context, orgID, id string) (*store.Connection, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM connections WHERE organization_id = ? AND id = ?`, orgID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &sberrors.NotFoundError{Resource: "connection", ID: id}
	}
	if err != nil {
		return nil, sberrors.Wrap(err, "querying connection")
	}
	return row.toConnection()
}

// ListConnections lists an organization's connections, optionally
// filtered by connector.
func (s *Store) ListConnections(ctx context.Context, orgID, connectorID string) ([]*store.Connection, error) {
	query := `SELECT * FROM connections WHERE organization_id = ?`
	args := []any{orgID}
	if connectorID != "" {
		query += ` AND connector_id = ?`
		args = append(args, connectorID)
	}
	query += ` ORDER BY created_at DESC`

	var rows []connectionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sberrors.Wrap(err, "listing connections")
	}

	conns := make([]*store.Connection, 0, len(rows))
	for i := range rows {
		conn, err := rows[i].toConnection()
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// UpdateConnection updates an existing connection.
func (s *Store) UpdateConnection(ctx context.Context, conn *store.Connection) error {
	metadata, err := marshalJSON(conn.Metadata)
	if err != nil {
		return sberrors.Wrap(err, "encoding connection metadata")
	}
	config, err := marshalJSON(conn.AdditionalConfig)
	if err != nil {
		return sberrors.Wrap(err, "encoding connection config")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET name = ?, ciphertext = ?, metadata = ?, additional_config = ?, status = ?, updated_at = ?
		WHERE organization_id = ? AND id = ?`,
		nullString(conn.Name), conn.Ciphertext, metadata, config, conn.Status,
		timeText(conn.UpdatedAt), conn.OrganizationID, conn.ID)
	if err != nil {
		return sberrors.Wrap(err, "updating connection")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking update result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "connection", ID: conn.ID}
	}
	return nil
}

// DeleteConnection removes a connection.
func (s *Store) DeleteConnection(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE organization_id = ? AND id = ?`, orgID, id)
	if err != nil {
		return sberrors.Wrap(err, "deleting connection")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sberrors.Wrap(err, "checking delete result")
	}
	if affected == 0 {
		return &sberrors.NotFoundError{Resource: "connection", ID: id}
	}
	return nil
}
