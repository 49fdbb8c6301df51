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

// Package sqlite provides the SQLite storage driver for single-node
// deployments. Timestamps that only describe records are stored as
// RFC3339 text; timestamps the driver compares in SQL (leases, due
// times, windows) are stored as integer unix milliseconds so ordering
// is exact.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.OrganizationStore = (*Store)(nil)
	_ store.QuotaStore        = (*Store)(nil)
	_ store.ConnectionStore   = (*Store)(nil)
	_ store.WorkflowStore     = (*Store)(nil)
	_ store.TriggerStore      = (*Store)(nil)
	_ store.WebhookLogStore   = (*Store)(nil)
	_ store.OutboxStore       = (*Store)(nil)
	_ store.ExecutionStore    = (*Store)(nil)
	_ store.UsageStore        = (*Store)(nil)
	_ store.AuditStore        = (*Store)(nil)
	_ store.Store             = (*Store)(nil)
)

// Store is the SQLite storage driver.
type Store struct {
	db *sqlx.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// database.
	Path string

	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration

	// MaxOpenConns caps open connections. SQLite serializes writes, so
	// keep this low.
	MaxOpenConns int

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int
}

// New opens the database, configures pragmas and runs migrations.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, &sberrors.ConfigError{Key: "store.sqlite.path", Reason: "path is required"}
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, sberrors.Wrap(err, "creating database directory")
		}
	}

	db, err := sqlx.Connect("sqlite", cfg.Path)
	if err != nil {
		return nil, sberrors.Wrap(err, "opening database")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 4
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	s := &Store{db: db}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.configurePragmas(ctx, cfg.BusyTimeout); err != nil {
		db.Close()
		return nil, sberrors.Wrap(err, "configuring pragmas")
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, sberrors.Wrap(err, "running migrations")
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, busyTimeout time.Duration) error {
	if busyTimeout == 0 {
		busyTimeout = 5 * time.Second
	}

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("executing %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate creates the schema.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			plan TEXT NOT NULL,
			region TEXT NOT NULL,
			status TEXT NOT NULL,
			feature_flags TEXT,
			security TEXT,
			compliance TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS organization_members (
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (organization_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_members_user ON organization_members(user_id)`,
		`CREATE TABLE IF NOT EXISTS organization_role_assignments (
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			scope TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (organization_id, user_id, scope)
		)`,
		`CREATE TABLE IF NOT EXISTS organization_quotas (
			organization_id TEXT PRIMARY KEY,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			limits TEXT NOT NULL,
			usage_workflows INTEGER NOT NULL DEFAULT 0,
			usage_month INTEGER NOT NULL DEFAULT 0,
			usage_concurrent INTEGER NOT NULL DEFAULT 0,
			usage_window INTEGER NOT NULL DEFAULT 0,
			usage_storage INTEGER NOT NULL DEFAULT 0,
			usage_users INTEGER NOT NULL DEFAULT 0,
			window_start INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			user_id TEXT,
			connector_id TEXT NOT NULL,
			name TEXT,
			ciphertext BLOB,
			metadata TEXT,
			additional_config TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_org ON connections(organization_id, connector_id)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			user_id TEXT,
			name TEXT NOT NULL,
			graph TEXT NOT NULL,
			variables TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_org ON workflows(organization_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_triggers (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			user_id TEXT,
			node_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			app_id TEXT,
			trigger_id TEXT,
			connection_id TEXT,
			secret TEXT,
			provider TEXT,
			metadata TEXT,
			dedupe_state TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_workflow ON workflow_triggers(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_kind ON workflow_triggers(kind, active)`,
		`CREATE TABLE IF NOT EXISTS polling_triggers (
			trigger_id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			interval_seconds INTEGER NOT NULL,
			dedupe_key TEXT,
			partition_id INTEGER NOT NULL DEFAULT 0,
			last_poll_at TEXT,
			next_poll_at INTEGER NOT NULL,
			runtime TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_polling_due ON polling_triggers(partition_id, active, next_poll_at)`,
		`CREATE TABLE IF NOT EXISTS poller_leases (
			partition_id INTEGER PRIMARY KEY,
			owner TEXT NOT NULL,
			until INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_logs (
			id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL,
			organization_id TEXT,
			provider TEXT,
			event_hash TEXT,
			status TEXT NOT NULL,
			reason TEXT,
			received_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_logs_hook ON webhook_logs(webhook_id, received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_logs_received ON webhook_logs(received_at)`,
		`CREATE TABLE IF NOT EXISTS webhook_outbox (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			trigger_id TEXT,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL,
			claimed_until INTEGER,
			last_error TEXT,
			created_at TEXT NOT NULL,
			last_attempt_at TEXT,
			dispatched_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due ON webhook_outbox(status, next_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			user_id TEXT,
			trigger_type TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			durability TEXT,
			lease_owner TEXT,
			lease_until INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_org ON executions(organization_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE TABLE IF NOT EXISTS execution_nodes (
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			result TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (execution_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_tracking (
			organization_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			year INTEGER NOT NULL,
			month INTEGER NOT NULL,
			api_calls INTEGER NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			workflow_runs INTEGER NOT NULL DEFAULT 0,
			storage_used INTEGER NOT NULL DEFAULT 0,
			estimated_cost_cents INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (organization_id, user_id, year, month)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			organization_id TEXT,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			subject TEXT,
			detail TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_org ON audit_log(organization_id, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Helper functions

// timeText formats a time as RFC3339Nano UTC for text columns.
func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatTime converts a *time.Time to RFC3339Nano text or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeText(*t)
}

// parseTime parses an RFC3339 text column leniently.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// parseTimePtr parses a nullable text column into a *time.Time.
func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// millis converts a time to unix milliseconds for integer columns.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts unix milliseconds back to a UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullString returns nil if the string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON serializes a value for a JSON text column. Nil maps
// serialize to nil so the column stays NULL.
func marshalJSON(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case map[string]bool:
		if val == nil {
			return nil, nil
		}
	case map[string]string:
		if val == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// unmarshalJSON deserializes a nullable JSON text column into dst.
func unmarshalJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
