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

// Package audit records administrative actions to the append-only audit
// log. Entries are best-effort on the write path: a failed append is
// logged and never fails the action that produced it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Actions recorded by the platform.
const (
	ActionWorkflowCreated    = "workflow.created"
	ActionWorkflowUpdated    = "workflow.updated"
	ActionWorkflowDeleted    = "workflow.deleted"
	ActionWorkflowActivated  = "workflow.activated"
	ActionWorkflowSuspended  = "workflow.suspended"
	ActionConnectionCreated  = "connection.created"
	ActionConnectionRevoked  = "connection.revoked"
	ActionTriggerRegistered  = "trigger.registered"
	ActionTriggerRemoved     = "trigger.removed"
	ActionExecutionCancelled = "execution.cancelled"
	ActionQuotaUpdated       = "quota.updated"
	ActionPlanChanged        = "plan.changed"
	ActionMemberAdded        = "member.added"
	ActionMemberRemoved      = "member.removed"
	ActionSecretRotated      = "secret.rotated"
)

// Service writes and reads the audit log.
type Service struct {
	store  store.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the audit service.
func NewService(st store.AuditStore, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithComponent(logger, "audit"),
		now:    time.Now,
	}
}

// Record appends one entry. Append failures are logged, not returned:
// audit must never veto the action it describes.
func (s *Service) Record(ctx context.Context, orgID, actor, action, subject string, detail map[string]any) {
	entry := &store.AuditEntry{
		OrganizationID: orgID,
		Actor:          actor,
		Action:         action,
		Subject:        subject,
		Detail:         detail,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Error("audit append failed",
			slog.String(log.OrgIDKey, orgID),
			slog.String("action", action),
			log.Error(err))
	}
}

// List returns entries matching the filter, newest first. Organization
// scope is mandatory: the audit log is tenant data.
func (s *Service) List(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	if filter.OrganizationID == "" {
		return nil, &sberrors.ValidationError{
			Field:   "organizationId",
			Message: "audit listings require an organization scope",
		}
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.store.ListAudit(ctx, filter)
}
