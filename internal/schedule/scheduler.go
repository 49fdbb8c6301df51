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

// Package schedule runs cron-expression triggers. Each active scheduled
// trigger registration owns one cron entry; on fire the scheduler
// appends a run request to the trigger outbox, so scheduled runs ride
// the same durable dispatch path as webhook and polling events.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

// MetadataCronKey is the trigger metadata field holding the cron
// expression.
const MetadataCronKey = "cron"

// syncInterval is how often the scheduler reconciles its cron entries
// against the trigger store.
const syncInterval = time.Minute

// parser accepts standard 5-field expressions plus @descriptors
// (@hourly, @daily, @every 10m, ...).
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateExpression checks a cron expression without registering it.
func ValidateExpression(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return &sberrors.ValidationError{
			Field:      "cron",
			Message:    fmt.Sprintf("invalid cron expression %q: %v", expr, err),
			Suggestion: "use 5-field cron syntax or a descriptor like @hourly",
		}
	}
	return nil
}

// Store is the persistence surface the scheduler needs.
type Store interface {
	ListScheduledTriggers(ctx context.Context) ([]*store.Trigger, error)
	AppendOutbox(ctx context.Context, rec *store.OutboxRecord) error
}

// Scheduler drives scheduled triggers.
type Scheduler struct {
	store  Store
	logger *slog.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
	exprs   map[string]string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the outbox timestamp clock. Cron firing times
// always follow the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds the scheduler. Entries fire in UTC.
func New(st Store, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   st,
		logger:  log.WithComponent(logger, "schedule"),
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		now:     time.Now,
		entries: make(map[string]cron.EntryID),
		exprs:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds or replaces the cron entry for one scheduled trigger.
func (s *Scheduler) Register(trig *store.Trigger) error {
	if trig.Kind != store.TriggerKindScheduled {
		return &sberrors.ValidationError{Field: "kind", Message: "trigger is not a scheduled trigger"}
	}
	expr, _ := trig.Metadata[MetadataCronKey].(string)
	if expr == "" {
		return &sberrors.ValidationError{
			Field:      "metadata.cron",
			Message:    "scheduled trigger has no cron expression",
			Suggestion: "set metadata.cron on the trigger node",
		}
	}

	// Copy what the job closure needs; the caller may mutate trig.
	captured := *trig

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[trig.ID]; ok {
		if s.exprs[trig.ID] == expr {
			return nil
		}
		s.cron.Remove(old)
	}
	id, err := s.cron.AddFunc(expr, func() { s.fire(&captured) })
	if err != nil {
		return &sberrors.ValidationError{
			Field:   "metadata.cron",
			Message: fmt.Sprintf("invalid cron expression %q: %v", expr, err),
		}
	}
	s.entries[trig.ID] = id
	s.exprs[trig.ID] = expr
	s.logger.Info("scheduled trigger registered",
		slog.String("trigger_id", trig.ID),
		slog.String(log.WorkflowIDKey, trig.WorkflowID),
		slog.String("cron", expr))
	return nil
}

// Remove drops the cron entry for a trigger, if any.
func (s *Scheduler) Remove(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[triggerID]; ok {
		s.cron.Remove(id)
		delete(s.entries, triggerID)
		delete(s.exprs, triggerID)
	}
}

// Len reports the number of registered entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sync reconciles cron entries against the trigger store: new active
// scheduled triggers are registered, removed or deactivated ones are
// dropped. Registration failures are logged per trigger and do not
// abort the sweep.
func (s *Scheduler) Sync(ctx context.Context) error {
	triggers, err := s.store.ListScheduledTriggers(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(triggers))
	for _, trig := range triggers {
		seen[trig.ID] = true
		if err := s.Register(trig); err != nil {
			s.logger.Warn("skipping scheduled trigger",
				slog.String("trigger_id", trig.ID),
				log.Error(err))
		}
	}

	s.mu.Lock()
	var stale []string
	for id := range s.entries {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Remove(id)
	}
	return nil
}

// Run loads registrations, starts the cron loop and reconciles against
// the store every minute until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Error("scheduled trigger sync failed", log.Error(err))
			}
		}
	}
}

// fire appends one run request to the outbox.
func (s *Scheduler) fire(trig *store.Trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := s.now().UTC()

	runReq := &queue.RunRequest{
		WorkflowID:     trig.WorkflowID,
		OrganizationID: trig.OrganizationID,
		UserID:         trig.UserID,
		TriggerType:    workflow.TriggerScheduled,
		TriggerData: queue.TriggerData{
			TriggerID: trig.TriggerID,
			Payload:   map[string]any{"firedAt": now.Format(time.RFC3339)},
			Timestamp: now.Format(time.RFC3339),
			Source:    "schedule",
		},
	}
	encoded, err := runReq.Encode()
	if err != nil {
		s.logger.Error("encoding scheduled run request failed",
			slog.String("trigger_id", trig.ID), log.Error(err))
		return
	}
	rec := &store.OutboxRecord{
		ID:             uuid.NewString(),
		OrganizationID: trig.OrganizationID,
		WorkflowID:     trig.WorkflowID,
		TriggerID:      trig.ID,
		Payload:        encoded,
		Status:         store.OutboxPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}
	if err := s.store.AppendOutbox(ctx, rec); err != nil {
		s.logger.Error("appending scheduled run to outbox failed",
			slog.String("trigger_id", trig.ID),
			slog.String(log.WorkflowIDKey, trig.WorkflowID),
			log.Error(err))
		return
	}
	s.logger.Debug("scheduled trigger fired",
		slog.String("trigger_id", trig.ID),
		slog.String(log.WorkflowIDKey, trig.WorkflowID))
}
