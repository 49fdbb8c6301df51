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

package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

// Ingestion outcomes, also the webhook log statuses.
const (
	StatusAccepted  = store.WebhookAccepted
	StatusDuplicate = store.WebhookDuplicate
	StatusFiltered  = store.WebhookFiltered
	StatusRejected  = store.WebhookRejected
)

// Store is the persistence surface ingestion needs.
type Store interface {
	GetTrigger(ctx context.Context, id string) (*store.Trigger, error)
	SaveDedupeState(ctx context.Context, triggerID string, tokens []string) error
	AppendWebhookLog(ctx context.Context, entry *store.WebhookLog) error
	AppendOutbox(ctx context.Context, rec *store.OutboxRecord) error
}

// Recorder receives ingestion telemetry. The tracing collector
// satisfies this.
type Recorder interface {
	RecordWebhookEvent(ctx context.Context, provider, status string)
}

// Result is the outcome of one delivery.
type Result struct {
	// Status is accepted, duplicate, filtered, or rejected.
	Status string

	// HTTPStatus is what the public endpoint should return. Duplicates
	// and filtered deliveries answer 200 so providers do not retry.
	HTTPStatus int

	// Reason is set for rejected deliveries.
	Reason Reason

	// EventHash identifies the delivery once computed.
	EventHash string

	// OutboxID is the appended outbox record for accepted deliveries.
	OutboxID string
}

// Service runs the ingestion flow for one delivery: trigger lookup,
// signature verification, metadata filtering, dedupe, outbox append.
type Service struct {
	store    Store
	verifier *Verifier
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRecorder wires ingestion telemetry.
func WithRecorder(rec Recorder) ServiceOption {
	return func(s *Service) { s.recorder = rec }
}

// WithServiceClock overrides the service clock.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService builds the ingestion service.
func NewService(st Store, verifier *Verifier, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:    st,
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest processes one webhook delivery. The body must be the raw
// request bytes; r supplies headers and URL for signature schemes that
// sign them. Ingest never returns an error for delivery-level
// failures; those are reported in the Result. An error means the
// persistence layer failed mid-flow.
func (s *Service) Ingest(ctx context.Context, webhookID string, r *http.Request, body []byte) (*Result, error) {
	logger := s.logger.With(slog.String(log.WebhookIDKey, webhookID))

	trig, err := s.store.GetTrigger(ctx, webhookID)
	if err != nil {
		var nf *sberrors.NotFoundError
		if !sberrors.As(err, &nf) {
			return nil, err
		}
		trig = nil
	}
	if trig == nil || trig.Kind != store.TriggerKindWebhook || !trig.Active {
		// Unknown, deleted, and deactivated listeners answer alike so
		// the endpoint does not disclose which ids exist.
		logger.Debug("delivery for unknown or inactive webhook")
		return &Result{Status: StatusRejected, HTTPStatus: http.StatusNotFound}, nil
	}
	logger = logger.With(
		slog.String(log.OrgIDKey, trig.OrganizationID),
		slog.String(log.WorkflowIDKey, trig.WorkflowID),
		slog.String("provider", trig.Provider),
	)

	if verdict := s.verifier.Verify(r, body, trig.Provider, trig.Secret); !verdict.OK {
		logger.Warn("webhook signature rejected",
			slog.String("reason", string(verdict.Reason)),
			slog.String("detail", verdict.Detail))
		res := &Result{Status: StatusRejected, HTTPStatus: http.StatusUnauthorized, Reason: verdict.Reason}
		s.finish(ctx, trig, res)
		return res, nil
	}

	payload := parsePayload(body)

	filters, err := ParseFilters(trig.Metadata)
	if err != nil {
		logger.Error("webhook filters are malformed", log.Error(err))
		res := &Result{Status: StatusRejected, HTTPStatus: http.StatusInternalServerError, Reason: ReasonInternalError}
		s.finish(ctx, trig, res)
		return res, nil
	}
	eventHash := EventHash(trig.WorkflowID, webhookID, trig.TriggerID, eventSource(trig), payload, body)

	if len(filters) > 0 && !MatchFilters(filters, payload) {
		logger.Debug("delivery filtered", slog.String("event_hash", eventHash))
		res := &Result{Status: StatusFiltered, HTTPStatus: http.StatusOK, EventHash: eventHash}
		s.finish(ctx, trig, res)
		return res, nil
	}

	if RingContains(trig.DedupeTokens, eventHash) {
		logger.Debug("duplicate delivery dropped", slog.String("event_hash", eventHash))
		res := &Result{Status: StatusDuplicate, HTTPStatus: http.StatusOK, EventHash: eventHash}
		s.finish(ctx, trig, res)
		return res, nil
	}
	tokens := RingAppend(trig.DedupeTokens, eventHash, DedupeRingCapacity)
	if err := s.store.SaveDedupeState(ctx, trig.ID, tokens); err != nil {
		return nil, err
	}

	outboxID, err := s.appendOutbox(ctx, trig, payload, r, eventHash)
	if err != nil {
		return nil, err
	}

	logger.Info("webhook delivery accepted",
		slog.String("event_hash", eventHash),
		slog.String("outbox_id", outboxID))
	res := &Result{
		Status:     StatusAccepted,
		HTTPStatus: http.StatusAccepted,
		EventHash:  eventHash,
		OutboxID:   outboxID,
	}
	s.finish(ctx, trig, res)
	return res, nil
}

// finish records the delivery log entry and telemetry. Both are
// best-effort: a log write failure must not turn a processed delivery
// into a provider-visible error.
func (s *Service) finish(ctx context.Context, trig *store.Trigger, res *Result) {
	entry := &store.WebhookLog{
		ID:             uuid.NewString(),
		WebhookID:      trig.ID,
		OrganizationID: trig.OrganizationID,
		Provider:       trig.Provider,
		EventHash:      res.EventHash,
		Status:         res.Status,
		Reason:         string(res.Reason),
		ReceivedAt:     s.now().UTC(),
	}
	if err := s.store.AppendWebhookLog(ctx, entry); err != nil {
		s.logger.Warn("appending webhook log failed",
			slog.String(log.WebhookIDKey, trig.ID), log.Error(err))
	}
	if s.recorder != nil {
		s.recorder.RecordWebhookEvent(ctx, trig.Provider, res.Status)
	}
}

func (s *Service) appendOutbox(ctx context.Context, trig *store.Trigger, payload map[string]any, r *http.Request, eventHash string) (string, error) {
	now := s.now().UTC()
	runReq := &queue.RunRequest{
		WorkflowID:     trig.WorkflowID,
		OrganizationID: trig.OrganizationID,
		UserID:         trig.UserID,
		TriggerType:    workflow.TriggerWebhook,
		TriggerData: queue.TriggerData{
			AppID:       trig.AppID,
			TriggerID:   trig.TriggerID,
			Payload:     payload,
			Headers:     sanitizeHeaders(r.Header),
			DedupeToken: eventHash,
			Timestamp:   now.Format(time.RFC3339),
			Source:      eventSource(trig),
		},
	}
	encoded, err := runReq.Encode()
	if err != nil {
		return "", err
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
		return "", err
	}
	return rec.ID, nil
}

// parsePayload parses the body as a JSON object. Arrays and non-JSON
// bodies are wrapped so downstream consumers always see an object.
func parsePayload(body []byte) map[string]any {
	if len(body) == 0 {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		return obj
	}
	var arr []any
	if err := json.Unmarshal(body, &arr); err == nil {
		return map[string]any{"items": arr}
	}
	return map[string]any{"raw": string(body)}
}

// eventSource names the producer recorded in hashes and run requests.
func eventSource(trig *store.Trigger) string {
	if trig.Provider != "" {
		return trig.Provider
	}
	if trig.AppID != "" {
		return trig.AppID
	}
	return "webhook"
}

// sensitiveHeaders never reach persisted trigger data: token-equality
// providers put the shared secret itself in these.
var sensitiveHeaders = map[string]bool{
	"Authorization":      true,
	"Cookie":             true,
	"X-Gitlab-Token":     true,
	"Validation-Token":   true,
	"Verification-Token": true,
}

func sanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if sensitiveHeaders[http.CanonicalHeaderKey(name)] || len(values) == 0 {
			continue
		}
		out[name] = values[0]
	}
	return out
}
