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
	"crypto/sha256"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

type fakeIngestStore struct {
	triggers map[string]*store.Trigger
	logs     []*store.WebhookLog
	outbox   []*store.OutboxRecord
	dedupe   map[string][]string
}

func newFakeIngestStore() *fakeIngestStore {
	return &fakeIngestStore{
		triggers: map[string]*store.Trigger{},
		dedupe:   map[string][]string{},
	}
}

func (f *fakeIngestStore) GetTrigger(_ context.Context, id string) (*store.Trigger, error) {
	trig, found := f.triggers[id]
	if !found {
		return nil, &sberrors.NotFoundError{Resource: "trigger", ID: id}
	}
	return trig, nil
}

func (f *fakeIngestStore) SaveDedupeState(_ context.Context, triggerID string, tokens []string) error {
	f.dedupe[triggerID] = tokens
	if trig, found := f.triggers[triggerID]; found {
		trig.DedupeTokens = tokens
	}
	return nil
}

func (f *fakeIngestStore) AppendWebhookLog(_ context.Context, entry *store.WebhookLog) error {
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeIngestStore) AppendOutbox(_ context.Context, rec *store.OutboxRecord) error {
	f.outbox = append(f.outbox, rec)
	return nil
}

func slackTrigger(secret string) *store.Trigger {
	return &store.Trigger{
		ID:             "wh-1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		NodeID:         "n-trigger",
		Kind:           store.TriggerKindWebhook,
		AppID:          "slack",
		TriggerID:      "messageReceived",
		Provider:       "slack",
		Secret:         secret,
		Active:         true,
	}
}

func signedSlackRequest(t *testing.T, secret, body string, ts int64) *http.Request {
	t.Helper()
	r := httptest.NewRequest("POST", "/api/webhooks/wh-1", strings.NewReader(body))
	tsRaw := strconv.FormatInt(ts, 10)
	r.Header.Set("X-Slack-Request-Timestamp", tsRaw)
	r.Header.Set("X-Slack-Signature", "v0="+hmacHex(sha256.New, secret, "v0:"+tsRaw+":"+body))
	return r
}

func newIngestService(st *fakeIngestStore, now int64) *Service {
	verifier := NewVerifier(WithVerifierClock(func() time.Time { return time.Unix(now, 0) }))
	return NewService(st, verifier, slog.New(slog.DiscardHandler),
		WithServiceClock(func() time.Time { return time.Unix(now, 0) }))
}

func TestIngestAcceptedDelivery(t *testing.T) {
	st := newFakeIngestStore()
	st.triggers["wh-1"] = slackTrigger("secret")
	svc := newIngestService(st, 1700000100)

	body := `{"challenge":"abc"}`
	res, err := svc.Ingest(context.Background(), "wh-1", signedSlackRequest(t, "secret", body, 1700000000), []byte(body))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Status != StatusAccepted || res.HTTPStatus != http.StatusAccepted {
		t.Fatalf("Ingest() = %+v, want accepted/202", res)
	}
	if len(st.outbox) != 1 {
		t.Fatalf("outbox has %d records, want 1", len(st.outbox))
	}

	rec := st.outbox[0]
	if rec.Status != store.OutboxPending {
		t.Errorf("outbox status = %q", rec.Status)
	}
	req, err := queue.DecodeRunRequest(rec.Payload)
	if err != nil {
		t.Fatalf("DecodeRunRequest() error = %v", err)
	}
	if req.WorkflowID != "wf-1" || req.OrganizationID != "org-1" {
		t.Errorf("run request routing = %s/%s", req.WorkflowID, req.OrganizationID)
	}
	if req.TriggerType != "webhook" {
		t.Errorf("triggerType = %q", req.TriggerType)
	}
	if req.TriggerData.Payload["challenge"] != "abc" {
		t.Errorf("payload = %v", req.TriggerData.Payload)
	}
	if req.TriggerData.DedupeToken != res.EventHash {
		t.Errorf("dedupeToken = %q, eventHash = %q", req.TriggerData.DedupeToken, res.EventHash)
	}
	if req.TriggerData.Source != "slack" {
		t.Errorf("source = %q", req.TriggerData.Source)
	}

	if len(st.logs) != 1 || st.logs[0].Status != StatusAccepted {
		t.Errorf("webhook log = %+v", st.logs)
	}
}

func TestIngestDuplicateDropped(t *testing.T) {
	st := newFakeIngestStore()
	st.triggers["wh-1"] = slackTrigger("secret")
	svc := newIngestService(st, 1700000100)

	body := `{"challenge":"abc"}`
	r := signedSlackRequest(t, "secret", body, 1700000000)

	first, err := svc.Ingest(context.Background(), "wh-1", r, []byte(body))
	if err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}
	second, err := svc.Ingest(context.Background(), "wh-1", r, []byte(body))
	if err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}

	if second.Status != StatusDuplicate || second.HTTPStatus != http.StatusOK {
		t.Fatalf("second Ingest() = %+v, want duplicate/200", second)
	}
	if second.EventHash != first.EventHash {
		t.Errorf("event hashes differ: %q vs %q", first.EventHash, second.EventHash)
	}
	if len(st.outbox) != 1 {
		t.Errorf("outbox has %d records after duplicate, want 1", len(st.outbox))
	}
}

func TestIngestEquivalentBodiesShareHash(t *testing.T) {
	// Same JSON with different key order and whitespace must dedupe,
	// even though the signatures differ (each covers its own bytes).
	st := newFakeIngestStore()
	st.triggers["wh-1"] = slackTrigger("secret")
	svc := newIngestService(st, 1700000100)

	bodyA := `{"a":1,"b":2}`
	bodyB := `{"b": 2, "a": 1}`

	resA, err := svc.Ingest(context.Background(), "wh-1", signedSlackRequest(t, "secret", bodyA, 1700000000), []byte(bodyA))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	resB, err := svc.Ingest(context.Background(), "wh-1", signedSlackRequest(t, "secret", bodyB, 1700000000), []byte(bodyB))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if resA.EventHash != resB.EventHash {
		t.Errorf("hashes differ for equivalent payloads: %q vs %q", resA.EventHash, resB.EventHash)
	}
	if resB.Status != StatusDuplicate {
		t.Errorf("second delivery = %q, want duplicate", resB.Status)
	}
	if len(st.outbox) != 1 {
		t.Errorf("outbox has %d records, want 1", len(st.outbox))
	}
}

func TestIngestFilteredNotForwarded(t *testing.T) {
	st := newFakeIngestStore()
	trig := slackTrigger("secret")
	trig.Metadata = map[string]any{
		"filters": map[string]any{"event.type": "order.created"},
	}
	st.triggers["wh-1"] = trig
	svc := newIngestService(st, 1700000100)

	body := `{"event":{"type":"order.updated"}}`
	res, err := svc.Ingest(context.Background(), "wh-1", signedSlackRequest(t, "secret", body, 1700000000), []byte(body))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Status != StatusFiltered || res.HTTPStatus != http.StatusOK {
		t.Fatalf("Ingest() = %+v, want filtered/200", res)
	}
	if len(st.outbox) != 0 {
		t.Errorf("outbox has %d records for filtered delivery, want 0", len(st.outbox))
	}

	// A matching payload goes through.
	body = `{"event":{"type":"order.created"}}`
	res, err = svc.Ingest(context.Background(), "wh-1", signedSlackRequest(t, "secret", body, 1700000000), []byte(body))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Status != StatusAccepted {
		t.Fatalf("matching Ingest() = %+v, want accepted", res)
	}
	if len(st.outbox) != 1 {
		t.Errorf("outbox has %d records, want 1", len(st.outbox))
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	st := newFakeIngestStore()
	st.triggers["wh-1"] = slackTrigger("secret")
	svc := newIngestService(st, 1700000100)

	body := `{"challenge":"abc"}`
	r := signedSlackRequest(t, "wrong-secret", body, 1700000000)
	res, err := svc.Ingest(context.Background(), "wh-1", r, []byte(body))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Status != StatusRejected || res.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("Ingest() = %+v, want rejected/401", res)
	}
	if res.Reason != ReasonSignatureMismatch {
		t.Errorf("Reason = %q", res.Reason)
	}
	if len(st.outbox) != 0 {
		t.Errorf("outbox has %d records, want 0", len(st.outbox))
	}
	if len(st.logs) != 1 || st.logs[0].Status != StatusRejected {
		t.Errorf("webhook log = %+v", st.logs)
	}
}

func TestIngestUnknownAndInactiveWebhooks(t *testing.T) {
	st := newFakeIngestStore()
	inactive := slackTrigger("secret")
	inactive.ID = "wh-off"
	inactive.Active = false
	st.triggers["wh-off"] = inactive
	svc := newIngestService(st, 1700000100)

	for _, id := range []string{"wh-missing", "wh-off"} {
		r := httptest.NewRequest("POST", "/api/webhooks/"+id, nil)
		res, err := svc.Ingest(context.Background(), id, r, nil)
		if err != nil {
			t.Fatalf("Ingest(%s) error = %v", id, err)
		}
		if res.HTTPStatus != http.StatusNotFound {
			t.Errorf("Ingest(%s) status = %d, want 404", id, res.HTTPStatus)
		}
	}
}

func TestIngestDedupeRingBounded(t *testing.T) {
	st := newFakeIngestStore()
	trig := slackTrigger("secret")
	for i := 0; i < DedupeRingCapacity; i++ {
		trig.DedupeTokens = append(trig.DedupeTokens, "old-"+strconv.Itoa(i))
	}
	st.triggers["wh-1"] = trig
	svc := newIngestService(st, 1700000100)

	body := `{"challenge":"abc"}`
	if _, err := svc.Ingest(context.Background(), "wh-1", signedSlackRequest(t, "secret", body, 1700000000), []byte(body)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	tokens := st.dedupe["wh-1"]
	if len(tokens) != DedupeRingCapacity {
		t.Fatalf("ring size = %d, want %d", len(tokens), DedupeRingCapacity)
	}
	if tokens[0] != "old-1" {
		t.Errorf("oldest surviving token = %q, want old-1 (FIFO eviction)", tokens[0])
	}
	if RingContains(tokens, "old-0") {
		t.Error("old-0 still in ring, want evicted")
	}
}

func TestIngestSecretNeverPersisted(t *testing.T) {
	st := newFakeIngestStore()
	trig := slackTrigger("secret")
	trig.Provider = "gitlab"
	st.triggers["wh-1"] = trig
	svc := newIngestService(st, 1700000100)

	r := httptest.NewRequest("POST", "/api/webhooks/wh-1", strings.NewReader(`{}`))
	r.Header.Set("X-Gitlab-Token", "secret")
	res, err := svc.Ingest(context.Background(), "wh-1", r, []byte(`{}`))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Status != StatusAccepted {
		t.Fatalf("Ingest() = %+v, want accepted", res)
	}

	req, err := queue.DecodeRunRequest(st.outbox[0].Payload)
	if err != nil {
		t.Fatalf("DecodeRunRequest() error = %v", err)
	}
	if _, found := req.TriggerData.Headers["X-Gitlab-Token"]; found {
		t.Error("run request headers carry the shared secret token")
	}
}
