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

package poller

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credential"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/store"
	"github.com/tombee/switchboard/internal/webhook"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

// pollOne runs one poll cycle for a trigger: resolve context, invoke
// the connector poll method with the since watermark, dedupe returned
// items, append non-duplicates to the outbox, and advance the polling
// state.
func (p *Poller) pollOne(ctx context.Context, state *store.PollingState) {
	logger := p.logger.With(
		slog.String(log.TriggerIDKey, state.TriggerID),
		slog.String(log.OrgIDKey, state.OrganizationID),
		slog.String(log.WorkflowIDKey, state.WorkflowID),
	)

	trig, err := p.store.GetTrigger(ctx, state.TriggerID)
	if err != nil {
		var nf *sberrors.NotFoundError
		if sberrors.As(err, &nf) {
			// Orphaned state: the registration is gone.
			p.deactivate(ctx, state, logger)
			return
		}
		logger.Error("loading polling trigger failed", log.Error(err))
		p.reschedule(ctx, state, false)
		return
	}
	if !trig.Active || trig.Kind != store.TriggerKindPolling {
		p.deactivate(ctx, state, logger)
		return
	}

	items, err := p.invoke(ctx, state, trig)
	if err != nil {
		logger.Warn("poll cycle failed", log.Error(err))
		p.record(ctx, "error")
		p.reschedule(ctx, state, false)
		return
	}

	appended, err := p.fanOut(ctx, state, trig, items)
	if err != nil {
		// Watermark stays put so dropped items are re-polled; the dedupe
		// ring keeps already-appended ones from doubling.
		logger.Error("fanning out poll items failed", log.Error(err))
		p.record(ctx, "error")
		p.reschedule(ctx, state, false)
		return
	}

	if appended > 0 {
		logger.Info("poll cycle produced events",
			slog.Int("items", len(items)), slog.Int("events", appended))
	} else {
		logger.Debug("poll cycle produced no new events", slog.Int("items", len(items)))
	}
	p.record(ctx, "ok")
	p.reschedule(ctx, state, true)
}

// invoke resolves credentials, builds the connector client, and calls
// its poll method with parameters enriched by the since watermark.
func (p *Poller) invoke(ctx context.Context, state *store.PollingState, trig *store.Trigger) ([]any, error) {
	ctor, ok := p.clients.APIClient(trig.AppID)
	if !ok {
		return nil, fmt.Errorf("connector %s has no API client", trig.AppID)
	}

	bundle := connector.Bundle{connector.OrganizationKey: trig.OrganizationID}
	inline := credentialMap(trig.Metadata)
	if p.creds != nil && (trig.ConnectionID != "" || inline != nil) {
		res, err := p.creds.Resolve(ctx, credential.Request{
			OrganizationID: trig.OrganizationID,
			UserID:         trig.UserID,
			ConnectorID:    trig.AppID,
			ConnectionID:   trig.ConnectionID,
			Inline:         inline,
		})
		if err != nil {
			return nil, err
		}
		bundle = res.Credentials
	}

	client, err := ctor(bundle)
	if err != nil {
		return nil, err
	}
	pollClient, ok := client.(connector.Poller)
	if !ok {
		return nil, fmt.Errorf("connector %s does not support polling", trig.AppID)
	}

	params := pollParams(trig.Metadata)
	if state.LastPollAt != nil {
		params["since"] = state.LastPollAt.UTC().Format(time.RFC3339)
	}

	result, err := pollClient.Poll(ctx, pollMethod(trig), params)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("poll returned failure: %s", result.Error)
	}
	return extractItems(result.Data), nil
}

// fanOut dedupes items against the trigger ring and appends
// non-duplicates to the outbox. The updated ring is persisted once.
func (p *Poller) fanOut(ctx context.Context, state *store.PollingState, trig *store.Trigger, items []any) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	now := p.now().UTC()
	tokens := trig.DedupeTokens
	appended := 0
	for _, item := range items {
		token := p.dedupeToken(state, trig, item)
		if webhook.RingContains(tokens, token) {
			continue
		}
		if err := p.appendOutbox(ctx, trig, item, token, now); err != nil {
			// Persist what was already appended so replays stay deduped.
			if appended > 0 {
				if serr := p.store.SaveDedupeState(ctx, trig.ID, tokens); serr != nil {
					p.logger.Error("saving dedupe ring failed", log.Error(serr))
				}
			}
			return appended, err
		}
		tokens = webhook.RingAppend(tokens, token, webhook.DedupeRingCapacity)
		appended++
	}
	if appended > 0 {
		if err := p.store.SaveDedupeState(ctx, trig.ID, tokens); err != nil {
			return appended, err
		}
	}
	return appended, nil
}

// dedupeToken computes the dedupe identity of one polled item. With a
// dedupeKey, the token is md5(triggerId + "-" + item[dedupeKey]);
// otherwise the event-hash identity applies.
func (p *Poller) dedupeToken(state *store.PollingState, trig *store.Trigger, item any) string {
	if state.DedupeKey != "" {
		if m, ok := item.(map[string]any); ok {
			if v, ok := m[state.DedupeKey]; ok {
				sum := md5.Sum(fmt.Appendf([]byte(state.TriggerID+"-"), "%v", v))
				return hex.EncodeToString(sum[:])
			}
		}
	}
	payload, raw := itemPayload(item)
	return webhook.EventHash(trig.WorkflowID, trig.ID, trig.TriggerID, pollSource(trig), payload, raw)
}

func (p *Poller) appendOutbox(ctx context.Context, trig *store.Trigger, item any, token string, now time.Time) error {
	payload, _ := itemPayload(item)
	runReq := &queue.RunRequest{
		WorkflowID:     trig.WorkflowID,
		OrganizationID: trig.OrganizationID,
		UserID:         trig.UserID,
		TriggerType:    workflow.TriggerPolling,
		TriggerData: queue.TriggerData{
			AppID:       trig.AppID,
			TriggerID:   trig.TriggerID,
			Payload:     payload,
			DedupeToken: token,
			Timestamp:   now.Format(time.RFC3339),
			Source:      pollSource(trig),
		},
	}
	encoded, err := runReq.Encode()
	if err != nil {
		return err
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
	return p.store.AppendOutbox(ctx, rec)
}

// reschedule advances the polling state. A completed poll moves the
// watermark; a failed one only pushes nextPollAt so errors do not spin.
// Missed ticks never stack: the next poll is computed from now.
func (p *Poller) reschedule(ctx context.Context, state *store.PollingState, polled bool) {
	now := p.now().UTC()
	next := now.Add(state.Interval)
	if scheduled := state.NextPollAt.Add(state.Interval); scheduled.After(next) {
		next = scheduled
	}
	if polled {
		at := now
		state.LastPollAt = &at
	}
	state.NextPollAt = next
	state.UpdatedAt = now
	if err := p.store.SavePollingState(ctx, state); err != nil {
		p.logger.Error("saving polling state failed",
			slog.String(log.TriggerIDKey, state.TriggerID), log.Error(err))
	}
}

func (p *Poller) deactivate(ctx context.Context, state *store.PollingState, logger *slog.Logger) {
	state.Active = false
	state.UpdatedAt = p.now().UTC()
	if err := p.store.SavePollingState(ctx, state); err != nil {
		logger.Error("deactivating polling state failed", log.Error(err))
		return
	}
	logger.Info("polling state deactivated")
}

// pollMethod selects the connector function to invoke:
// metadata.pollMethod when declared, else poll<PascalCase(triggerId)>.
func pollMethod(trig *store.Trigger) string {
	if m, ok := trig.Metadata["pollMethod"].(string); ok && m != "" {
		return m
	}
	return "poll" + pascalCase(trig.TriggerID)
}

// pascalCase upper-cases the first rune of each segment split on
// separator characters: "new-item" and "new_item" both become NewItem,
// "messageReceived" becomes MessageReceived.
func pascalCase(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		switch r {
		case '-', '_', '.', ' ':
			upper = true
		default:
			if upper {
				b.WriteRune(unicode.ToUpper(r))
				upper = false
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// pollParams copies the declared trigger parameters so the watermark
// enrichment never mutates stored metadata.
func pollParams(metadata map[string]any) map[string]any {
	params := make(map[string]any)
	if raw, ok := metadata["parameters"].(map[string]any); ok {
		for k, v := range raw {
			params[k] = v
		}
	}
	return params
}

// credentialMap extracts inline credentials from trigger metadata.
func credentialMap(metadata map[string]any) map[string]any {
	if raw, ok := metadata["credentials"].(map[string]any); ok && len(raw) > 0 {
		return raw
	}
	return nil
}

// extractItems normalizes a poll result into individual items: an
// array directly, an object's items field, or the object itself as a
// single item. Nil data means an empty cycle.
func extractItems(data any) []any {
	switch v := data.(type) {
	case nil:
		return nil
	case []any:
		return v
	case map[string]any:
		if items, ok := v["items"].([]any); ok {
			return items
		}
		return []any{v}
	default:
		return []any{v}
	}
}

// itemPayload shapes one polled item as an object payload plus its raw
// form for hashing.
func itemPayload(item any) (map[string]any, []byte) {
	if m, ok := item.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(item)
	if err != nil {
		raw = fmt.Appendf(nil, "%v", item)
	}
	return map[string]any{"value": item}, raw
}

func pollSource(trig *store.Trigger) string {
	if trig.AppID != "" {
		return trig.AppID
	}
	return "polling"
}
