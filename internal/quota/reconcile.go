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

package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// BillingLedger is a billing adapter that can report what it has been
// told, keyed by organization and calendar month. Reconciliation needs
// this read-back surface; plain fire-and-forget emitters cannot be
// reconciled.
type BillingLedger interface {
	Emitter

	// Total returns the summed event quantity for one resource in one
	// organization's month, and the summed cost in cents.
	Total(orgID string, year int, month time.Month, resource string) (quantity, costCents int64)
}

// MemoryLedger is an in-process BillingLedger. It backs tests and
// single-node deployments without an external billing system.
type MemoryLedger struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Emit records the event.
func (l *MemoryLedger) Emit(_ context.Context, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Total sums metering events for one resource in one month.
func (l *MemoryLedger) Total(orgID string, year int, month time.Month, resource string) (int64, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var quantity, cost int64
	for _, ev := range l.events {
		if ev.Type != EventMetering || ev.OrganizationID != orgID || ev.Resource != resource {
			continue
		}
		if ev.At.UTC().Year() != year || ev.At.UTC().Month() != month {
			continue
		}
		quantity += ev.Quantity
		cost += ev.CostCents
	}
	return quantity, cost
}

// Events returns a copy of everything emitted so far.
func (l *MemoryLedger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Discrepancy is one mismatch between stored usage and the billing
// ledger for an organization's month.
type Discrepancy struct {
	OrganizationID string `json:"organizationId"`
	Resource       string `json:"resource"`
	Stored         int64  `json:"stored"`
	Billed         int64  `json:"billed"`
}

// ReconcileInvoices compares the store's usage rows for one calendar
// month against what the billing ledger saw, and returns every
// per-resource mismatch. The wired emitter must be a BillingLedger.
func (m *Meter) ReconcileInvoices(ctx context.Context, year int, month time.Month) ([]Discrepancy, error) {
	ledger, ok := m.emitter.(BillingLedger)
	if !ok {
		return nil, sberrors.New("billing adapter does not support reconciliation")
	}

	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	rows, err := m.store.ListUsage(ctx, store.UsageFilter{
		Start: start,
		End:   start.AddDate(0, 1, 0),
	})
	if err != nil {
		return nil, err
	}

	type totals struct {
		apiCalls, tokens, runs int64
	}
	stored := make(map[string]*totals)
	for _, row := range rows {
		t, ok := stored[row.OrganizationID]
		if !ok {
			t = &totals{}
			stored[row.OrganizationID] = t
		}
		t.apiCalls += row.APICalls
		t.tokens += row.TokensUsed
		t.runs += row.WorkflowRuns
	}

	orgIDs := make([]string, 0, len(stored))
	for orgID := range stored {
		orgIDs = append(orgIDs, orgID)
	}
	sort.Strings(orgIDs)

	var out []Discrepancy
	for _, orgID := range orgIDs {
		t := stored[orgID]
		for _, r := range []struct {
			name   string
			stored int64
		}{
			{ResourceAPICalls, t.apiCalls},
			{ResourceTokens, t.tokens},
			{ResourceWorkflowRuns, t.runs},
		} {
			billed, _ := ledger.Total(orgID, year, month, r.name)
			if billed != r.stored {
				out = append(out, Discrepancy{
					OrganizationID: orgID,
					Resource:       r.name,
					Stored:         r.stored,
					Billed:         billed,
				})
			}
		}
	}
	return out, nil
}
