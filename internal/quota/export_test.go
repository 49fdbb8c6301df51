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
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

func seedUsage(t *testing.T, m *Meter) {
	t.Helper()
	ctx := context.Background()
	_, err := m.RecordAPIUsage(ctx, "org-a", "user-1", 100, 2000)
	require.NoError(t, err)
	_, err = m.RecordAPIUsage(ctx, "org-a", "user-2", 50, 1000)
	require.NoError(t, err)
	_, err = m.RecordAPIUsage(ctx, "org-b", "user-3", 10, 500)
	require.NoError(t, err)
}

func TestExportUsageCSV(t *testing.T) {
	st := newFakeUsageStore()
	addOrg(st, "org-a", store.PlanPro)
	addOrg(st, "org-b", store.PlanFree)
	m := newTestMeter(t, st)
	seedUsage(t, m)

	var buf bytes.Buffer
	require.NoError(t, m.ExportUsage(context.Background(), ExportRequest{Format: FormatCSV}, &buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, exportHeader, records[0])
	assert.Equal(t, "org-a", records[1][0])
	assert.Equal(t, "user-1", records[1][1])
	assert.Equal(t, "100", records[1][4])
	assert.Equal(t, "org-b", records[3][0])
}

func TestExportUsageJSONAndPlanFilter(t *testing.T) {
	st := newFakeUsageStore()
	addOrg(st, "org-a", store.PlanPro)
	addOrg(st, "org-b", store.PlanFree)
	m := newTestMeter(t, st)
	seedUsage(t, m)

	var buf bytes.Buffer
	require.NoError(t, m.ExportUsage(context.Background(), ExportRequest{
		Format: FormatJSON,
		Plan:   store.PlanFree,
	}, &buf))

	var rows []*store.UsageTracking
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "org-b", rows[0].OrganizationID)
}

func TestExportUsageRejectsUnknownFormat(t *testing.T) {
	st := newFakeUsageStore()
	m := newTestMeter(t, st)

	var buf bytes.Buffer
	err := m.ExportUsage(context.Background(), ExportRequest{Format: "xml"}, &buf)
	var verr *sberrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSummarizeCostsOrdersByCost(t *testing.T) {
	st := newFakeUsageStore()
	addOrg(st, "org-a", store.PlanPro)
	addOrg(st, "org-b", store.PlanFree)
	m := newTestMeter(t, st)
	seedUsage(t, m)

	summaries, err := m.SummarizeCosts(context.Background(), ExportRequest{})
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "org-a", summaries[0].OrganizationID)
	assert.EqualValues(t, 150, summaries[0].APICalls)
	assert.EqualValues(t, 3000, summaries[0].TokensUsed)
	assert.NotEmpty(t, summaries[0].Formatted())
}

func TestReconcileInvoicesCleanWhenLedgerMatches(t *testing.T) {
	st := newFakeUsageStore()
	addOrg(st, "org-a", store.PlanPro)
	ledger := NewMemoryLedger()
	m := newTestMeter(t, st, WithEmitter(ledger))

	_, err := m.RecordAPIUsage(context.Background(), "org-a", "user-1", 100, 2000)
	require.NoError(t, err)
	m.RecordWorkflowRun(context.Background(), "org-a", "user-1")

	diffs, err := m.ReconcileInvoices(context.Background(), 2026, time.August)
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestReconcileInvoicesFlagsMissingEvents(t *testing.T) {
	st := newFakeUsageStore()
	addOrg(st, "org-a", store.PlanPro)
	ledger := NewMemoryLedger()
	m := newTestMeter(t, st, WithEmitter(ledger))

	_, err := m.RecordAPIUsage(context.Background(), "org-a", "user-1", 100, 0)
	require.NoError(t, err)

	// Usage written behind the meter's back never reaches the ledger.
	_, err = st.AddUsage(context.Background(), store.UsageDelta{
		OrganizationID: "org-a",
		UserID:         "user-1",
		Year:           2026,
		Month:          8,
		APICalls:       40,
	})
	require.NoError(t, err)

	diffs, err := m.ReconcileInvoices(context.Background(), 2026, time.August)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, ResourceAPICalls, diffs[0].Resource)
	assert.EqualValues(t, 140, diffs[0].Stored)
	assert.EqualValues(t, 100, diffs[0].Billed)
}

func TestReconcileInvoicesRequiresLedger(t *testing.T) {
	st := newFakeUsageStore()
	m := newTestMeter(t, st)

	_, err := m.ReconcileInvoices(context.Background(), 2026, time.August)
	require.Error(t, err)
}
