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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// ExportRequest selects which usage rows to export.
type ExportRequest struct {
	OrganizationID string    `json:"organizationId,omitempty"`
	Plan           string    `json:"plan,omitempty"`
	Start          time.Time `json:"start,omitempty"`
	End            time.Time `json:"end,omitempty"`
	Format         string    `json:"format"`
}

var exportHeader = []string{
	"organization_id", "user_id", "year", "month",
	"api_calls", "tokens_used", "workflow_runs", "storage_bytes", "estimated_cost_cents",
}

// ExportUsage streams the matching usage rows to w in the requested
// format. CSV output carries a header row; JSON output is a single
// array.
func (m *Meter) ExportUsage(ctx context.Context, req ExportRequest, w io.Writer) error {
	rows, err := m.store.ListUsage(ctx, store.UsageFilter{
		OrganizationID: req.OrganizationID,
		Plan:           req.Plan,
		Start:          req.Start,
		End:            req.End,
	})
	if err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].OrganizationID != rows[j].OrganizationID {
			return rows[i].OrganizationID < rows[j].OrganizationID
		}
		if rows[i].Year != rows[j].Year {
			return rows[i].Year < rows[j].Year
		}
		if rows[i].Month != rows[j].Month {
			return rows[i].Month < rows[j].Month
		}
		return rows[i].UserID < rows[j].UserID
	})

	switch req.Format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case FormatCSV, "":
		cw := csv.NewWriter(w)
		if err := cw.Write(exportHeader); err != nil {
			return err
		}
		for _, row := range rows {
			record := []string{
				row.OrganizationID,
				row.UserID,
				strconv.Itoa(row.Year),
				strconv.Itoa(row.Month),
				strconv.FormatInt(row.APICalls, 10),
				strconv.FormatInt(row.TokensUsed, 10),
				strconv.FormatInt(row.WorkflowRuns, 10),
				strconv.FormatInt(row.StorageUsed, 10),
				strconv.FormatInt(row.EstimatedCostCents, 10),
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return &sberrors.ValidationError{
			Field:      "format",
			Message:    fmt.Sprintf("unsupported export format %q", req.Format),
			Suggestion: "use csv or json",
		}
	}
}

// CostSummary aggregates one organization's metered spend for a period.
type CostSummary struct {
	OrganizationID string `json:"organizationId"`
	APICalls       int64  `json:"apiCalls"`
	TokensUsed     int64  `json:"tokensUsed"`
	WorkflowRuns   int64  `json:"workflowRuns"`
	CostCents      int64  `json:"costCents"`
}

// Formatted returns the summary as a human-readable line with grouped
// thousands, e.g. "org acme: 1,204,311 calls, 88,210,554 tokens, $412.07".
func (s CostSummary) Formatted() string {
	p := message.NewPrinter(language.English)
	return p.Sprintf("org %s: %d calls, %d tokens, %d runs, $%.2f",
		s.OrganizationID, s.APICalls, s.TokensUsed, s.WorkflowRuns,
		float64(s.CostCents)/100)
}

// SummarizeCosts rolls the matching usage rows up per organization,
// sorted by descending cost.
func (m *Meter) SummarizeCosts(ctx context.Context, req ExportRequest) ([]CostSummary, error) {
	rows, err := m.store.ListUsage(ctx, store.UsageFilter{
		OrganizationID: req.OrganizationID,
		Plan:           req.Plan,
		Start:          req.Start,
		End:            req.End,
	})
	if err != nil {
		return nil, err
	}
	byOrg := make(map[string]*CostSummary)
	for _, row := range rows {
		s, ok := byOrg[row.OrganizationID]
		if !ok {
			s = &CostSummary{OrganizationID: row.OrganizationID}
			byOrg[row.OrganizationID] = s
		}
		s.APICalls += row.APICalls
		s.TokensUsed += row.TokensUsed
		s.WorkflowRuns += row.WorkflowRuns
		s.CostCents += row.EstimatedCostCents
	}
	out := make([]CostSummary, 0, len(byOrg))
	for _, s := range byOrg {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostCents != out[j].CostCents {
			return out[i].CostCents > out[j].CostCents
		}
		return out[i].OrganizationID < out[j].OrganizationID
	})
	return out, nil
}
