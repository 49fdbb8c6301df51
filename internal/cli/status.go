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

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type healthResponse struct {
	Status string `json:"status"`
	GitSHA string `json:"gitSha"`
	Time   string `json:"time"`
	Queue  struct {
		Healthy bool   `json:"healthy"`
		Durable bool   `json:"durable"`
		Mode    string `json:"mode"`
		Ready   int64  `json:"ready"`
	} `json:"queue"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and queue state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(opts)

			var health healthResponse
			if err := client.get(cmd.Context(), "/health/app", &health); err != nil {
				return err
			}

			if opts.jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(health)
			}

			out := cmd.OutOrStdout()
			badge := okStyle.Render(health.Status)
			if health.Status != "ok" {
				badge = warnStyle.Render(health.Status)
			}
			fmt.Fprintln(out, titleStyle.Render("switchboard daemon"), badge)
			fmt.Fprintf(out, "  build:  %s\n", orUnknown(health.GitSHA))
			durability := "durable"
			if !health.Queue.Durable {
				durability = warnStyle.Render("non-durable")
			}
			fmt.Fprintf(out, "  queue:  %s, %s, %d ready\n", health.Queue.Mode, durability, health.Queue.Ready)
			fmt.Fprintf(out, "  as of:  %s\n", health.Time)
			return nil
		},
	}
	return cmd
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
