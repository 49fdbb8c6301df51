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
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type connectorRow struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	Availability string `json:"availability"`
	Runtime      string `json:"runtime"`
	Functions    int    `json:"functions"`
}

func newConnectorsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connectors",
		Short: "List connectors available to your organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(opts)

			var payload struct {
				Connectors []connectorRow `json:"connectors"`
			}
			if err := client.get(cmd.Context(), "/api/connectors", &payload); err != nil {
				return err
			}

			if opts.jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(payload.Connectors)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tAVAILABILITY\tRUNTIME\tFUNCTIONS")
			for _, c := range payload.Connectors {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					c.ID, c.Name, c.Version, c.Availability, c.Runtime, c.Functions)
			}
			return w.Flush()
		},
	}
	return cmd
}
