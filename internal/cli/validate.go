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
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/pkg/workflow"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <graph.json>",
		Short: "Validate a workflow graph file",
		Long: `Validate checks a workflow graph for structural problems: missing
trigger nodes, dangling edges, duplicate node ids and cycles outside
declared loops. Connector availability is only checked by the daemon.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			graph, err := workflow.ParseGraph(data)
			if err != nil {
				return err
			}
			result := workflow.Validate(graph)

			if opts.jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				printValidation(cmd, args[0], result)
			}

			if !result.Valid {
				return fmt.Errorf("%d validation issue(s)", len(result.Errors))
			}
			return nil
		},
	}
	return cmd
}

func printValidation(cmd *cobra.Command, path string, result workflow.ValidationResult) {
	out := cmd.OutOrStdout()
	if result.Valid {
		fmt.Fprintln(out, okStyle.Render("✓")+" "+path+" is valid")
		return
	}
	fmt.Fprintln(out, errorStyle.Render("✗")+" "+path)
	for _, issue := range result.Errors {
		loc := ""
		if issue.NodeID != "" {
			loc = subtleStyle.Render(" [node "+issue.NodeID+"]")
		}
		fmt.Fprintf(out, "  %s%s %s\n", warnStyle.Render(string(issue.Code)), loc, issue.Message)
	}
}
