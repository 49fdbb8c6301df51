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
	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/app"
	"github.com/tombee/switchboard/internal/config"
)

func newMCPCommand(opts *rootOptions) *cobra.Command {
	var (
		orgID  string
		userID string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve workflow tools over MCP on stdio",
		Long: `MCP exposes list_workflows, run_workflow and get_execution as MCP
tools over stdio, for agent clients. Runs enqueued through it pass the
same quota admission as API calls.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			srv, closer, err := app.NewMCP(cfg, orgID, userID, version)
			if err != nil {
				return err
			}
			defer closer.Close()

			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID tool calls run as")
	cmd.Flags().StringVar(&userID, "user", "", "User ID tool calls run as")
	cobra.CheckErr(cmd.MarkFlagRequired("org"))

	return cmd
}
