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

// Package cli implements the switchboard operator command line: config
// scaffolding, workflow validation, daemon status, token minting and
// the stdio MCP bridge.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// SetVersion records build identity injected via ldflags.
func SetVersion(v, c string) {
	version = v
	commit = c
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	apiURL     string
	token      string
	jsonOut    bool
}

// NewRootCommand builds the switchboard root command with all
// subcommands attached.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - workflow automation platform",
		Long: `Switchboard runs event-driven workflow automations: webhook,
schedule and polling triggers feed a durable execution queue that
dispatches multi-tenant workflow runs across connectors.

Run 'switchboard init' to scaffold a daemon configuration.
Run 'switchboard status' to inspect a running daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&opts.apiURL, "api", "http://localhost:8080", "Daemon control API base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("SWITCHBOARD_TOKEN"), "API bearer token")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Output in JSON format")

	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newConnectorsCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newMCPCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))
	cmd.SetHelpCommand(newHelpCommand(cmd, opts))

	return cmd
}

// HandleExitError prints the error and exits non-zero.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
	os.Exit(1)
}
