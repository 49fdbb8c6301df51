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
	"fmt"
	"os"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// initAnswers collects the settings the scaffold asks for.
type initAnswers struct {
	Listen      string
	PublicAddr  string
	Backend     string
	StorePath   string
	QueueMode   string
	RedisURL    string
	ManifestDir string
	Region      string
}

func defaultInitAnswers() initAnswers {
	return initAnswers{
		Listen:      ":8080",
		PublicAddr:  ":8081",
		Backend:     "sqlite",
		StorePath:   "switchboard.db",
		QueueMode:   "redis",
		RedisURL:    "redis://localhost:6379/0",
		ManifestDir: "./connectors",
		Region:      "us",
	}
}

func newInitCommand(opts *rootOptions) *cobra.Command {
	answers := defaultInitAnswers()
	var outPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a daemon configuration file",
		Long: `Init writes a switchboard.yaml with the core daemon settings.
When run in a terminal it asks interactively; otherwise it uses the
flag values as-is.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if isInteractive() {
				if err := runInitForm(&answers); err != nil {
					return err
				}
			}

			if _, err := os.Stat(outPath); err == nil && !force {
				if !isInteractive() {
					return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
				}
				overwrite := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("%s already exists. Overwrite?", outPath),
				}
				if err := survey.AskOne(prompt, &overwrite); err != nil {
					return err
				}
				if !overwrite {
					return fmt.Errorf("aborted")
				}
			}

			if err := writeInitConfig(outPath, answers); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), summaryStyle.Render(
				titleStyle.Render("Configuration written")+"\n"+
					subtleStyle.Render(outPath)+"\n\n"+
					"Start the daemon with:\n  switchboardd --config "+outPath))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "switchboard.yaml", "Where to write the config")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file without asking")
	cmd.Flags().StringVar(&answers.Listen, "listen", answers.Listen, "Control API listen address")
	cmd.Flags().StringVar(&answers.Backend, "store", answers.Backend, "Store backend (sqlite, memory)")
	cmd.Flags().StringVar(&answers.QueueMode, "queue", answers.QueueMode, "Queue mode (redis, memory)")
	cmd.Flags().StringVar(&answers.RedisURL, "redis-url", answers.RedisURL, "Redis connection URL")
	cmd.Flags().StringVar(&answers.Region, "region", answers.Region, "Default organization region (us, eu, ap, au)")

	return cmd
}

func runInitForm(a *initAnswers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Control API address").
				Description("Authenticated listener for the workflow API").
				Value(&a.Listen),
			huh.NewInput().
				Title("Webhook listener address").
				Description("Public, unauthenticated webhook ingestion").
				Value(&a.PublicAddr),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Store backend").
				Options(
					huh.NewOption("SQLite (durable, single node)", "sqlite"),
					huh.NewOption("Memory (dev only, loses state)", "memory"),
				).
				Value(&a.Backend),
			huh.NewSelect[string]().
				Title("Queue driver").
				Options(
					huh.NewOption("Redis streams (durable)", "redis"),
					huh.NewOption("Memory (dev only)", "memory"),
				).
				Value(&a.QueueMode),
			huh.NewInput().
				Title("Redis URL").
				Value(&a.RedisURL),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Connector manifest directory").
				Value(&a.ManifestDir),
			huh.NewSelect[string]().
				Title("Default organization region").
				Description("Billing periods roll over in this region's timezone").
				Options(
					huh.NewOption("United States", "us"),
					huh.NewOption("Europe", "eu"),
					huh.NewOption("Asia Pacific", "ap"),
					huh.NewOption("Australia", "au"),
				).
				Value(&a.Region),
		),
	)
	return form.Run()
}

// writeInitConfig renders the scaffold as nested YAML matching the
// daemon's config schema.
func writeInitConfig(path string, a initAnswers) error {
	cfg := map[string]any{
		"server": map[string]any{
			"addr": a.Listen,
		},
		"public_api": map[string]any{
			"enabled": true,
			"addr":    a.PublicAddr,
		},
		"store": map[string]any{
			"backend": a.Backend,
			"sqlite": map[string]any{
				"path": a.StorePath,
			},
		},
		"queue": map[string]any{
			"mode":      a.QueueMode,
			"redis_url": a.RedisURL,
		},
		"connectors": map[string]any{
			"manifest_dir": a.ManifestDir,
			"watch":        true,
		},
		"default_organization_region": a.Region,
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}
