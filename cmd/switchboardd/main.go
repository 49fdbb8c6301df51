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

// Command switchboardd is the workflow automation daemon: it serves the
// control API and webhook listener, runs the trigger schedulers and
// dispatches workflow executions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/switchboard/internal/app"
	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		listen      = flag.String("listen", "", "Control API listen address")
		storePath   = flag.String("store-path", "", "SQLite database path")
		redisURL    = flag.String("redis-url", "", "Redis connection URL")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("switchboardd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config failed", log.Error(err))
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Addr = *listen
	}
	if *storePath != "" {
		cfg.Store.SQLite.Path = *storePath
	}
	if *redisURL != "" {
		cfg.Queue.RedisURL = *redisURL
	}
	if cfg.GitSHA == "" {
		cfg.GitSHA = commit
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Version: version, Commit: commit})
	if err != nil {
		logger.Error("starting daemon failed", log.Error(err))
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("daemon exited with error", log.Error(err))
		os.Exit(1)
	}
}
