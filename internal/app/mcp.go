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

package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/mcpserver"
	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/quota"
)

// NewMCP wires a stdio MCP server against the configured store and
// queue. Tool calls run as the given organization and user and pass
// the same admission path as API enqueues. The returned closer
// releases the store.
func NewMCP(cfg *config.Config, orgID, userID, version string) (*mcpserver.Server, io.Closer, error) {
	// Protocol rides stdout, so all logging goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	meter := quota.NewMeter(st, logger,
		quota.WithDefaultRegion(cfg.DefaultOrganizationRegion))

	driver, err := newQueueDriver(cfg.Queue, logger)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("building queue driver: %w", err)
	}
	qsvc := queue.NewService(st, driver, logger,
		queue.WithUsageGate(meter),
		queue.WithNonDurable(cfg.Queue.AllowDevIgnore))

	srv, err := mcpserver.New(mcpserver.Config{
		Version:        version,
		OrganizationID: orgID,
		UserID:         userID,
	}, st, qsvc, logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return srv, st, nil
}
