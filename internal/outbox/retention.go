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

package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/switchboard/internal/log"
)

// sweepInterval is how often retention cutoffs are enforced.
const sweepInterval = time.Hour

// RetentionStore is the purge surface the sweeper needs.
type RetentionStore interface {
	PurgeOutbox(ctx context.Context, before time.Time) (int64, error)
	PurgeWebhookLogs(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper deletes terminal outbox records and webhook delivery logs
// past their retention windows. Pending outbox records are never
// touched regardless of age.
type Sweeper struct {
	store            RetentionStore
	outboxRetention  time.Duration
	webhookRetention time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// NewSweeper builds a retention sweeper.
func NewSweeper(st RetentionStore, outboxRetention, webhookRetention time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:            st,
		outboxRetention:  outboxRetention,
		webhookRetention: webhookRetention,
		logger:           log.WithComponent(logger, "retention"),
		now:              time.Now,
	}
}

// Run sweeps hourly until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce enforces both retention cutoffs once.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := s.now().UTC()
	if s.outboxRetention > 0 {
		n, err := s.store.PurgeOutbox(ctx, now.Add(-s.outboxRetention))
		if err != nil {
			s.logger.Error("purging outbox failed", log.Error(err))
		} else if n > 0 {
			s.logger.Info("purged outbox records", slog.Int64("count", n))
		}
	}
	if s.webhookRetention > 0 {
		n, err := s.store.PurgeWebhookLogs(ctx, now.Add(-s.webhookRetention))
		if err != nil {
			s.logger.Error("purging webhook logs failed", log.Error(err))
		} else if n > 0 {
			s.logger.Info("purged webhook logs", slog.Int64("count", n))
		}
	}
}
