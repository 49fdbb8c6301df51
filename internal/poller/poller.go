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

// Package poller schedules polling triggers.
//
// Triggers are assigned to partitions; each partition runs one
// cooperative worker loop guarded by a store-backed lease, so multiple
// scheduler instances share the trigger population without polling the
// same trigger twice. Due triggers are drained through a nextPollAt
// min-heap, polled with a since watermark, deduplicated against the
// trigger's token ring, and fanned out to the outbox.
package poller

import (
	"container/heap"
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credential"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/store"
)

// throttleMax caps the exponential per-partition backpressure delay.
const throttleMax = 5 * time.Minute

// Store is the persistence surface the scheduler needs.
type Store interface {
	DuePollingTriggers(ctx context.Context, partition int, now time.Time, limit int) ([]*store.PollingState, error)
	SavePollingState(ctx context.Context, state *store.PollingState) error
	AcquirePartitionLease(ctx context.Context, partition int, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleasePartitionLease(ctx context.Context, partition int, owner string) error
	GetTrigger(ctx context.Context, id string) (*store.Trigger, error)
	SaveDedupeState(ctx context.Context, triggerID string, tokens []string) error
	AppendOutbox(ctx context.Context, rec *store.OutboxRecord) error
	CountPendingOutbox(ctx context.Context) (int, error)
}

// Clients resolves connector client constructors.
type Clients interface {
	APIClient(connectorID string) (connector.Constructor, bool)
}

// Credentials resolves credential bundles for poll calls.
type Credentials interface {
	Resolve(ctx context.Context, req credential.Request) (*credential.Resolution, error)
}

// Recorder receives poll telemetry.
type Recorder interface {
	RecordPollCycle(ctx context.Context, outcome string)
}

// Options tune the scheduler. Zero values take the documented defaults.
type Options struct {
	// Partitions is the number of worker loops.
	Partitions int

	// Interval is the tick granularity of each partition.
	Interval time.Duration

	// LeaseDuration is how long a partition lease is held per tick.
	LeaseDuration time.Duration

	// BatchSize caps due triggers per partition tick.
	BatchSize int

	// OutboxHighWater throttles partitions while the pending outbox is
	// at or above this depth. Zero disables backpressure.
	OutboxHighWater int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Partitions <= 0 {
		out.Partitions = 4
	}
	if out.Interval <= 0 {
		out.Interval = 10 * time.Second
	}
	if out.LeaseDuration <= 0 {
		out.LeaseDuration = time.Minute
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	return out
}

// partitionState is the per-partition backpressure bookkeeping.
type partitionState struct {
	throttle       time.Duration
	throttledUntil time.Time
}

// Poller runs the partitioned polling scheduler.
type Poller struct {
	store      Store
	clients    Clients
	creds      Credentials
	opts       Options
	owner      string
	logger     *slog.Logger
	recorder   Recorder
	now        func() time.Time
	partitions []partitionState
}

// Option configures a Poller.
type Option func(*Poller)

// WithRecorder wires poll telemetry.
func WithRecorder(rec Recorder) Option {
	return func(p *Poller) { p.recorder = rec }
}

// WithClock overrides the scheduler clock.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New builds a polling scheduler.
func New(st Store, clients Clients, creds Credentials, opts Options, logger *slog.Logger, popts ...Option) *Poller {
	p := &Poller{
		store:   st,
		clients: clients,
		creds:   creds,
		opts:    opts.withDefaults(),
		owner:   leaseOwner(),
		logger:  log.WithComponent(logger, "poller"),
		now:     time.Now,
	}
	for _, opt := range popts {
		opt(p)
	}
	p.partitions = make([]partitionState, p.opts.Partitions)
	return p
}

// leaseOwner identifies this scheduler instance in partition leases.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "poller"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// PartitionFor assigns a trigger to a partition by stable hash.
func PartitionFor(triggerID string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(triggerID))
	return int(h.Sum32() % uint32(partitions))
}

// Run drives all partition loops until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range p.opts.Partitions {
		g.Go(func() error { return p.runPartition(ctx, i) })
	}
	return g.Wait()
}

func (p *Poller) runPartition(ctx context.Context, partition int) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		p.TickPartition(ctx, partition)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TickPartition runs one scheduling pass over a partition: acquire the
// lease, check backpressure, and poll every due trigger in nextPollAt
// order.
func (p *Poller) TickPartition(ctx context.Context, partition int) {
	now := p.now().UTC()
	ps := &p.partitions[partition]
	if ps.throttledUntil.After(now) {
		return
	}

	logger := p.logger.With(slog.Int("partition", partition))
	held, err := p.store.AcquirePartitionLease(ctx, partition, p.owner, now, p.opts.LeaseDuration)
	if err != nil {
		logger.Error("acquiring partition lease failed", log.Error(err))
		return
	}
	if !held {
		return
	}

	if p.overHighWater(ctx) {
		// Exponential per-partition delay while the outbox drains.
		if ps.throttle == 0 {
			ps.throttle = p.opts.Interval
		} else if ps.throttle < throttleMax {
			ps.throttle *= 2
			if ps.throttle > throttleMax {
				ps.throttle = throttleMax
			}
		}
		ps.throttledUntil = now.Add(ps.throttle)
		logger.Warn("outbox over high-water mark, throttling partition",
			slog.Duration("delay", ps.throttle))
		p.record(ctx, "throttled")
		return
	}
	ps.throttle = 0
	ps.throttledUntil = time.Time{}

	due, err := p.store.DuePollingTriggers(ctx, partition, now, p.opts.BatchSize)
	if err != nil {
		logger.Error("listing due triggers failed", log.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	h := make(pollHeap, 0, len(due))
	for _, state := range due {
		heap.Push(&h, state)
	}
	for h.Len() > 0 {
		state := heap.Pop(&h).(*store.PollingState)
		p.pollOne(ctx, state)
	}
}

func (p *Poller) overHighWater(ctx context.Context) bool {
	if p.opts.OutboxHighWater <= 0 {
		return false
	}
	pending, err := p.store.CountPendingOutbox(ctx)
	if err != nil {
		return false
	}
	return pending >= p.opts.OutboxHighWater
}

func (p *Poller) record(ctx context.Context, outcome string) {
	if p.recorder != nil {
		p.recorder.RecordPollCycle(ctx, outcome)
	}
}

// pollHeap orders due polling states by nextPollAt, soonest first.
type pollHeap []*store.PollingState

func (h pollHeap) Len() int { return len(h) }

func (h pollHeap) Less(i, j int) bool { return h[i].NextPollAt.Before(h[j].NextPollAt) }

func (h pollHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pollHeap) Push(x any) { *h = append(*h, x.(*store.PollingState)) }

func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
