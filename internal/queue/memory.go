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

package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryDriver is the non-durable dev queue. It mirrors the redis
// driver's semantics — per-organization FIFO, weighted round-robin
// across organizations, visibility-timeout reclaim — but everything
// lives in process memory and is lost on restart.
type MemoryDriver struct {
	block      time.Duration
	visibility time.Duration
	now        func() time.Time

	mu       sync.Mutex
	queues   map[string][]*Job
	orgs     []string
	weights  map[string]int
	credits  map[string]float64
	inflight map[string]*memoryClaim
	seq      uint64
	wake     chan struct{}
	done     chan struct{}
	closed   bool
}

type memoryClaim struct {
	job      Job
	org      string
	deadline time.Time
}

// MemoryOptions configures the in-memory driver.
type MemoryOptions struct {
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
}

// NewMemoryDriver builds the in-memory driver.
func NewMemoryDriver(opts MemoryOptions) *MemoryDriver {
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 60 * time.Second
	}
	return &MemoryDriver{
		block:      opts.BlockTimeout,
		visibility: opts.VisibilityTimeout,
		now:        time.Now,
		queues:     make(map[string][]*Job),
		weights:    make(map[string]int),
		credits:    make(map[string]float64),
		inflight:   make(map[string]*memoryClaim),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Publish appends the job to its organization's queue.
func (d *MemoryDriver) Publish(_ context.Context, job *Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}
	if _, ok := d.queues[job.OrganizationID]; !ok {
		d.orgs = append(d.orgs, job.OrganizationID)
	}
	copied := *job
	d.queues[job.OrganizationID] = append(d.queues[job.OrganizationID], &copied)
	if job.Weight >= 1 {
		d.weights[job.OrganizationID] = job.Weight
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Claim returns the next job in weighted round-robin order, blocking up
// to the block timeout when every queue is empty.
func (d *MemoryDriver) Claim(ctx context.Context, consumer string) (*Delivery, error) {
	timer := time.NewTimer(d.block)
	defer timer.Stop()
	for {
		if delivery := d.tryClaim(); delivery != nil {
			return delivery, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.done:
			return nil, nil
		case <-timer.C:
			return nil, nil
		case <-d.wake:
		}
	}
}

func (d *MemoryDriver) tryClaim() *Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}

	// Expired claims go back to the front of their queue so an abandoned
	// job is retried before newer work.
	now := d.now()
	for id, claim := range d.inflight {
		if now.After(claim.deadline) {
			job := claim.job
			d.queues[claim.org] = append([]*Job{&job}, d.queues[claim.org]...)
			delete(d.inflight, id)
		}
	}

	org := d.pick()
	if org == "" {
		return nil
	}
	queue := d.queues[org]
	job := queue[0]
	d.queues[org] = queue[1:]
	d.credits[org]--

	d.seq++
	id := strconv.FormatUint(d.seq, 10)
	d.inflight[id] = &memoryClaim{job: *job, org: org, deadline: now.Add(d.visibility)}
	return &Delivery{Job: *job, stream: org, id: id}
}

// pick chooses the non-empty organization with the most round-robin
// credit, refilling credits from plan weights when all are spent.
func (d *MemoryDriver) pick() string {
	available := make([]string, 0, len(d.orgs))
	for _, org := range d.orgs {
		if len(d.queues[org]) > 0 {
			available = append(available, org)
		}
	}
	if len(available) == 0 {
		return ""
	}

	spent := true
	for _, org := range available {
		if d.credits[org] >= 1 {
			spent = false
			break
		}
	}
	if spent {
		for _, org := range available {
			w := d.weights[org]
			if w < 1 {
				w = 1
			}
			d.credits[org] += float64(w)
		}
	}

	best := ""
	for _, org := range available {
		if best == "" || d.credits[org] > d.credits[best] {
			best = org
		}
	}
	return best
}

// Ack drops the claim.
func (d *MemoryDriver) Ack(_ context.Context, delivery *Delivery) error {
	d.mu.Lock()
	delete(d.inflight, delivery.id)
	d.mu.Unlock()
	return nil
}

// Requeue re-publishes the delivery at the tail of its queue with the
// updated deferral state and drops the claim.
func (d *MemoryDriver) Requeue(_ context.Context, delivery *Delivery, notBefore time.Time, deferrals int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, delivery.id)
	job := delivery.Job
	job.NotBefore = notBefore
	job.Deferrals = deferrals
	if _, ok := d.queues[job.OrganizationID]; !ok {
		d.orgs = append(d.orgs, job.OrganizationID)
	}
	d.queues[job.OrganizationID] = append(d.queues[job.OrganizationID], &job)
	return nil
}

// Ready reports queued plus in-flight jobs.
func (d *MemoryDriver) Ready(_ context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := int64(len(d.inflight))
	for _, queue := range d.queues {
		total += int64(len(queue))
	}
	return total, nil
}

// Durable reports false: jobs are lost on restart.
func (d *MemoryDriver) Durable() bool { return false }

// Ping reports whether the driver accepts work.
func (d *MemoryDriver) Ping(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("queue is closed")
	}
	return nil
}

// Close drops all queued jobs and wakes blocked claimers.
func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	return nil
}
