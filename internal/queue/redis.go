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
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/switchboard/internal/log"
)

// RedisDriver is the durable queue: one stream per organization plus a
// registry set, consumed through a shared consumer group. Fairness
// across organizations is weighted round-robin, with plan weight
// deciding how many claims an organization gets per round.
type RedisDriver struct {
	rdb     *redis.Client
	prefix  string
	group   string
	block   time.Duration
	minIdle time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	credits map[string]float64
}

// RedisOptions configures the redis driver.
type RedisOptions struct {
	// URL is a redis connection URL (redis://host:port/db).
	URL string
	// Stream is the key prefix; per-org streams live at <Stream>:<orgID>.
	Stream string
	// Group is the consumer group shared by all dispatchers.
	Group string
	// BlockTimeout bounds how long Claim waits for new work.
	BlockTimeout time.Duration
	// VisibilityTimeout is how long a claimed job may sit unacked before
	// another dispatcher reclaims it.
	VisibilityTimeout time.Duration
}

func (o *RedisOptions) withDefaults() {
	if o.Stream == "" {
		o.Stream = "switchboard:executions"
	}
	if o.Group == "" {
		o.Group = "dispatchers"
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 60 * time.Second
	}
}

// NewRedisDriver connects to redis and returns the durable driver.
func NewRedisDriver(opts RedisOptions, logger *slog.Logger) (*RedisDriver, error) {
	opts.withDefaults()
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewRedisDriverWithClient(redis.NewClient(ropts), opts, logger), nil
}

// NewRedisDriverWithClient wraps an existing client. The caller keeps
// ownership of nothing; Close closes the client.
func NewRedisDriverWithClient(rdb *redis.Client, opts RedisOptions, logger *slog.Logger) *RedisDriver {
	opts.withDefaults()
	return &RedisDriver{
		rdb:     rdb,
		prefix:  opts.Stream,
		group:   opts.Group,
		block:   opts.BlockTimeout,
		minIdle: opts.VisibilityTimeout,
		logger:  log.WithComponent(logger, "queue"),
		credits: make(map[string]float64),
	}
}

func (d *RedisDriver) orgsKey() string    { return d.prefix + ":orgs" }
func (d *RedisDriver) weightsKey() string { return d.prefix + ":weights" }

func (d *RedisDriver) streamKey(orgID string) string { return d.prefix + ":" + orgID }

func (d *RedisDriver) orgFromStream(stream string) string {
	return strings.TrimPrefix(stream, d.prefix+":")
}

// Publish appends the job to its organization's stream. The consumer
// group is created before the organization is registered, so any stream
// found in the registry already has the group.
func (d *RedisDriver) Publish(ctx context.Context, job *Job) error {
	stream := d.streamKey(job.OrganizationID)
	if err := d.ensureGroup(ctx, stream); err != nil {
		return err
	}
	if err := d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: jobValues(job),
	}).Err(); err != nil {
		return fmt.Errorf("appending job to %s: %w", stream, err)
	}
	pipe := d.rdb.Pipeline()
	pipe.SAdd(ctx, d.orgsKey(), job.OrganizationID)
	pipe.HSet(ctx, d.weightsKey(), job.OrganizationID, job.Weight)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registering organization stream: %w", err)
	}
	return nil
}

// Claim returns the next job for a consumer, or nil when none arrives
// within the block timeout. Stale deliveries past the visibility
// timeout are reclaimed first; fresh entries are read in weighted
// round-robin order across organization streams.
func (d *RedisDriver) Claim(ctx context.Context, consumer string) (*Delivery, error) {
	orgs, err := d.rdb.SMembers(ctx, d.orgsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing organization streams: %w", err)
	}
	if len(orgs) == 0 {
		return nil, d.wait(ctx)
	}
	ordered, err := d.claimOrder(ctx, orgs)
	if err != nil {
		return nil, err
	}

	for _, org := range ordered {
		if delivery, err := d.reclaimStale(ctx, d.streamKey(org), consumer); err != nil {
			return nil, err
		} else if delivery != nil {
			d.charge(org)
			return delivery, nil
		}
	}

	for _, org := range ordered {
		if delivery, err := d.readFresh(ctx, d.streamKey(org), consumer, -1); err != nil {
			return nil, err
		} else if delivery != nil {
			d.charge(org)
			return delivery, nil
		}
	}

	// Nothing pending anywhere: block across every stream until one of
	// them produces an entry or the timeout lapses.
	streams := make([]string, 0, 2*len(ordered))
	for _, org := range ordered {
		streams = append(streams, d.streamKey(org))
	}
	for range ordered {
		streams = append(streams, ">")
	}
	res, err := d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    d.group,
		Consumer: consumer,
		Streams:  streams,
		Count:    1,
		Block:    d.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reading execution streams: %w", err)
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			delivery, err := d.decode(stream.Stream, msg)
			if err != nil {
				d.discard(ctx, stream.Stream, msg.ID, err)
				continue
			}
			d.charge(d.orgFromStream(stream.Stream))
			return delivery, nil
		}
	}
	return nil, nil
}

// Ack acknowledges and deletes a delivered job.
func (d *RedisDriver) Ack(ctx context.Context, delivery *Delivery) error {
	pipe := d.rdb.Pipeline()
	pipe.XAck(ctx, delivery.stream, d.group, delivery.id)
	pipe.XDel(ctx, delivery.stream, delivery.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acking %s: %w", delivery.id, err)
	}
	return nil
}

// Requeue re-publishes a delivery at the tail of its stream with an
// updated deferral count and earliest dispatch time, then acks the
// original entry.
func (d *RedisDriver) Requeue(ctx context.Context, delivery *Delivery, notBefore time.Time, deferrals int) error {
	job := delivery.Job
	job.NotBefore = notBefore
	job.Deferrals = deferrals
	if err := d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: delivery.stream,
		Values: jobValues(&job),
	}).Err(); err != nil {
		return fmt.Errorf("requeueing %s: %w", job.ExecutionID, err)
	}
	return d.Ack(ctx, delivery)
}

// Ready reports the number of entries across all organization streams.
func (d *RedisDriver) Ready(ctx context.Context) (int64, error) {
	orgs, err := d.rdb.SMembers(ctx, d.orgsKey()).Result()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, org := range orgs {
		n, err := d.rdb.XLen(ctx, d.streamKey(org)).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Durable reports true: redis streams survive process restarts.
func (d *RedisDriver) Durable() bool { return true }

// Ping checks the redis connection.
func (d *RedisDriver) Ping(ctx context.Context) error {
	return d.rdb.Ping(ctx).Err()
}

// Close releases the redis client.
func (d *RedisDriver) Close() error {
	return d.rdb.Close()
}

func (d *RedisDriver) ensureGroup(ctx context.Context, stream string) error {
	err := d.rdb.XGroupCreateMkStream(ctx, stream, d.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group on %s: %w", stream, err)
	}
	return nil
}

// reclaimStale picks up deliveries another dispatcher claimed but never
// acked within the visibility timeout.
func (d *RedisDriver) reclaimStale(ctx context.Context, stream, consumer string) (*Delivery, error) {
	msgs, _, err := d.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    d.group,
		Consumer: consumer,
		MinIdle:  d.minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reclaiming stale deliveries on %s: %w", stream, err)
	}
	for _, msg := range msgs {
		delivery, err := d.decode(stream, msg)
		if err != nil {
			d.discard(ctx, stream, msg.ID, err)
			continue
		}
		return delivery, nil
	}
	return nil, nil
}

func (d *RedisDriver) readFresh(ctx context.Context, stream, consumer string, block time.Duration) (*Delivery, error) {
	res, err := d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    d.group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", stream, err)
	}
	for _, str := range res {
		for _, msg := range str.Messages {
			delivery, err := d.decode(str.Stream, msg)
			if err != nil {
				d.discard(ctx, str.Stream, msg.ID, err)
				continue
			}
			return delivery, nil
		}
	}
	return nil, nil
}

// claimOrder sorts organizations by remaining round-robin credit.
// Credits refill from plan weights whenever every organization is
// spent, so an organization with weight 3 gets three claims for every
// one a weight-1 organization gets under contention.
func (d *RedisDriver) claimOrder(ctx context.Context, orgs []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	spent := true
	for _, org := range orgs {
		if d.credits[org] >= 1 {
			spent = false
			break
		}
	}
	if spent {
		weights, err := d.rdb.HGetAll(ctx, d.weightsKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("loading plan weights: %w", err)
		}
		for _, org := range orgs {
			w := 1.0
			if raw, ok := weights[org]; ok {
				if parsed, perr := strconv.ParseFloat(raw, 64); perr == nil && parsed >= 1 {
					w = parsed
				}
			}
			d.credits[org] += w
		}
	}

	ordered := make([]string, len(orgs))
	copy(ordered, orgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		ci, cj := d.credits[ordered[i]], d.credits[ordered[j]]
		if ci != cj {
			return ci > cj
		}
		return ordered[i] < ordered[j]
	})
	return ordered, nil
}

func (d *RedisDriver) charge(orgID string) {
	d.mu.Lock()
	d.credits[orgID]--
	d.mu.Unlock()
}

// wait blocks for the claim timeout when no streams exist yet.
func (d *RedisDriver) wait(ctx context.Context) error {
	timer := time.NewTimer(d.block)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// discard acks an entry that cannot be decoded so it does not wedge the
// stream.
func (d *RedisDriver) discard(ctx context.Context, stream, id string, cause error) {
	d.logger.Error("discarding undecodable queue entry",
		slog.String("stream", stream), slog.String("entry_id", id), log.Error(cause))
	d.rdb.XAck(ctx, stream, d.group, id)
	d.rdb.XDel(ctx, stream, id)
}

func (d *RedisDriver) decode(stream string, msg redis.XMessage) (*Delivery, error) {
	job, err := jobFromValues(msg.Values)
	if err != nil {
		return nil, err
	}
	return &Delivery{Job: *job, stream: stream, id: msg.ID}, nil
}

func jobValues(job *Job) map[string]any {
	values := map[string]any{
		"execution_id": job.ExecutionID,
		"org_id":       job.OrganizationID,
		"weight":       strconv.Itoa(job.Weight),
		"deferrals":    strconv.Itoa(job.Deferrals),
		"enqueued_at":  job.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		"request":      string(job.Request),
	}
	if job.UserID != "" {
		values["user_id"] = job.UserID
	}
	if !job.NotBefore.IsZero() {
		values["not_before"] = job.NotBefore.UTC().Format(time.RFC3339Nano)
	}
	return values
}

func jobFromValues(values map[string]any) (*Job, error) {
	job := &Job{
		ExecutionID:    stringValue(values, "execution_id"),
		OrganizationID: stringValue(values, "org_id"),
		UserID:         stringValue(values, "user_id"),
		Request:        []byte(stringValue(values, "request")),
	}
	if job.ExecutionID == "" {
		return nil, fmt.Errorf("queue entry has no execution_id")
	}
	if raw := stringValue(values, "weight"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			job.Weight = n
		}
	}
	if raw := stringValue(values, "deferrals"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			job.Deferrals = n
		}
	}
	if raw := stringValue(values, "enqueued_at"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing enqueued_at: %w", err)
		}
		job.EnqueuedAt = t
	}
	if raw := stringValue(values, "not_before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing not_before: %w", err)
		}
		job.NotBefore = t
	}
	return job, nil
}

func stringValue(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
