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

package tracing

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector records platform metrics. One instance is shared by
// every component; the methods match the Recorder interfaces declared
// where each component consumes telemetry.
type MetricsCollector struct {
	meter metric.Meter

	executionsTotal    metric.Int64Counter
	enqueuesTotal      metric.Int64Counter
	nodesTotal         metric.Int64Counter
	webhookEventsTotal metric.Int64Counter
	pollCyclesTotal    metric.Int64Counter
	outboxReplaysTotal metric.Int64Counter
	connectorCalls     metric.Int64Counter

	executionDuration metric.Float64Histogram
	nodeDuration      metric.Float64Histogram
	connectorDuration metric.Float64Histogram

	queueDepth    atomic.Int64
	running       atomic.Int64
	outboxBacklog atomic.Int64
}

// NewMetricsCollector creates the collector and registers its
// instruments on the given meter provider.
func NewMetricsCollector(provider metric.MeterProvider) (*MetricsCollector, error) {
	meter := provider.Meter("switchboard")
	mc := &MetricsCollector{meter: meter}

	var err error
	if mc.executionsTotal, err = meter.Int64Counter(
		"switchboard_executions_total",
		metric.WithDescription("Completed workflow executions by outcome"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if mc.enqueuesTotal, err = meter.Int64Counter(
		"switchboard_enqueues_total",
		metric.WithDescription("Enqueue attempts by admission outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if mc.nodesTotal, err = meter.Int64Counter(
		"switchboard_nodes_total",
		metric.WithDescription("Executed workflow nodes by role and status"),
		metric.WithUnit("{node}"),
	); err != nil {
		return nil, err
	}
	if mc.webhookEventsTotal, err = meter.Int64Counter(
		"switchboard_webhook_events_total",
		metric.WithDescription("Webhook deliveries by provider and outcome"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if mc.pollCyclesTotal, err = meter.Int64Counter(
		"switchboard_poll_cycles_total",
		metric.WithDescription("Polling trigger cycles by outcome"),
		metric.WithUnit("{cycle}"),
	); err != nil {
		return nil, err
	}
	if mc.outboxReplaysTotal, err = meter.Int64Counter(
		"switchboard_outbox_replays_total",
		metric.WithDescription("Outbox replay attempts by outcome"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if mc.connectorCalls, err = meter.Int64Counter(
		"switchboard_connector_calls_total",
		metric.WithDescription("Connector invocations by connector and status code"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}

	if mc.executionDuration, err = meter.Float64Histogram(
		"switchboard_execution_duration_seconds",
		metric.WithDescription("Workflow execution duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if mc.nodeDuration, err = meter.Float64Histogram(
		"switchboard_node_duration_seconds",
		metric.WithDescription("Node execution duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if mc.connectorDuration, err = meter.Float64Histogram(
		"switchboard_connector_call_duration_seconds",
		metric.WithDescription("Connector call duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if _, err = meter.Int64ObservableGauge(
		"switchboard_queue_depth",
		metric.WithDescription("Ready executions waiting in the queue"),
		metric.WithUnit("{execution}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(mc.queueDepth.Load())
			return nil
		}),
	); err != nil {
		return nil, err
	}
	if _, err = meter.Int64ObservableGauge(
		"switchboard_running_executions",
		metric.WithDescription("Executions currently held by a dispatcher"),
		metric.WithUnit("{execution}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(mc.running.Load())
			return nil
		}),
	); err != nil {
		return nil, err
	}
	if _, err = meter.Int64ObservableGauge(
		"switchboard_outbox_backlog",
		metric.WithDescription("Pending trigger outbox records"),
		metric.WithUnit("{record}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(mc.outboxBacklog.Load())
			return nil
		}),
	); err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordEnqueue counts one admission outcome ("accepted", "deferred" or
// a rejection code).
func (mc *MetricsCollector) RecordEnqueue(ctx context.Context, outcome string) {
	mc.enqueuesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordExecution counts a finished execution and records its duration.
func (mc *MetricsCollector) RecordExecution(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	mc.executionsTotal.Add(ctx, 1, attrs)
	mc.executionDuration.Record(ctx, duration.Seconds(), attrs)
}

// ExecutionStarted bumps the running-executions gauge.
func (mc *MetricsCollector) ExecutionStarted() {
	mc.running.Add(1)
}

// ExecutionFinished releases the running-executions gauge.
func (mc *MetricsCollector) ExecutionFinished() {
	for {
		cur := mc.running.Load()
		if cur <= 0 {
			return
		}
		if mc.running.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// RecordNode counts a completed node and records its duration.
func (mc *MetricsCollector) RecordNode(ctx context.Context, role, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("status", status),
	)
	mc.nodesTotal.Add(ctx, 1, attrs)
	mc.nodeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordWebhookEvent counts one webhook delivery outcome.
func (mc *MetricsCollector) RecordWebhookEvent(ctx context.Context, provider, status string) {
	mc.webhookEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

// RecordPollCycle counts one polling cycle outcome.
func (mc *MetricsCollector) RecordPollCycle(ctx context.Context, outcome string) {
	mc.pollCyclesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordOutboxReplay counts one outbox replay attempt outcome.
func (mc *MetricsCollector) RecordOutboxReplay(ctx context.Context, outcome string) {
	mc.outboxReplaysTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SetOutboxBacklog publishes the pending outbox depth.
func (mc *MetricsCollector) SetOutboxBacklog(pending int) {
	mc.outboxBacklog.Store(int64(pending))
}

// SetQueueDepth publishes the ready queue depth.
func (mc *MetricsCollector) SetQueueDepth(depth int64) {
	mc.queueDepth.Store(depth)
}

// RecordConnectorCall counts one connector invocation and records its
// duration. A zero status code means the call never reached the
// provider.
func (mc *MetricsCollector) RecordConnectorCall(connectorID, functionID string, statusCode int, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("connector", connectorID),
		attribute.String("function", functionID),
		attribute.String("status_code", strconv.Itoa(statusCode)),
	)
	mc.connectorCalls.Add(ctx, 1, attrs)
	mc.connectorDuration.Record(ctx, duration.Seconds(), attrs)
}
