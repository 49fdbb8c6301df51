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

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credential"
	"github.com/tombee/switchboard/internal/jq"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/registry"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
	"github.com/tombee/switchboard/pkg/workflow/resolve"
)

const (
	// defaultNodeTimeout bounds one connector invocation attempt.
	defaultNodeTimeout = 30 * time.Second

	// defaultDeadline bounds the whole execution.
	defaultDeadline = 10 * time.Minute

	// persistTimeout bounds one incremental node-result write.
	persistTimeout = 10 * time.Second
)

// Store persists node results as the walk progresses.
type Store interface {
	SaveNodeResult(ctx context.Context, executionID string, result *workflow.NodeResult) error
}

// Connectors hands out connector clients and their effective
// availability. Satisfied by *registry.Registry.
type Connectors interface {
	ClientFor(connectorID string) (connector.Constructor, registry.Runtime, error)
	RuntimeFor(connectorID string) registry.Runtime
	Definition(connectorID string) (*connector.Definition, bool)
}

// Credentials resolves what an action node authenticates with.
type Credentials interface {
	Resolve(ctx context.Context, req credential.Request) (*credential.Resolution, error)
}

// Recorder observes node completions for metrics.
type Recorder interface {
	RecordNode(ctx context.Context, role, status string, duration time.Duration)
}

// Options tune execution timing.
type Options struct {
	// NodeTimeout bounds a single connector call attempt. Nodes may
	// lower it through their retry config; zero means the default.
	NodeTimeout time.Duration

	// Deadline is the hard bound on one execution. Exceeding it fails
	// the execution with a timeout error.
	Deadline time.Duration
}

func (o Options) withDefaults() Options {
	if o.NodeTimeout <= 0 {
		o.NodeTimeout = defaultNodeTimeout
	}
	if o.Deadline <= 0 {
		o.Deadline = defaultDeadline
	}
	return o
}

// Engine executes workflow graphs. Safe for concurrent use; each
// execution carries its own state.
type Engine struct {
	store      Store
	connectors Connectors
	creds      Credentials
	resolver   *resolve.Resolver
	transforms *jq.Executor
	recorder   Recorder
	logger     *slog.Logger
	opts       Options

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// Option customizes engine construction.
type Option func(*Engine)

// WithRecorder wires a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an execution engine.
func New(st Store, connectors Connectors, creds Credentials, opts Options, logger *slog.Logger, eopts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		store:      st,
		connectors: connectors,
		creds:      creds,
		resolver:   resolve.New(),
		transforms: jq.NewExecutor(0, 0),
		logger:     log.WithComponent(logger, "runtime"),
		opts:       opts.withDefaults(),
		now:        time.Now,
		random:     rand.Float64,
	}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range eopts {
		opt(e)
	}
	return e
}

// execState is the working set of one execution walk.
type execState struct {
	rec  *workflow.ExecutionRecord
	plan *workflow.Plan
	req  *queue.RunRequest

	outputs map[string]any
	vars    map[string]any
	aliases map[string]any

	skip       map[string]bool
	skipReason map[string]string

	dryRun      bool
	stopOnError bool

	// base is detached from the claim context so persistence and
	// in-flight connector calls survive cancellation; hard carries the
	// execution deadline on top of base.
	base context.Context
	hard context.Context
}

func (st *execState) resolveContext() *resolve.Context {
	return &resolve.Context{NodeOutputs: st.outputs, Variables: st.vars, Aliases: st.aliases}
}

// Run executes a workflow against an execution record the dispatcher
// already marked running. On return the record carries the terminal
// status and every node result.
func (e *Engine) Run(ctx context.Context, rec *workflow.ExecutionRecord, wf *store.Workflow, req *queue.RunRequest) error {
	return e.execute(ctx, rec, wf, req, false)
}

// DryRun walks the graph without resolving credentials, invoking
// connectors, or persisting anything. Trigger nodes synthesize a sample
// record; action nodes report what they would call. The returned record
// is complete even when the walk failed partway.
func (e *Engine) DryRun(ctx context.Context, wf *store.Workflow, req *queue.RunRequest) (*workflow.ExecutionRecord, error) {
	now := e.now()
	rec := &workflow.ExecutionRecord{
		ID:             "dryrun-" + uuid.NewString(),
		WorkflowID:     wf.ID,
		OrganizationID: wf.OrganizationID,
		UserID:         wf.UserID,
		TriggerType:    workflow.TriggerManual,
		Status:         workflow.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req == nil {
		req = &queue.RunRequest{
			WorkflowID:     wf.ID,
			OrganizationID: wf.OrganizationID,
			TriggerType:    workflow.TriggerManual,
		}
	}
	rec.MarkRunning(now)
	err := e.execute(ctx, rec, wf, req, true)
	return rec, err
}

func (e *Engine) execute(ctx context.Context, rec *workflow.ExecutionRecord, wf *store.Workflow, req *queue.RunRequest, dryRun bool) error {
	logger := e.logger.With(
		log.String(log.ExecutionIDKey, rec.ID),
		log.String(log.WorkflowIDKey, wf.ID),
		log.String(log.OrgIDKey, wf.OrganizationID),
	)

	graph, err := workflow.ParseGraph(wf.Graph)
	if err != nil {
		gerr := &sberrors.NodeError{Code: sberrors.CodeInvalidGraph, Message: err.Error(), Cause: err}
		rec.MarkTerminal(workflow.StatusFailed, gerr.Error(), e.now())
		return gerr
	}
	plan, err := graph.Plan()
	if err != nil {
		gerr := &sberrors.NodeError{Code: sberrors.CodeInvalidGraph, Message: err.Error(), Cause: err}
		rec.MarkTerminal(workflow.StatusFailed, gerr.Error(), e.now())
		return gerr
	}

	base := context.WithoutCancel(ctx)
	hard, cancel := context.WithTimeout(base, e.opts.Deadline)
	defer cancel()

	st := &execState{
		rec:         rec,
		plan:        plan,
		req:         req,
		outputs:     make(map[string]any),
		vars:        wf.Variables,
		skip:        make(map[string]bool),
		skipReason:  make(map[string]string),
		dryRun:      dryRun,
		stopOnError: graph.StopOnError,
		base:        base,
		hard:        hard,
	}
	e.seedTrigger(st, graph)

	var firstErr error
	var firstMsg string
	for _, id := range plan.Order() {
		if err := e.checkBoundary(ctx, st, logger); err != nil {
			return err
		}
		node, ok := plan.Node(id)
		if !ok {
			continue
		}
		if st.skip[id] {
			e.recordSkip(st, id)
			continue
		}
		if _, err := e.runNode(ctx, st, node, logger); err != nil {
			if ctx.Err() != nil {
				rec.MarkTerminal(workflow.StatusCancelled, "execution cancelled", e.now())
				return ctx.Err()
			}
			msg := fmt.Sprintf("node %s failed: %s", id, err.Error())
			if st.stopOnError {
				rec.MarkTerminal(workflow.StatusFailed, msg, e.now())
				return err
			}
			if firstErr == nil {
				firstErr, firstMsg = err, msg
			}
			// Only nodes with no live path around the failure die with
			// it; independent branches keep running.
			for pid := range plan.PruneSet(id, plan.Outgoing(id)) {
				if !st.skip[pid] {
					st.skip[pid] = true
					st.skipReason[pid] = fmt.Sprintf("upstream node %s failed", id)
				}
			}
		}
	}

	if err := e.checkBoundary(ctx, st, logger); err != nil {
		return err
	}
	if firstErr != nil {
		rec.MarkTerminal(workflow.StatusFailed, firstMsg, e.now())
		return firstErr
	}
	rec.MarkTerminal(workflow.StatusSucceeded, "", e.now())
	logger.Info("execution succeeded", log.Int("nodes", len(rec.Nodes)))
	return nil
}

// checkBoundary enforces cancellation and the hard deadline between
// nodes. Nodes already running are never interrupted by it.
func (e *Engine) checkBoundary(ctx context.Context, st *execState, logger *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		st.rec.MarkTerminal(workflow.StatusCancelled, "cancelled at node boundary", e.now())
		logger.Info("execution cancelled at node boundary")
		return err
	}
	if st.hard.Err() != nil {
		msg := fmt.Sprintf("timeout: execution exceeded %s deadline", e.opts.Deadline)
		st.rec.MarkTerminal(workflow.StatusFailed, msg, e.now())
		logger.Warn("execution deadline exceeded", log.Duration(log.DurationKey, e.opts.Deadline.Milliseconds()))
		return &sberrors.NodeError{Code: sberrors.CodeTimeout, Message: msg}
	}
	return nil
}

// recordSkip marks a pruned node skipped. Results a loop body walk
// already wrote stay untouched.
func (e *Engine) recordSkip(st *execState, id string) {
	res := st.rec.NodeResult(id)
	if res.Status != workflow.NodePending {
		return
	}
	res.Status = workflow.NodeSkipped
	res.Summary = st.skipReason[id]
	e.saveResult(st, res)
}

func (e *Engine) runNode(ctx context.Context, st *execState, node *workflow.Node, logger *slog.Logger) (*workflow.NodeResult, error) {
	res := st.rec.NodeResult(node.ID)
	start := e.now()
	res.StartedAt = &start
	res.Status = workflow.NodeRunning
	if st.plan.CycleSuspected(node.ID) {
		res.SetDiagnostic("cycle_suspected", true)
	}

	role := node.Role()
	params, diags := e.resolver.Parameters(node.Data.Parameters(), st.resolveContext())
	res.Parameters = params
	for _, d := range diags {
		res.AddLog("resolve: " + d)
	}

	var output any
	var err error
	switch role {
	case workflow.RoleTrigger:
		output, err = e.runTrigger(st, node, res)
	case workflow.RoleTransform:
		output, err = e.runTransform(st, node, params, res)
	case workflow.RoleCondition:
		output, err = e.runCondition(st, node, params, res)
	case workflow.RoleLoop:
		output, err = e.runLoop(ctx, st, node, params, logger, res)
	case workflow.RoleAction:
		output, err = e.runAction(ctx, st, node, params, res)
	default:
		err = &sberrors.NodeError{
			Code:    sberrors.CodeUnknownNodeType,
			NodeID:  node.ID,
			Message: fmt.Sprintf("role %q has no executor", role),
		}
	}

	finished := e.now()
	res.FinishedAt = &finished
	if err != nil {
		res.Status = workflow.NodeFailed
		res.Error = err.Error()
		logger.Warn("node failed",
			log.String(log.NodeIDKey, node.ID),
			log.String("role", string(role)),
			log.Error(err),
		)
	} else {
		res.Status = workflow.NodeSucceeded
		res.Output = output
		res.Preview = workflow.BuildPreview(output)
		st.outputs[node.ID] = output
	}
	e.saveResult(st, res)
	if e.recorder != nil {
		e.recorder.RecordNode(st.base, string(role), string(res.Status), finished.Sub(start))
	}
	return res, err
}

// saveResult writes one node result. Persistence failures never fail
// the execution; the walk continues on in-memory state.
func (e *Engine) saveResult(st *execState, res *workflow.NodeResult) {
	if st.dryRun || e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(st.base, persistTimeout)
	defer cancel()
	if err := e.store.SaveNodeResult(ctx, st.rec.ID, res); err != nil {
		e.logger.Warn("persisting node result failed",
			log.String(log.ExecutionIDKey, st.rec.ID),
			log.String(log.NodeIDKey, res.NodeID),
			log.Error(err),
		)
	}
}

// seedTrigger materializes the trigger payload under "trigger" and
// under the trigger node the request addresses. When the request names
// an app and trigger that no node matches, the first declared trigger
// node receives the seed.
func (e *Engine) seedTrigger(st *execState, graph *workflow.Graph) {
	seed := triggerSeed(st.req)
	st.outputs["trigger"] = seed

	triggers := graph.TriggerNodes()
	if len(triggers) == 0 {
		return
	}
	td := st.req.TriggerData
	var seeded bool
	if td.AppID != "" {
		for i := range triggers {
			n := &triggers[i]
			if n.AppID() == td.AppID && n.FunctionID() == td.TriggerID {
				st.outputs[n.ID] = seed
				seeded = true
			}
		}
	}
	if !seeded {
		st.outputs[triggers[0].ID] = seed
	}
}

// triggerSeed shapes the request's trigger data into the scope payload.
// Manual runs pass their payload through verbatim; event triggers wrap
// payload, headers, and provenance fields.
func triggerSeed(req *queue.RunRequest) map[string]any {
	td := req.TriggerData
	if req.TriggerType == workflow.TriggerManual {
		if td.Payload != nil {
			return td.Payload
		}
		return map[string]any{}
	}
	seed := map[string]any{}
	if td.Payload != nil {
		seed["payload"] = td.Payload
	}
	if len(td.Headers) > 0 {
		headers := make(map[string]any, len(td.Headers))
		for k, v := range td.Headers {
			headers[k] = v
		}
		seed["headers"] = headers
	}
	if td.DedupeToken != "" {
		seed["dedupeToken"] = td.DedupeToken
	}
	if td.Timestamp != "" {
		seed["timestamp"] = td.Timestamp
	}
	if td.Source != "" {
		seed["source"] = td.Source
	}
	return seed
}
