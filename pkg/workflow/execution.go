package workflow

import (
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

// Execution statuses
const (
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Valid statuses for validation
var validStatuses = map[ExecutionStatus]bool{
	StatusQueued:    true,
	StatusRunning:   true,
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// IsValid checks if a status is valid.
func (s ExecutionStatus) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal returns true if the status is terminal. Execution records
// are immutable once terminal.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// DurabilityInMemory labels executions queued through the non-durable
// dev driver.
const DurabilityInMemory = "in_memory"

// TriggerType identifies how an execution was started.
type TriggerType string

// Trigger types
const (
	TriggerManual    TriggerType = "manual"
	TriggerWebhook   TriggerType = "webhook"
	TriggerPolling   TriggerType = "polling"
	TriggerScheduled TriggerType = "scheduled"
)

// Valid trigger types for validation
var validTriggerTypes = map[TriggerType]bool{
	TriggerManual:    true,
	TriggerWebhook:   true,
	TriggerPolling:   true,
	TriggerScheduled: true,
}

// IsValid checks if a trigger type is valid.
func (t TriggerType) IsValid() bool {
	return validTriggerTypes[t]
}

// NodeStatus represents the per-node outcome within an execution.
type NodeStatus string

// Node statuses
const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeResult records everything the runtime learned about one node:
// the resolved parameters it ran with, its output and a truncated
// preview, captured logs, and diagnostics such as the selected branch
// or a cycle marker.
type NodeResult struct {
	NodeID           string         `json:"nodeId"`
	Status           NodeStatus     `json:"status"`
	Summary          string         `json:"summary,omitempty"`
	Output           any            `json:"output,omitempty"`
	Preview          any            `json:"preview,omitempty"`
	Logs             []string       `json:"logs,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Diagnostics      map[string]any `json:"diagnostics,omitempty"`
	SelectedEdgeID   string         `json:"selectedEdgeId,omitempty"`
	SelectedTargetID string         `json:"selectedTargetId,omitempty"`
	Attempts         int            `json:"attempts,omitempty"`
	Error            string         `json:"error,omitempty"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	FinishedAt       *time.Time     `json:"finishedAt,omitempty"`
}

// AddLog appends a log line to the node result.
func (r *NodeResult) AddLog(line string) {
	r.Logs = append(r.Logs, line)
}

// SetDiagnostic records a diagnostic key for the node.
func (r *NodeResult) SetDiagnostic(key string, value any) {
	if r.Diagnostics == nil {
		r.Diagnostics = make(map[string]any)
	}
	r.Diagnostics[key] = value
}

// ExecutionRecord is the persisted state of one workflow execution.
// Created at enqueue, mutated by the dispatcher and runtime, immutable
// after reaching a terminal status.
type ExecutionRecord struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflowId"`
	OrganizationID string                 `json:"organizationId"`
	UserID         string                 `json:"userId,omitempty"`
	TriggerType    TriggerType            `json:"triggerType"`
	Status         ExecutionStatus        `json:"status"`
	Nodes          map[string]*NodeResult `json:"nodes,omitempty"`
	Error          string                 `json:"error,omitempty"`
	// Durability is "in_memory" for executions queued through the
	// non-durable dev driver, empty otherwise.
	Durability string     `json:"durability,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// NodeResult returns the result entry for a node, creating it on first
// access.
func (e *ExecutionRecord) NodeResult(nodeID string) *NodeResult {
	if e.Nodes == nil {
		e.Nodes = make(map[string]*NodeResult)
	}
	r, ok := e.Nodes[nodeID]
	if !ok {
		r = &NodeResult{NodeID: nodeID, Status: NodePending}
		e.Nodes[nodeID] = r
	}
	return r
}

// MarkRunning transitions the record to running and stamps StartedAt on
// the first call.
func (e *ExecutionRecord) MarkRunning(now time.Time) {
	e.Status = StatusRunning
	e.UpdatedAt = now
	if e.StartedAt == nil {
		t := now
		e.StartedAt = &t
	}
}

// MarkTerminal transitions the record to a terminal status and stamps
// FinishedAt. It is a no-op when the record is already terminal.
func (e *ExecutionRecord) MarkTerminal(status ExecutionStatus, errMsg string, now time.Time) {
	if e.Status.IsTerminal() {
		return
	}
	e.Status = status
	e.Error = errMsg
	e.UpdatedAt = now
	if e.FinishedAt == nil {
		t := now
		e.FinishedAt = &t
	}
}

// IdempotencyKey builds the key the runtime supplies to every connector
// call so that retried invocations of the same node are safe to replay.
func IdempotencyKey(executionID, nodeID string) string {
	return executionID + ":" + nodeID
}
