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
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/switchboard/pkg/workflow"
)

// TriggerData carries the event that starts an execution: the parsed
// payload plus enough provenance to resolve the trigger node.
type TriggerData struct {
	AppID       string            `json:"appId,omitempty"`
	TriggerID   string            `json:"triggerId,omitempty"`
	Payload     map[string]any    `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	DedupeToken string            `json:"dedupeToken,omitempty"`
	// Timestamp is the event receipt time, RFC3339.
	Timestamp string `json:"timestamp"`
	// Source names the producer: a connector id, "manual", "schedule".
	Source string `json:"source"`
}

// RunRequest is the canonical on-wire enqueue request. Every producer
// (webhook ingestion, polling scheduler, cron scheduler, manual API)
// serializes exactly this shape into the outbox and onto the queue.
type RunRequest struct {
	WorkflowID     string               `json:"workflowId"`
	OrganizationID string               `json:"organizationId"`
	UserID         string               `json:"userId,omitempty"`
	TriggerType    workflow.TriggerType `json:"triggerType"`
	TriggerData    TriggerData          `json:"triggerData"`

	// OutboxID names the outbox record this request replays from. The
	// replayer sets it after claiming the record; admission derives the
	// execution id from it so repeated deliveries of one record admit at
	// most one execution.
	OutboxID string `json:"outboxId,omitempty"`
}

// Validate checks the request is dispatchable.
func (r *RunRequest) Validate() error {
	if r.WorkflowID == "" {
		return fmt.Errorf("workflowId is required")
	}
	if r.OrganizationID == "" {
		return fmt.Errorf("organizationId is required")
	}
	switch r.TriggerType {
	case workflow.TriggerManual, workflow.TriggerWebhook, workflow.TriggerPolling, workflow.TriggerScheduled:
	default:
		return fmt.Errorf("unknown trigger type %q", r.TriggerType)
	}
	if r.TriggerData.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, r.TriggerData.Timestamp); err != nil {
			return fmt.Errorf("triggerData.timestamp is not RFC3339: %w", err)
		}
	}
	return nil
}

// Encode serializes the request to its canonical JSON form.
func (r *RunRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRunRequest parses and validates a canonical run request.
func DecodeRunRequest(data []byte) (*RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decoding run request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
