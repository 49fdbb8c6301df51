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
	"time"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credential"
	"github.com/tombee/switchboard/internal/registry"
	sberrors "github.com/tombee/switchboard/pkg/errors"
	"github.com/tombee/switchboard/pkg/workflow"
)

// runAction invokes a connector function. Credentials resolve once per
// node; only the connector call itself is retried.
func (e *Engine) runAction(ctx context.Context, st *execState, node *workflow.Node, params map[string]any, res *workflow.NodeResult) (any, error) {
	appID := node.AppID()
	if appID == "" {
		return nil, &sberrors.NodeError{
			Code:    sberrors.CodeMissingApp,
			NodeID:  node.ID,
			Message: "action node does not name a connector",
		}
	}
	functionID := node.FunctionID()
	if functionID == "" {
		return nil, &sberrors.NodeError{
			Code:    sberrors.CodeMissingFunction,
			NodeID:  node.ID,
			Message: fmt.Sprintf("action node does not name a %s function", appID),
		}
	}

	rt := e.connectors.RuntimeFor(appID)
	res.SetDiagnostic("runtime", string(rt))
	if rt == registry.RuntimeUnavailable {
		if def, ok := e.connectors.Definition(appID); ok && def.AppsScript {
			res.SetDiagnostic("reason", "apps_script_disabled")
			return nil, &sberrors.NodeError{
				Code:    sberrors.CodeAppsScriptDisabled,
				NodeID:  node.ID,
				Message: fmt.Sprintf("connector %s runs on the Apps Script bridge, which is disabled for this deployment", appID),
			}
		}
		res.SetDiagnostic("reason", "runtime_unavailable")
		return nil, &sberrors.NodeError{
			Code:    sberrors.CodeRuntimeUnavailable,
			NodeID:  node.ID,
			Message: fmt.Sprintf("connector %s has no execution path", appID),
		}
	}

	if st.dryRun {
		res.Summary = fmt.Sprintf("dry run: would invoke %s.%s", appID, functionID)
		return map[string]any{
			"dryRun":     true,
			"appId":      appID,
			"functionId": functionID,
			"runtime":    string(rt),
		}, nil
	}

	ctor, _, err := e.connectors.ClientFor(appID)
	if err != nil {
		return nil, &sberrors.NodeError{
			Code:    sberrors.CodeRuntimeUnavailable,
			NodeID:  node.ID,
			Message: fmt.Sprintf("connector %s has no client: %s", appID, err),
			Cause:   err,
		}
	}

	inline, _ := node.Data["credentials"].(map[string]any)
	resolution, err := e.creds.Resolve(st.hard, credential.Request{
		OrganizationID: st.rec.OrganizationID,
		UserID:         st.rec.UserID,
		ConnectorID:    appID,
		ConnectionID:   node.Data.ConnectionID(),
		Inline:         inline,
	})
	if err != nil {
		var credErr *sberrors.CredentialError
		if sberrors.As(err, &credErr) {
			return nil, &sberrors.NodeError{
				Code:      credErr.RuntimeCode(),
				NodeID:    node.ID,
				Message:   credErr.Error(),
				Retryable: credErr.IsRetryable(),
				Cause:     err,
			}
		}
		return nil, &sberrors.NodeError{
			Code:    sberrors.CodeIntegrationError,
			NodeID:  node.ID,
			Message: fmt.Sprintf("resolving credentials: %s", err),
			Cause:   err,
		}
	}
	res.SetDiagnostic("credentialSource", resolution.Source)

	client, err := ctor(resolution.Credentials)
	if err != nil {
		return nil, &sberrors.NodeError{
			Code:    sberrors.CodeIntegrationError,
			NodeID:  node.ID,
			Message: fmt.Sprintf("building %s client: %s", appID, err),
			Cause:   err,
		}
	}

	return e.invoke(ctx, st, node, client, appID, functionID, params, resolution.AdditionalConfig, res)
}

// invoke runs the connector call under the node's retry policy. The
// attempt context derives from the detached execution context so a
// cancel lets the in-flight call finish; its result is then discarded.
func (e *Engine) invoke(ctx context.Context, st *execState, node *workflow.Node, client connector.Client, appID, functionID string, params map[string]any, additionalConfig map[string]any, res *workflow.NodeResult) (any, error) {
	cfg := node.Data.Config()
	policy := retryPolicyFrom(cfg)
	timeout := nodeTimeout(cfg, e.opts.NodeTimeout)

	callCtx := connector.WithCallMeta(st.hard, connector.CallMeta{
		ExecutionID:      st.rec.ID,
		NodeID:           node.ID,
		IdempotencyKey:   workflow.IdempotencyKey(st.rec.ID, node.ID),
		AdditionalConfig: additionalConfig,
	})

	started := e.now()
	var result *connector.Result
	var callErr error
	for attempt := 1; attempt <= policy.maxAttempts; attempt++ {
		res.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(callCtx, timeout)
		result, callErr = client.Execute(attemptCtx, functionID, params)
		cancel()

		if ctx.Err() != nil {
			res.AddLog("connector result discarded: execution cancelled")
			return nil, cancelledError(node.ID)
		}

		if callErr == nil && result != nil && result.Success {
			elapsed := e.now().Sub(started).Round(time.Millisecond)
			res.Summary = fmt.Sprintf("%s.%s completed in %s", appID, functionID, elapsed)
			return result.Data, nil
		}

		retryable, retryAfter := retryDecision(result, callErr)
		if !retryable || attempt == policy.maxAttempts {
			break
		}
		delay := policy.delay(attempt, e.random)
		if retryAfter > delay {
			delay = retryAfter
		}
		res.AddLog(fmt.Sprintf("attempt %d failed: %s; retrying in %s", attempt, attemptFailure(result, callErr), delay.Round(time.Millisecond)))
		if err := e.sleep(st.hard, delay); err != nil {
			break
		}
	}

	if st.hard.Err() != nil {
		return nil, deadlineError(node.ID, e.opts.Deadline)
	}
	return nil, actionError(node.ID, result, callErr)
}

// attemptFailure summarizes one failed attempt for the node log.
func attemptFailure(result *connector.Result, callErr error) string {
	if callErr != nil {
		return callErr.Error()
	}
	if result != nil {
		if result.Error != "" {
			return result.Error
		}
		if result.StatusCode != 0 {
			return fmt.Sprintf("status %d", result.StatusCode)
		}
	}
	return "unsuccessful result"
}

// actionError converts the terminal call outcome into a node error.
func actionError(nodeID string, result *connector.Result, callErr error) error {
	if callErr != nil {
		var connErr *connector.Error
		if sberrors.As(callErr, &connErr) {
			code := sberrors.CodeIntegrationError
			if connErr.Type == connector.ErrorTypeTimeout {
				code = sberrors.CodeTimeout
			}
			return &sberrors.NodeError{
				Code:      code,
				NodeID:    nodeID,
				Message:   connErr.Error(),
				Retryable: connErr.IsRetryable(),
				Cause:     callErr,
			}
		}
		if sberrors.Is(callErr, context.DeadlineExceeded) {
			return &sberrors.NodeError{
				Code:      sberrors.CodeTimeout,
				NodeID:    nodeID,
				Message:   "connector call timed out",
				Retryable: true,
				Cause:     callErr,
			}
		}
		return &sberrors.NodeError{
			Code:    sberrors.CodeIntegrationError,
			NodeID:  nodeID,
			Message: callErr.Error(),
			Cause:   callErr,
		}
	}
	if result != nil {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("connector call failed with status %d", result.StatusCode)
		}
		return &sberrors.NodeError{
			Code:      sberrors.CodeIntegrationError,
			NodeID:    nodeID,
			Message:   msg,
			Retryable: retryableStatus(result.StatusCode),
		}
	}
	return &sberrors.NodeError{
		Code:    sberrors.CodeIntegrationError,
		NodeID:  nodeID,
		Message: "connector returned no result",
	}
}

// nodeTimeout reads a per-node attempt timeout from the node config.
func nodeTimeout(cfg map[string]any, fallback time.Duration) time.Duration {
	if d, ok := durationValue(cfg["timeout"]); ok && d > 0 {
		return d
	}
	return fallback
}
