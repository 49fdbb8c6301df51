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

package errors

import (
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable error code carried across API and
// queue boundaries. Codes never change once released; clients key off them.
type Code string

// Admission codes: returned synchronously when a request is rejected
// before any work is admitted.
const (
	CodeOrganizationRequired         Code = "ORGANIZATION_REQUIRED"
	CodeUnauthenticated              Code = "UNAUTHENTICATED"
	CodeForbidden                    Code = "FORBIDDEN"
	CodeQueueUnavailable             Code = "QUEUE_UNAVAILABLE"
	CodeExecutionQuotaExceeded       Code = "EXECUTION_QUOTA_EXCEEDED"
	CodeConnectorConcurrencyExceeded Code = "CONNECTOR_CONCURRENCY_EXCEEDED"
	CodeUsageQuotaExceeded           Code = "USAGE_QUOTA_EXCEEDED"
)

// Graph and validation codes.
const (
	CodeInvalidGraph      Code = "INVALID_GRAPH"
	CodeMissingApp        Code = "MISSING_APP"
	CodeMissingFunction   Code = "MISSING_FUNCTION"
	CodeMissingConnection Code = "MISSING_CONNECTION"
	CodeUnknownNodeType   Code = "UNKNOWN_NODE_TYPE"
)

// Runtime codes: captured per node during execution.
const (
	CodeRuntimeUnavailable           Code = "RUNTIME_UNAVAILABLE"
	CodeAppsScriptDisabled           Code = "APPS_SCRIPT_DISABLED"
	CodeExpressionError              Code = "EXPRESSION_ERROR"
	CodeParameterResolutionError     Code = "PARAMETER_RESOLUTION_ERROR"
	CodeConnectionNotFound           Code = "CONNECTION_NOT_FOUND"
	CodeConnectionServiceUnavailable Code = "CONNECTION_SERVICE_UNAVAILABLE"
	CodeIntegrationError             Code = "INTEGRATION_ERROR"
	CodeTimeout                      Code = "TIMEOUT"
	CodeCancelled                    Code = "CANCELLED"
)

// AdmissionError rejects an enqueue or API request before any work starts.
// It carries the quota resource and counters so callers can render limits.
type AdmissionError struct {
	// Code is the stable admission code.
	Code Code

	// Resource names the exhausted resource, e.g. "executions_per_month",
	// "concurrent_executions", "api_calls". Empty for auth failures.
	Resource string

	// Current and Limit describe the quota state at rejection time.
	Current int64
	Limit   int64

	// RetryAfter hints when the caller may retry (rate windows). Zero when
	// retrying does not help (monthly caps, auth failures).
	RetryAfter time.Duration

	// Message is an optional human-readable elaboration.
	Message string
}

// Error implements the error interface.
func (e *AdmissionError) Error() string {
	msg := string(e.Code)
	if e.Resource != "" {
		msg = fmt.Sprintf("%s: %s at %d/%d", msg, e.Resource, e.Current, e.Limit)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// ErrorType identifies the error category for classification.
func (e *AdmissionError) ErrorType() string { return "admission" }

// IsRetryable reports whether waiting and retrying can succeed.
func (e *AdmissionError) IsRetryable() bool {
	return e.RetryAfter > 0 || e.Code == CodeQueueUnavailable
}

// HTTPStatus maps the admission code to its HTTP status.
func (e *AdmissionError) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeOrganizationRequired:
		return http.StatusBadRequest
	case CodeQueueUnavailable:
		return http.StatusServiceUnavailable
	case CodeExecutionQuotaExceeded, CodeUsageQuotaExceeded:
		return http.StatusPaymentRequired
	case CodeConnectorConcurrencyExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// NodeError is a failure of a single node inside an execution. Node errors
// are recorded on the execution and do not abort the dispatcher.
type NodeError struct {
	// Code is the stable runtime code.
	Code Code

	// NodeID identifies the failing node.
	NodeID string

	// Message is the human-readable error description.
	Message string

	// Retryable marks whether the runtime may re-attempt the node under
	// its retry policy.
	Retryable bool

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NodeError) Unwrap() error { return e.Cause }

// ErrorType identifies the error category for classification.
func (e *NodeError) ErrorType() string { return "runtime" }

// IsRetryable reports whether the node may be re-attempted.
func (e *NodeError) IsRetryable() bool { return e.Retryable }

// CredentialFailure enumerates credential resolution outcomes.
type CredentialFailure string

const (
	CredentialMissingConnection    CredentialFailure = "missing_connection"
	CredentialUnauthenticated      CredentialFailure = "unauthenticated"
	CredentialMissingOrganization  CredentialFailure = "missing_organization"
	CredentialConnectionNotFound   CredentialFailure = "connection_not_found"
	CredentialServiceUnavailable   CredentialFailure = "connection_service_unavailable"
)

// CredentialError is a typed credential resolution failure.
type CredentialError struct {
	// Reason is the resolution failure class.
	Reason CredentialFailure

	// ConnectionID is the connection that failed to resolve, if any.
	ConnectionID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	if e.ConnectionID != "" {
		return fmt.Sprintf("credential resolution failed (%s): connection %s", e.Reason, e.ConnectionID)
	}
	return fmt.Sprintf("credential resolution failed (%s)", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CredentialError) Unwrap() error { return e.Cause }

// RuntimeCode maps the credential failure onto the runtime code taxonomy.
func (e *CredentialError) RuntimeCode() Code {
	switch e.Reason {
	case CredentialConnectionNotFound:
		return CodeConnectionNotFound
	case CredentialServiceUnavailable:
		return CodeConnectionServiceUnavailable
	case CredentialMissingConnection:
		return CodeMissingConnection
	default:
		return CodeIntegrationError
	}
}

// IsRetryable reports whether credential resolution may succeed on retry.
// Only transient store outages qualify.
func (e *CredentialError) IsRetryable() bool {
	return e.Reason == CredentialServiceUnavailable
}
