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

package connector

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// ErrorType classifies client failures for retry decisions.
type ErrorType string

const (
	// ErrorTypeAuth covers 401 and 403 responses.
	ErrorTypeAuth ErrorType = "auth_error"

	// ErrorTypeNotFound covers 404 responses.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeValidation covers 400 and 422 responses.
	ErrorTypeValidation ErrorType = "validation_error"

	// ErrorTypeRateLimit covers 429 responses.
	ErrorTypeRateLimit ErrorType = "rate_limited"

	// ErrorTypeServer covers 5xx responses.
	ErrorTypeServer ErrorType = "server_error"

	// ErrorTypeTimeout covers deadline expiry.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeConnection covers network and DNS failures.
	ErrorTypeConnection ErrorType = "connection_error"

	// ErrorTypeSSRF flags requests blocked by the egress guard.
	ErrorTypeSSRF ErrorType = "ssrf_blocked"

	// ErrorTypePolicy flags requests refused by the organization
	// network policy.
	ErrorTypePolicy ErrorType = "network_policy_denied"

	// ErrorTypePathInjection flags blocked path traversal attempts.
	ErrorTypePathInjection ErrorType = "path_injection"

	// ErrorTypeCircuitOpen flags calls refused by an open breaker.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
)

// Error is a classified client failure. Response bodies are never
// included; they may carry credential echoes.
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int

	// RetryAfter is the provider-requested delay for rate limits.
	RetryAfter time.Duration

	// RequestID is the upstream correlation id when one was returned.
	RequestID string

	// Tenant carries the organization context for error messages.
	Tenant string

	Cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Type != "" {
		msg = fmt.Sprintf("%s (type: %s)", msg, e.Type)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}
	if e.Tenant != "" {
		msg = fmt.Sprintf("%s (org: %s)", msg, e.Tenant)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether a retry could plausibly succeed.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeServer, ErrorTypeTimeout, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status code to an error type.
func ClassifyStatus(statusCode int) ErrorType {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrorTypeAuth
	case statusCode == http.StatusNotFound:
		return ErrorTypeNotFound
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode >= 500:
		return ErrorTypeServer
	default:
		return ErrorTypeValidation
	}
}

// FromResponse builds an Error from a non-2xx upstream response.
func FromResponse(resp *http.Response, tenant string) *Error {
	requestID := resp.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = resp.Header.Get("X-Amzn-Requestid")
	}

	err := &Error{
		Type:       ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		RequestID:  requestID,
		Tenant:     tenant,
	}
	if err.Type == ErrorTypeRateLimit {
		err.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return err
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

var ipAddressPattern = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)

// redactIPAddresses keeps resolved internal addresses out of
// user-facing messages.
func redactIPAddresses(s string) string {
	return ipAddressPattern.ReplaceAllString(s, "[REDACTED_IP]")
}

// NewSSRFError reports a host blocked by the egress guard.
func NewSSRFError(host string) *Error {
	return &Error{
		Type:    ErrorTypeSSRF,
		Message: fmt.Sprintf("request blocked by security policy (host: %s)", redactIPAddresses(host)),
	}
}

// NewPolicyError reports a host outside the organization allowlist.
func NewPolicyError(host, orgID string) *Error {
	return &Error{
		Type:    ErrorTypePolicy,
		Message: fmt.Sprintf("host %s is not in the organization network allowlist", host),
		Tenant:  orgID,
	}
}

// NewPathInjectionError reports a blocked path parameter. The value is
// omitted so attack payloads never surface in messages.
func NewPathInjectionError(param string) *Error {
	return &Error{
		Type:    ErrorTypePathInjection,
		Message: fmt.Sprintf("path parameter %q contains invalid characters", param),
	}
}

// NewConnectionError wraps a network or DNS failure.
func NewConnectionError(cause error) *Error {
	return &Error{
		Type:    ErrorTypeConnection,
		Message: "connection failed",
		Cause:   cause,
	}
}

// NewTimeoutError reports an expired call deadline.
func NewTimeoutError(timeout time.Duration) *Error {
	return &Error{
		Type:    ErrorTypeTimeout,
		Message: fmt.Sprintf("call timed out after %v", timeout),
	}
}
