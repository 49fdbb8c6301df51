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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/tombee/switchboard/internal/log"
)

const (
	defaultCallTimeout      = 30 * time.Second
	defaultMaxResponseBytes = 10 << 20
)

// GenericOptions tunes the generic HTTP client. The registry fills
// these from daemon configuration when auto-binding connectors.
type GenericOptions struct {
	// Timeout bounds a single upstream call. Default 30s.
	Timeout time.Duration

	// MaxResponseBytes caps the accepted response body. Default 10MiB.
	MaxResponseBytes int64

	// BlockedHosts extends DefaultBlockedHosts.
	BlockedHosts []string

	// Recorder receives per-call telemetry when set.
	Recorder Recorder

	Logger *slog.Logger
}

// Recorder receives connector call telemetry.
type Recorder interface {
	RecordConnectorCall(connectorID, functionID string, statusCode int, duration time.Duration)
}

// GenericClient executes connectors declared purely as JSON endpoint
// templates: no Go code per provider, just a base URL, auth
// declaration, and function endpoints.
type GenericClient struct {
	def    *Definition
	bundle Bundle

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	signer     *awsSigner

	blocked          []string
	maxResponseBytes int64
	recorder         Recorder
	logger           *slog.Logger
}

// NewGenericClient builds a client for one credential bundle.
func NewGenericClient(def *Definition, bundle Bundle, opts GenericOptions) (*GenericClient, error) {
	if !def.SupportsGenericClient() {
		return nil, fmt.Errorf("connector %s does not declare a baseUrl and functions", def.ID)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(log.String(log.ConnectorKey, def.ID))

	client := &GenericClient{
		def:    def,
		bundle: bundle,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		blocked:          append(append([]string{}, DefaultBlockedHosts...), opts.BlockedHosts...),
		maxResponseBytes: maxBytes,
		recorder:         opts.Recorder,
		logger:           logger,
	}

	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    def.ID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		// Tenant-caused 4xx responses must not open the breaker for
		// everyone; only upstream health problems count.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var connErr *Error
			if errors.As(err, &connErr) {
				return !connErr.IsRetryable()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("connector circuit state changed",
				log.String("from", from.String()),
				log.String("to", to.String()))
		},
	})

	if rl := def.RateLimit; rl != nil && rl.RequestsPerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = int(math.Ceil(rl.RequestsPerSecond))
			if burst < 1 {
				burst = 1
			}
		}
		client.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}

	if def.Auth != nil && normalizeAuthType(def.Auth.Type) == "aws_sigv4" {
		signer, err := newAWSSigner(def.Auth)
		if err != nil {
			return nil, err
		}
		client.signer = signer
	}

	return client, nil
}

// TestConnection exercises the declared test endpoint. aws_sigv4
// connectors without one validate via STS GetCallerIdentity; otherwise
// the first placeholder-free GET function is used.
func (c *GenericClient) TestConnection(ctx context.Context) (*Result, error) {
	if c.def.Test != nil {
		return c.call(ctx, "test", c.def.Test, map[string]any{})
	}

	if c.signer != nil {
		return c.testAWSIdentity(ctx)
	}

	for i := range c.def.Functions {
		fn := &c.def.Functions[i]
		if strings.EqualFold(fn.Endpoint.Method, http.MethodGet) && !strings.Contains(fn.Endpoint.Path, "{") {
			return c.call(ctx, fn.ID, &fn.Endpoint, map[string]any{})
		}
	}

	probe := &EndpointSpec{Method: http.MethodGet, Path: "/"}
	return c.call(ctx, "test", probe, map[string]any{})
}

func (c *GenericClient) testAWSIdentity(ctx context.Context) (*Result, error) {
	start := time.Now()

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.def.Auth.Region))
	if err != nil {
		return c.failure(start, 0, fmt.Errorf("load AWS configuration: %w", err))
	}

	identityCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := sts.NewFromConfig(cfg).GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return c.failure(start, 0, &Error{
			Type:    ErrorTypeAuth,
			Message: "AWS credential validation failed",
			Cause:   err,
			Tenant:  c.bundle.OrganizationID(),
		})
	}

	data := map[string]any{}
	if out.Account != nil {
		data["account"] = *out.Account
	}
	if out.Arn != nil {
		data["arn"] = *out.Arn
	}
	return &Result{Success: true, Data: data, ExecutionTime: time.Since(start)}, nil
}

// Execute runs a declared function. On failure the returned Result
// still carries the status code and timing alongside the typed error.
func (c *GenericClient) Execute(ctx context.Context, functionID string, params map[string]any) (*Result, error) {
	fn, ok := c.def.Function(functionID)
	if !ok {
		return nil, &Error{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("function %q not declared by connector %s", functionID, c.def.ID),
		}
	}
	return c.call(ctx, functionID, &fn.Endpoint, params)
}

// Poll executes a trigger function and shapes the response into an
// item collection for the polling scheduler.
func (c *GenericClient) Poll(ctx context.Context, functionID string, params map[string]any) (*Result, error) {
	fn, ok := c.def.Function(functionID)
	if !ok {
		return nil, &Error{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("function %q not declared by connector %s", functionID, c.def.ID),
		}
	}
	if !fn.IsTrigger() {
		return nil, &Error{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("function %q of connector %s is not a trigger", functionID, c.def.ID),
		}
	}

	result, err := c.call(ctx, functionID, &fn.Endpoint, params)
	if err != nil {
		return result, err
	}

	items := extractItems(result.Data, fn.Endpoint.ItemsPath)
	result.Data = map[string]any{"items": items}
	return result, nil
}

func (c *GenericClient) call(ctx context.Context, functionID string, endpoint *EndpointSpec, params map[string]any) (*Result, error) {
	start := time.Now()

	requestURL, consumed, err := c.buildURL(endpoint, params)
	if err != nil {
		return c.failure(start, 0, err)
	}

	if err := ValidateURL(requestURL, c.bundle.Policy(), c.blocked); err != nil {
		var connErr *Error
		if errors.As(err, &connErr) && connErr.Type == ErrorTypePolicy {
			connErr.Tenant = c.bundle.OrganizationID()
		}
		return c.failure(start, 0, err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.failure(start, 0, err)
		}
	}

	value, err := c.breaker.Execute(func() (any, error) {
		return c.roundTrip(ctx, endpoint, requestURL, params, consumed)
	})

	duration := time.Since(start)
	statusCode := 0
	if resp, ok := value.(*upstreamResponse); ok && resp != nil {
		statusCode = resp.statusCode
	}

	if c.recorder != nil {
		c.recorder.RecordConnectorCall(c.def.ID, functionID, statusCode, duration)
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &Error{
				Type:    ErrorTypeCircuitOpen,
				Message: fmt.Sprintf("connector %s circuit is open", c.def.ID),
				Cause:   err,
			}
		}
		var connErr *Error
		if errors.As(err, &connErr) && connErr.StatusCode > 0 {
			statusCode = connErr.StatusCode
		}
		return c.failure(start, statusCode, err)
	}

	resp := value.(*upstreamResponse)
	return &Result{
		Success:       true,
		Data:          resp.data,
		StatusCode:    resp.statusCode,
		ExecutionTime: duration,
	}, nil
}

type upstreamResponse struct {
	statusCode int
	data       any
}

func (c *GenericClient) roundTrip(ctx context.Context, endpoint *EndpointSpec, requestURL string, params map[string]any, consumed map[string]bool) (*upstreamResponse, error) {
	var bodyBytes []byte
	var bodyReader io.Reader
	if methodHasBody(endpoint.Method) {
		var err error
		bodyBytes, err = buildBody(endpoint, params, consumed)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(endpoint.Method), requestURL, bodyReader)
	if err != nil {
		return nil, NewConnectionError(err)
	}

	if err := c.applyHeaders(req, endpoint); err != nil {
		return nil, &Error{Type: ErrorTypeValidation, Message: err.Error()}
	}

	if meta, ok := CallMetaFrom(ctx); ok && meta.IdempotencyKey != "" && methodHasBody(endpoint.Method) {
		req.Header.Set("Idempotency-Key", meta.IdempotencyKey)
	}

	if c.signer != nil {
		if err := c.signer.Sign(ctx, req, bodyBytes, c.bundle); err != nil {
			return nil, &Error{Type: ErrorTypeAuth, Message: "request signing failed", Cause: err}
		}
	} else if err := applyAuth(req, c.def.Auth, c.bundle); err != nil {
		return nil, &Error{Type: ErrorTypeAuth, Message: err.Error(), Tenant: c.bundle.OrganizationID()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTimeoutError(c.httpClient.Timeout)
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, NewTimeoutError(c.httpClient.Timeout)
		}
		return nil, NewConnectionError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, NewConnectionError(fmt.Errorf("read response: %w", err))
	}
	if int64(len(raw)) > c.maxResponseBytes {
		return nil, &Error{
			Type:       ErrorTypeValidation,
			Message:    fmt.Sprintf("response exceeds %d bytes", c.maxResponseBytes),
			StatusCode: resp.StatusCode,
		}
	}

	if resp.StatusCode >= 400 {
		return &upstreamResponse{statusCode: resp.StatusCode}, FromResponse(resp, c.bundle.OrganizationID())
	}

	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			data = string(raw)
		}
	}

	return &upstreamResponse{statusCode: resp.StatusCode, data: data}, nil
}

// buildURL substitutes path and query placeholders from params and
// reports which parameter names were consumed.
func (c *GenericClient) buildURL(endpoint *EndpointSpec, params map[string]any) (string, map[string]bool, error) {
	consumed := make(map[string]bool)

	path := endpoint.Path
	for key, value := range params {
		placeholder := "{" + key + "}"
		if !strings.Contains(path, placeholder) {
			continue
		}
		strValue := fmt.Sprintf("%v", value)
		if err := ValidatePathParameter(key, strValue); err != nil {
			return "", nil, err
		}
		path = strings.ReplaceAll(path, placeholder, url.PathEscape(strValue))
		consumed[key] = true
	}
	if strings.Contains(path, "{") {
		return "", nil, &Error{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("endpoint path %s has unresolved placeholders", endpoint.Path),
		}
	}

	base := strings.TrimSuffix(c.def.BaseURL, "/")
	full := base + "/" + strings.TrimPrefix(path, "/")

	if len(endpoint.Query) > 0 {
		values := url.Values{}
		for key, template := range endpoint.Query {
			resolved, used := resolveQueryTemplate(template, params)
			for name := range used {
				consumed[name] = true
			}
			if resolved != "" {
				values.Set(key, resolved)
			}
		}
		if encoded := values.Encode(); encoded != "" {
			separator := "?"
			if strings.Contains(full, "?") {
				separator = "&"
			}
			full += separator + encoded
		}
	}

	return full, consumed, nil
}

// resolveQueryTemplate fills {param} placeholders in a query value. A
// template that is a single unresolved placeholder yields "" so the
// parameter is simply omitted.
func resolveQueryTemplate(template string, params map[string]any) (string, map[string]bool) {
	used := make(map[string]bool)
	result := template
	for key, value := range params {
		placeholder := "{" + key + "}"
		if strings.Contains(result, placeholder) {
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
			used[key] = true
		}
	}
	if strings.Contains(result, "{") && strings.Contains(result, "}") {
		return "", used
	}
	return result, used
}

func buildBody(endpoint *EndpointSpec, params map[string]any, consumed map[string]bool) ([]byte, error) {
	body := make(map[string]any)
	if len(endpoint.BodyParams) > 0 {
		for _, name := range endpoint.BodyParams {
			if value, ok := params[name]; ok {
				body[name] = value
			}
		}
	} else {
		for key, value := range params {
			if !consumed[key] {
				body[key] = value
			}
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Type: ErrorTypeValidation, Message: fmt.Sprintf("marshal request body: %v", err)}
	}
	return raw, nil
}

func (c *GenericClient) applyHeaders(req *http.Request, endpoint *EndpointSpec) error {
	apply := func(scope string, headers map[string]string) error {
		for key, value := range headers {
			if isProtectedHeader(key) {
				return fmt.Errorf("%s header %q is protected and cannot be overridden", scope, key)
			}
			if err := sanitizeHeaderValue(key, value); err != nil {
				return fmt.Errorf("%s %w", scope, err)
			}
			req.Header.Set(key, value)
		}
		return nil
	}

	if err := apply("connector", c.def.Headers); err != nil {
		return err
	}
	if err := apply("endpoint", endpoint.Headers); err != nil {
		return err
	}

	if methodHasBody(endpoint.Method) && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return nil
}

func methodHasBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// failure shapes a Result for a failed call. The typed error travels
// alongside so callers can branch on classification.
func (c *GenericClient) failure(start time.Time, statusCode int, err error) (*Result, error) {
	message := err.Error()
	var connErr *Error
	if errors.As(err, &connErr) {
		message = connErr.Error()
		if statusCode == 0 {
			statusCode = connErr.StatusCode
		}
	}
	return &Result{
		Success:       false,
		Error:         message,
		StatusCode:    statusCode,
		ExecutionTime: time.Since(start),
	}, err
}

// extractItems walks a dot path into the decoded response and returns
// the item collection. A bare array response needs no path.
func extractItems(data any, itemsPath string) []any {
	current := data
	if itemsPath != "" {
		for _, segment := range strings.Split(itemsPath, ".") {
			obj, ok := current.(map[string]any)
			if !ok {
				return nil
			}
			current, ok = obj[segment]
			if !ok {
				return nil
			}
		}
	}

	switch items := current.(type) {
	case []any:
		return items
	case nil:
		return nil
	default:
		// Single object responses poll as a one-item collection.
		return []any{items}
	}
}
