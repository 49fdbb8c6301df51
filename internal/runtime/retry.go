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
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/switchboard/internal/connector"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Retry policy kinds a node may declare.
const (
	RetryNone        = "none"
	RetryFixed       = "fixed"
	RetryExponential = "exponential"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = time.Second
	maxRetryAttempts     = 10
	maxRetryDelay        = 5 * time.Minute
)

// retryPolicy is a node's parsed retry configuration.
type retryPolicy struct {
	kind        string
	maxAttempts int
	baseDelay   time.Duration
	jitter      bool
}

// retryPolicyFrom parses cfg["retry"]. Absent or malformed fields fall
// back to exponential backoff with three attempts and equal jitter.
func retryPolicyFrom(cfg map[string]any) retryPolicy {
	p := retryPolicy{
		kind:        RetryExponential,
		maxAttempts: defaultRetryAttempts,
		baseDelay:   defaultRetryBase,
		jitter:      true,
	}
	raw, ok := cfg["retry"].(map[string]any)
	if !ok {
		return p
	}
	if kind, ok := raw["policy"].(string); ok {
		switch kind {
		case RetryNone, RetryFixed, RetryExponential:
			p.kind = kind
		}
	}
	if p.kind == RetryNone {
		p.maxAttempts = 1
		return p
	}
	if n, ok := intValue(raw["maxAttempts"]); ok {
		p.maxAttempts = n
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	if p.maxAttempts > maxRetryAttempts {
		p.maxAttempts = maxRetryAttempts
	}
	if d, ok := durationValue(raw["baseDelay"]); ok && d > 0 {
		p.baseDelay = d
	}
	if j, ok := raw["jitter"].(bool); ok {
		p.jitter = j
	}
	return p
}

// delay computes the pause after the given attempt number. Exponential
// policies double per completed attempt, capped at five minutes; equal
// jitter keeps the delay within [d/2, d).
func (p retryPolicy) delay(attempt int, random func() float64) time.Duration {
	if p.kind == RetryNone {
		return 0
	}
	d := p.baseDelay
	if p.kind == RetryExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxRetryDelay {
				d = maxRetryDelay
				break
			}
		}
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	if p.jitter && random != nil {
		half := d / 2
		d = half + time.Duration(random()*float64(half))
	}
	return d
}

// retryableStatus reports whether an HTTP status may succeed on retry.
// 408 and 425 are transient despite being 4xx.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

// nonRetryableMessage matches structured provider failures no retry can
// fix: quota exhaustion and missing-resource codes.
func nonRetryableMessage(msg string) bool {
	return strings.Contains(msg, "_QUOTA_EXCEEDED") || strings.Contains(msg, "_not_found")
}

// retryDecision classifies one failed attempt and extracts the
// provider-requested delay when present. Structured quota and
// not-found codes are terminal whatever the transport said; typed
// connector errors carry their own classification with 408 and 425
// upgraded to retryable; unknown transport errors retry.
func retryDecision(result *connector.Result, callErr error) (bool, time.Duration) {
	if result != nil && result.Error != "" && nonRetryableMessage(result.Error) {
		return false, 0
	}
	if callErr != nil {
		if nonRetryableMessage(callErr.Error()) {
			return false, 0
		}
		var connErr *connector.Error
		if sberrors.As(callErr, &connErr) {
			if retryableStatus(connErr.StatusCode) {
				return true, connErr.RetryAfter
			}
			return connErr.IsRetryable(), connErr.RetryAfter
		}
		if sberrors.Is(callErr, context.DeadlineExceeded) {
			return true, 0
		}
		return true, 0
	}
	if result != nil && result.StatusCode != 0 {
		return retryableStatus(result.StatusCode), 0
	}
	return false, 0
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// durationValue accepts Go duration strings and bare numbers of
// seconds.
func durationValue(v any) (time.Duration, bool) {
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, false
		}
		return d, true
	case float64:
		return time.Duration(t * float64(time.Second)), true
	case int:
		return time.Duration(t) * time.Second, true
	case int64:
		return time.Duration(t) * time.Second, true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}
