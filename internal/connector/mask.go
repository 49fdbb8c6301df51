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
	"strings"
)

// protectedHeaders must not be set from manifests or parameters; the
// HTTP client owns them.
var protectedHeaders = map[string]bool{
	"content-length":    true,
	"content-encoding":  true,
	"transfer-encoding": true,
	"host":              true,
}

func isProtectedHeader(name string) bool {
	return protectedHeaders[strings.ToLower(name)]
}

// sanitizeHeaderValue rejects CR, LF, and null bytes so manifests and
// resolved parameters cannot smuggle extra headers.
func sanitizeHeaderValue(name, value string) error {
	for i, c := range value {
		if c == '\r' || c == '\n' || c == '\x00' {
			return fmt.Errorf("header %q contains invalid character at position %d", name, i)
		}
	}
	return nil
}

var sensitiveKeyFragments = []string{
	"token",
	"secret",
	"key",
	"password",
	"credential",
	"auth",
}

// MaskSensitiveValue returns [REDACTED] for values whose key suggests
// credential material, and the value unchanged otherwise.
func MaskSensitiveValue(key, value string) string {
	lowerKey := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lowerKey, fragment) {
			return "[REDACTED]"
		}
	}
	return value
}

// MaskSensitiveHeaders copies headers with credential-bearing entries
// redacted, for logs and diagnostics.
func MaskSensitiveHeaders(headers map[string][]string) map[string][]string {
	masked := make(map[string][]string, len(headers))
	for key, values := range headers {
		lowerKey := strings.ToLower(key)
		if lowerKey == "authorization" ||
			lowerKey == "x-api-key" ||
			lowerKey == "x-auth-token" ||
			strings.Contains(lowerKey, "secret") ||
			strings.Contains(lowerKey, "credential") {
			masked[key] = []string{"[REDACTED]"}
			continue
		}
		masked[key] = values
	}
	return masked
}
