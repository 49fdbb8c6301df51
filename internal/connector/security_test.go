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
	"errors"
	"testing"
)

func errType(t *testing.T, err error) ErrorType {
	t.Helper()
	var connErr *Error
	if !errors.As(err, &connErr) {
		t.Fatalf("error %v is not *connector.Error", err)
	}
	return connErr.Type
}

func TestValidateURL_BlocksMetadataEndpoint(t *testing.T) {
	err := ValidateURL("http://169.254.169.254/latest/meta-data/", nil, DefaultBlockedHosts)
	if err == nil {
		t.Fatal("ValidateURL() allowed metadata endpoint")
	}
	if got := errType(t, err); got != ErrorTypeSSRF {
		t.Errorf("error type = %s, want %s", got, ErrorTypeSSRF)
	}
}

func TestValidateURL_BlocksPrivateIP(t *testing.T) {
	for _, raw := range []string{
		"http://10.1.2.3/internal",
		"http://192.168.1.5/admin",
		"http://127.0.0.1:8080/",
		"http://172.16.0.10/",
	} {
		err := ValidateURL(raw, nil, DefaultBlockedHosts)
		if err == nil {
			t.Errorf("ValidateURL(%s) allowed private address", raw)
			continue
		}
		if got := errType(t, err); got != ErrorTypeSSRF {
			t.Errorf("ValidateURL(%s) error type = %s, want %s", raw, got, ErrorTypeSSRF)
		}
	}
}

func TestValidateURL_PolicyAllowlist(t *testing.T) {
	policy := &NetworkPolicy{AllowedDomains: []string{"api.example.com", "*.trusted.io"}}

	if err := ValidateURL("https://api.example.com/v1", policy, DefaultBlockedHosts); err != nil {
		t.Errorf("ValidateURL() exact allowlisted host error = %v", err)
	}
	if err := ValidateURL("https://sub.trusted.io/v1", policy, DefaultBlockedHosts); err != nil {
		t.Errorf("ValidateURL() wildcard allowlisted host error = %v", err)
	}

	err := ValidateURL("https://evil.example.net/v1", policy, DefaultBlockedHosts)
	if err == nil {
		t.Fatal("ValidateURL() allowed host outside allowlist")
	}
	if got := errType(t, err); got != ErrorTypePolicy {
		t.Errorf("error type = %s, want %s", got, ErrorTypePolicy)
	}
}

func TestValidateURL_AllowlistDoesNotOverrideBlocklist(t *testing.T) {
	policy := &NetworkPolicy{AllowedDomains: []string{"169.254.169.254"}}

	if err := ValidateURL("http://169.254.169.254/", policy, DefaultBlockedHosts); err == nil {
		t.Fatal("ValidateURL() allowlisted metadata endpoint was not refused")
	}
}

func TestValidateURL_MissingHost(t *testing.T) {
	if err := ValidateURL("not a url", nil, DefaultBlockedHosts); err == nil {
		t.Error("ValidateURL() accepted URL without host")
	}
}

func TestValidatePathParameter(t *testing.T) {
	cases := []struct {
		value   string
		wantErr bool
	}{
		{"repo-name", false},
		{"user_123", false},
		{"../etc/passwd", true},
		{"..%2fetc", true},
		{"%2e%2e/escape", true},
		{"null\x00byte", true},
		{"with%00encoded", true},
	}

	for _, tc := range cases {
		err := ValidatePathParameter("id", tc.value)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidatePathParameter(%q) error = %v, wantErr %v", tc.value, err, tc.wantErr)
		}
	}
}

func TestMaskSensitiveHeaders(t *testing.T) {
	headers := map[string][]string{
		"Authorization": {"Bearer xoxb-secret"},
		"X-Api-Key":     {"sk-12345"},
		"Content-Type":  {"application/json"},
	}

	masked := MaskSensitiveHeaders(headers)
	if masked["Authorization"][0] != "[REDACTED]" {
		t.Errorf("Authorization = %q, want [REDACTED]", masked["Authorization"][0])
	}
	if masked["X-Api-Key"][0] != "[REDACTED]" {
		t.Errorf("X-Api-Key = %q, want [REDACTED]", masked["X-Api-Key"][0])
	}
	if masked["Content-Type"][0] != "application/json" {
		t.Errorf("Content-Type = %q, want passthrough", masked["Content-Type"][0])
	}
}

func TestMaskSensitiveValue(t *testing.T) {
	if got := MaskSensitiveValue("apiToken", "abc"); got != "[REDACTED]" {
		t.Errorf("MaskSensitiveValue(apiToken) = %q", got)
	}
	if got := MaskSensitiveValue("region", "eu-west-1"); got != "eu-west-1" {
		t.Errorf("MaskSensitiveValue(region) = %q, want passthrough", got)
	}
}
