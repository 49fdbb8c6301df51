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
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultBlockedHosts are refused regardless of policy: private
// ranges, loopback, link-local, and cloud metadata endpoints.
var DefaultBlockedHosts = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",
	"169.254.0.0/16",
	"fe80::/10",
	"169.254.169.254",
}

// ValidateURL enforces the egress rules for an outbound request: the
// blocked list always applies; when the organization policy carries an
// allowlist the host must match it.
func ValidateURL(rawURL string, policy *NetworkPolicy, blockedHosts []string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("URL missing host: %s", rawURL)
	}

	if matchesHostPattern(host, blockedHosts) {
		return NewSSRFError(host)
	}

	if policy != nil && len(policy.AllowedDomains) > 0 {
		if !matchesHostPattern(host, policy.AllowedDomains) {
			return NewPolicyError(host, "")
		}
		// An explicit allowlist entry is an operator decision; skip
		// resolution-based checks for it.
		return nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return NewConnectionError(fmt.Errorf("resolve %s: %w", host, err))
		}
		if len(ips) == 0 {
			return NewConnectionError(fmt.Errorf("no addresses for %s", host))
		}
		ip = ips[0]
	}

	if err := validateIP(host, ip, blockedHosts); err != nil {
		return err
	}

	if policy != nil && len(policy.AllowedIPRanges) > 0 {
		if !ipInRanges(ip, policy.AllowedIPRanges) {
			return NewPolicyError(host, "")
		}
	}

	return nil
}

// matchesHostPattern checks a hostname against glob patterns. CIDR
// entries are skipped here; validateIP handles them.
func matchesHostPattern(host string, patterns []string) bool {
	lowerHost := strings.ToLower(host)
	for _, pattern := range patterns {
		pattern = strings.ToLower(pattern)
		if strings.Contains(pattern, "/") {
			continue
		}
		if pattern == lowerHost {
			return true
		}
		if ok, err := doublestar.Match(pattern, lowerHost); err == nil && ok {
			return true
		}
	}
	return false
}

// validateIP refuses addresses inside blocked CIDR ranges or the
// built-in private and special ranges.
func validateIP(host string, ip net.IP, blockedHosts []string) error {
	for _, blocked := range blockedHosts {
		if !strings.Contains(blocked, "/") {
			if parsed := net.ParseIP(blocked); parsed != nil && parsed.Equal(ip) {
				return NewSSRFError(fmt.Sprintf("%s (resolved to %s)", host, ip))
			}
			continue
		}
		if _, cidr, err := net.ParseCIDR(blocked); err == nil && cidr.Contains(ip) {
			return NewSSRFError(fmt.Sprintf("%s (resolved to %s, blocked by %s)", host, ip, blocked))
		}
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return NewSSRFError(fmt.Sprintf("%s (resolved to private/loopback IP %s)", host, ip))
	}

	return nil
}

func ipInRanges(ip net.IP, ranges []string) bool {
	for _, r := range ranges {
		if !strings.Contains(r, "/") {
			if parsed := net.ParseIP(r); parsed != nil && parsed.Equal(ip) {
				return true
			}
			continue
		}
		if _, cidr, err := net.ParseCIDR(r); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// pathTraversalSequences cover literal and percent-encoded forms.
var pathTraversalSequences = []string{
	"../",
	"..\\",
	"%2e%2e/",
	"%2e%2e\\",
	"%2e%2e%2f",
	"%2e%2e%5c",
	"..%2f",
	"..%5c",
}

// ValidatePathParameter rejects values carrying traversal sequences or
// null bytes before they are substituted into an endpoint path.
func ValidatePathParameter(name, value string) error {
	lowerValue := strings.ToLower(value)
	for _, seq := range pathTraversalSequences {
		if strings.Contains(lowerValue, seq) {
			return NewPathInjectionError(name)
		}
	}
	if strings.Contains(value, "\x00") || strings.Contains(lowerValue, "%00") {
		return NewPathInjectionError(name)
	}
	return nil
}
