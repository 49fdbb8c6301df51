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

// Package webhook ingests provider webhook deliveries: signature
// verification against per-provider schemes, metadata filtering,
// event-hash deduplication, and outbox append. Signature comparisons
// run constant-time over raw MAC bytes, and verification always uses
// the raw request body, never re-serialized JSON.
package webhook

import (
	"crypto/hmac"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Reason classifies a verification failure. Reasons are stable strings
// surfaced in delivery logs and API responses.
type Reason string

const (
	ReasonProviderNotRegistered   Reason = "PROVIDER_NOT_REGISTERED"
	ReasonMissingSecret           Reason = "MISSING_SECRET"
	ReasonMissingSignature        Reason = "MISSING_SIGNATURE"
	ReasonMissingTimestamp        Reason = "MISSING_TIMESTAMP"
	ReasonInvalidSignatureFormat  Reason = "INVALID_SIGNATURE_FORMAT"
	ReasonSignatureMismatch       Reason = "SIGNATURE_MISMATCH"
	ReasonTimestampOutOfTolerance Reason = "TIMESTAMP_OUT_OF_TOLERANCE"
	ReasonInternalError           Reason = "INTERNAL_ERROR"
)

// VerifyResult is the structured outcome of signature verification.
type VerifyResult struct {
	OK     bool
	Reason Reason
	// Detail elaborates for logs. Never contains secret material.
	Detail string
}

func ok() VerifyResult { return VerifyResult{OK: true} }

func fail(reason Reason, detail string) VerifyResult {
	return VerifyResult{Reason: reason, Detail: detail}
}

// DefaultTolerance bounds how stale a signed timestamp may be for
// providers that include one (Slack, Stripe, HubSpot).
const DefaultTolerance = 300 * time.Second

// Verifier verifies webhook signatures against the provider scheme
// table. The zero value is not usable; call NewVerifier.
type Verifier struct {
	tolerance time.Duration

	// allowInsecurePassthrough accepts providers whose verification
	// needs an external vendor call (PayPal) without verifying.
	// Development deployments only.
	allowInsecurePassthrough bool

	now func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithTolerance overrides the timestamp tolerance window.
func WithTolerance(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.tolerance = d }
}

// WithInsecurePassthrough accepts externally-verified providers
// unverified. Never enable outside development.
func WithInsecurePassthrough(allow bool) VerifierOption {
	return func(v *Verifier) { v.allowInsecurePassthrough = allow }
}

// WithVerifierClock overrides the clock used for tolerance checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier builds a Verifier with the default scheme table.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the delivery signature for the given provider. Unknown
// providers fall back to the generic HMAC-SHA256 scheme over the raw
// body. The raw body bytes must be exactly what arrived on the wire.
func (v *Verifier) Verify(r *http.Request, body []byte, provider, secret string) VerifyResult {
	switch normalizeProvider(provider) {
	case "slack":
		return v.verifySlack(r, body, secret)
	case "stripe":
		return v.verifyStripe(r, body, secret)
	case "shopify":
		return v.verifyShopify(r, body, secret)
	case "github":
		return v.verifyGitHub(r, body, secret)
	case "gitlab":
		return v.verifyGitLab(r, secret)
	case "bitbucket":
		return v.verifyBitbucket(r, body, secret)
	case "zendesk":
		return v.verifyZendesk(r, body, secret)
	case "intercom":
		return v.verifyIntercom(r, body, secret)
	case "hubspot":
		return v.verifyHubSpot(r, body, secret)
	case "ringcentral":
		return v.verifyRingCentral(r, secret)
	case "paypal":
		return v.verifyPayPal()
	default:
		if scheme, found := vendorSchemes[normalizeProvider(provider)]; found {
			return v.verifyVendorHMAC(r, body, secret, scheme)
		}
		return v.verifyGeneric(r, body, secret)
	}
}

// normalizeProvider canonicalizes provider ids: "Cal.com" and
// "cal_com" both select the calcom scheme.
func normalizeProvider(provider string) string {
	s := strings.ToLower(strings.TrimSpace(provider))
	s = strings.NewReplacer(".", "", "-", "", "_", "", " ", "").Replace(s)
	return s
}

// withinTolerance reports whether a unix-seconds timestamp is within
// the verifier's window of now, either direction.
func (v *Verifier) withinTolerance(ts int64) bool {
	drift := v.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	return drift <= int64(v.tolerance/time.Second)
}

// parseUnixTimestamp accepts seconds or milliseconds since the epoch.
func parseUnixTimestamp(raw string) (int64, bool) {
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	// Millisecond timestamps (HubSpot) are 13 digits into the distant
	// future when read as seconds.
	if ts > 1e12 {
		ts /= 1000
	}
	return ts, true
}

// macEqual compares raw MAC byte strings in constant time.
func macEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// tokenEqual compares shared-secret tokens in constant time.
func tokenEqual(provided, expected string) bool {
	return hmac.Equal([]byte(provided), []byte(expected))
}
