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

package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"net/http"
	"strings"
)

// The per-provider differences below are load-bearing: base string
// construction, encoding, and header names are exactly what each
// vendor signs, so none of them can share a code path safely.

// verifySlack checks v0:{ts}:{rawBody} HMAC-SHA256, hex with a v0=
// prefix, 300s timestamp tolerance.
func (v *Verifier) verifySlack(r *http.Request, body []byte, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "slack signing secret not configured")
	}
	sig := r.Header.Get("X-Slack-Signature")
	if sig == "" {
		return fail(ReasonMissingSignature, "X-Slack-Signature header missing")
	}
	tsRaw := r.Header.Get("X-Slack-Request-Timestamp")
	if tsRaw == "" {
		return fail(ReasonMissingTimestamp, "X-Slack-Request-Timestamp header missing")
	}
	ts, parsed := parseUnixTimestamp(tsRaw)
	if !parsed {
		return fail(ReasonInvalidSignatureFormat, "timestamp is not an integer")
	}
	if !v.withinTolerance(ts) {
		return fail(ReasonTimestampOutOfTolerance, "request timestamp outside tolerance window")
	}
	if !strings.HasPrefix(sig, "v0=") {
		return fail(ReasonInvalidSignatureFormat, "signature missing v0= prefix")
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(sig, "v0="))
	if err != nil {
		return fail(ReasonInvalidSignatureFormat, "signature is not hex")
	}

	base := "v0:" + tsRaw + ":" + string(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	if !macEqual(provided, mac.Sum(nil)) {
		return fail(ReasonSignatureMismatch, "computed signature does not match")
	}
	return ok()
}

// verifyStripe parses the t=...,v1=... header, checks tolerance on t,
// and accepts any v1 matching HMAC-SHA256 of {ts}.{rawBody} in hex.
func (v *Verifier) verifyStripe(r *http.Request, body []byte, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "stripe signing secret not configured")
	}
	header := r.Header.Get("Stripe-Signature")
	if header == "" {
		return fail(ReasonMissingSignature, "Stripe-Signature header missing")
	}

	var tsRaw string
	var candidates [][]byte
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			tsRaw = value
		case "v1":
			decoded, err := hex.DecodeString(value)
			if err != nil {
				return fail(ReasonInvalidSignatureFormat, "v1 signature is not hex")
			}
			candidates = append(candidates, decoded)
		}
	}
	if tsRaw == "" {
		return fail(ReasonMissingTimestamp, "no t= element in Stripe-Signature")
	}
	if len(candidates) == 0 {
		return fail(ReasonInvalidSignatureFormat, "no v1= element in Stripe-Signature")
	}
	ts, parsed := parseUnixTimestamp(tsRaw)
	if !parsed {
		return fail(ReasonInvalidSignatureFormat, "t= element is not an integer")
	}
	if !v.withinTolerance(ts) {
		return fail(ReasonTimestampOutOfTolerance, "signed timestamp outside tolerance window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsRaw + "." + string(body)))
	computed := mac.Sum(nil)
	for _, candidate := range candidates {
		if macEqual(candidate, computed) {
			return ok()
		}
	}
	return fail(ReasonSignatureMismatch, "no v1 signature matched")
}

// verifyShopify checks base64 HMAC-SHA256 over the raw body.
func (v *Verifier) verifyShopify(r *http.Request, body []byte, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "shopify shared secret not configured")
	}
	sig := r.Header.Get("X-Shopify-Hmac-Sha256")
	if sig == "" {
		return fail(ReasonMissingSignature, "X-Shopify-Hmac-Sha256 header missing")
	}
	provided, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fail(ReasonInvalidSignatureFormat, "signature is not base64")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !macEqual(provided, mac.Sum(nil)) {
		return fail(ReasonSignatureMismatch, "computed signature does not match")
	}
	return ok()
}

// verifyGitHub prefers sha256=hex in X-Hub-Signature-256, falling back
// to the legacy sha1=hex X-Hub-Signature.
func (v *Verifier) verifyGitHub(r *http.Request, body []byte, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "github webhook secret not configured")
	}
	if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" {
		return checkPrefixedHex(sig, "sha256=", sha256.New, body, secret)
	}
	if sig := r.Header.Get("X-Hub-Signature"); sig != "" {
		return checkPrefixedHex(sig, "sha1=", sha1.New, body, secret)
	}
	return fail(ReasonMissingSignature, "no X-Hub-Signature-256 or X-Hub-Signature header")
}

// verifyGitLab compares the shared token header.
func (v *Verifier) verifyGitLab(r *http.Request, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "gitlab secret token not configured")
	}
	token := r.Header.Get("X-Gitlab-Token")
	if token == "" {
		return fail(ReasonMissingSignature, "X-Gitlab-Token header missing")
	}
	if !tokenEqual(token, secret) {
		return fail(ReasonSignatureMismatch, "token does not match")
	}
	return ok()
}

// verifyBitbucket checks sha256=hex HMAC-SHA256 in X-Hub-Signature.
func (v *Verifier) verifyBitbucket(r *http.Request, body []byte, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "bitbucket webhook secret not configured")
	}
	sig := r.Header.Get("X-Hub-Signature")
	if sig == "" {
		return fail(ReasonMissingSignature, "X-Hub-Signature header missing")
	}
	return checkPrefixedHex(sig, "sha256=", sha256.New, body, secret)
}

// verifyZendesk checks base64 SHA-256 of {rawBody}{secret}{ts}. This is
// a plain hash with the secret concatenated, not an HMAC.
func (v *Verifier) verifyZendesk(r *http.Request, body []byte, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "zendesk signing secret not configured")
	}
	sig := r.Header.Get("X-Zendesk-Webhook-Signature")
	if sig == "" {
		return fail(ReasonMissingSignature, "X-Zendesk-Webhook-Signature header missing")
	}
	ts := r.Header.Get("X-Zendesk-Webhook-Signature-Timestamp")
	if ts == "" {
		return fail(ReasonMissingTimestamp, "X-Zendesk-Webhook-Signature-Timestamp header missing")
	}
	provided, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return fail(ReasonInvalidSignatureFormat, "signature is not base64")
	}
	sum := sha256.Sum256(append(append(append([]byte{}, body...), []byte(secret)...), []byte(ts)...))
	if !macEqual(provided, sum[:]) {
		return fail(ReasonSignatureMismatch, "computed digest does not match")
	}
	return ok()
}

// verifyIntercom checks sha1=hex HMAC-SHA1 in X-Hub-Signature.
func (v *Verifier) verifyIntercom(r *http.Request, body []byte, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "intercom client secret not configured")
	}
	sig := r.Header.Get("X-Hub-Signature")
	if sig == "" {
		return fail(ReasonMissingSignature, "X-Hub-Signature header missing")
	}
	return checkPrefixedHex(sig, "sha1=", sha1.New, body, secret)
}

// verifyHubSpot checks hex HMAC-SHA256 of POST{host}{path}{rawBody}{ts}
// with a 300s tolerance. The timestamp header carries milliseconds.
func (v *Verifier) verifyHubSpot(r *http.Request, body []byte, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "hubspot client secret not configured")
	}
	sig := r.Header.Get("X-HubSpot-Signature")
	if sig == "" {
		return fail(ReasonMissingSignature, "X-HubSpot-Signature header missing")
	}
	tsRaw := r.Header.Get("X-HubSpot-Request-Timestamp")
	if tsRaw == "" {
		return fail(ReasonMissingTimestamp, "X-HubSpot-Request-Timestamp header missing")
	}
	ts, parsed := parseUnixTimestamp(tsRaw)
	if !parsed {
		return fail(ReasonInvalidSignatureFormat, "timestamp is not an integer")
	}
	if !v.withinTolerance(ts) {
		return fail(ReasonTimestampOutOfTolerance, "request timestamp outside tolerance window")
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return fail(ReasonInvalidSignatureFormat, "signature is not hex")
	}

	base := "POST" + r.Host + r.URL.Path + string(body) + tsRaw
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	if !macEqual(provided, mac.Sum(nil)) {
		return fail(ReasonSignatureMismatch, "computed signature does not match")
	}
	return ok()
}

// verifyRingCentral compares the validation token header.
func (v *Verifier) verifyRingCentral(r *http.Request, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "ringcentral verification token not configured")
	}
	token := r.Header.Get("Validation-Token")
	if token == "" {
		token = r.Header.Get("Verification-Token")
	}
	if token == "" {
		return fail(ReasonMissingSignature, "no Validation-Token or Verification-Token header")
	}
	if !tokenEqual(token, secret) {
		return fail(ReasonSignatureMismatch, "token does not match")
	}
	return ok()
}

// verifyPayPal: PayPal requires a verification call back to the vendor,
// which this service does not make. Deliveries are refused unless the
// deployment explicitly opted into unverified passthrough.
func (v *Verifier) verifyPayPal() VerifyResult {
	if v.allowInsecurePassthrough {
		return VerifyResult{OK: true, Detail: "accepted without verification (dev passthrough)"}
	}
	return fail(ReasonProviderNotRegistered, "paypal requires external verification, not supported")
}

// signatureEncoding selects how a vendor encodes the MAC.
type signatureEncoding int

const (
	encodingHex signatureEncoding = iota
	encodingBase64
)

// vendorScheme describes a provider that signs the raw body with a
// single HMAC header and no timestamp.
type vendorScheme struct {
	header   string
	algo     func() hash.Hash
	encoding signatureEncoding
	// prefix is stripped from the header value when present.
	prefix string
}

// vendorSchemes covers providers whose verification is a plain HMAC
// over the raw body. Keys are normalized provider ids.
var vendorSchemes = map[string]vendorScheme{
	"marketo":      {header: "X-Marketo-Signature", algo: sha256.New, encoding: encodingHex},
	"iterable":     {header: "X-Iterable-Signature", algo: sha256.New, encoding: encodingHex},
	"braze":        {header: "X-Braze-Signature", algo: sha256.New, encoding: encodingHex},
	"docusign":     {header: "X-DocuSign-Signature-1", algo: sha256.New, encoding: encodingBase64},
	"adobesign":    {header: "X-AdobeSign-Signature", algo: sha256.New, encoding: encodingHex},
	"hellosign":    {header: "X-HelloSign-Signature", algo: sha256.New, encoding: encodingHex},
	"calendly":     {header: "Calendly-Webhook-Signature", algo: sha256.New, encoding: encodingHex},
	"calcom":       {header: "X-Cal-Signature-256", algo: sha256.New, encoding: encodingHex},
	"webex":        {header: "X-Spark-Signature", algo: sha1.New, encoding: encodingHex},
	"square":       {header: "X-Square-Hmacsha256-Signature", algo: sha256.New, encoding: encodingBase64},
	"bigcommerce":  {header: "X-Bc-Webhook-Signature", algo: sha256.New, encoding: encodingBase64},
	"surveymonkey": {header: "Sm-Signature", algo: sha1.New, encoding: encodingBase64},
}

func (v *Verifier) verifyVendorHMAC(r *http.Request, body []byte, secret string, scheme vendorScheme) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "webhook secret not configured")
	}
	sig := r.Header.Get(scheme.header)
	if sig == "" {
		return fail(ReasonMissingSignature, scheme.header+" header missing")
	}
	if scheme.prefix != "" {
		if !strings.HasPrefix(sig, scheme.prefix) {
			return fail(ReasonInvalidSignatureFormat, "signature missing "+scheme.prefix+" prefix")
		}
		sig = strings.TrimPrefix(sig, scheme.prefix)
	}

	var provided []byte
	var err error
	switch scheme.encoding {
	case encodingBase64:
		provided, err = base64.StdEncoding.DecodeString(sig)
	default:
		provided, err = hex.DecodeString(sig)
	}
	if err != nil {
		return fail(ReasonInvalidSignatureFormat, "signature decoding failed")
	}

	mac := hmac.New(scheme.algo, []byte(secret))
	mac.Write(body)
	if !macEqual(provided, mac.Sum(nil)) {
		return fail(ReasonSignatureMismatch, "computed signature does not match")
	}
	return ok()
}

// genericSignatureHeaders are tried in order for providers without a
// registered scheme.
var genericSignatureHeaders = []string{"X-Signature", "X-Webhook-Signature", "X-Hub-Signature-256"}

// verifyGeneric is the fallback: hex HMAC-SHA256 over the raw body,
// with an optional sha256= prefix.
func (v *Verifier) verifyGeneric(r *http.Request, body []byte, secret string) VerifyResult {
	if secret == "" {
		return fail(ReasonMissingSecret, "webhook secret not configured")
	}
	var sig string
	for _, header := range genericSignatureHeaders {
		if sig = r.Header.Get(header); sig != "" {
			break
		}
	}
	if sig == "" {
		return fail(ReasonMissingSignature, "no recognized signature header")
	}
	sig = strings.TrimPrefix(sig, "sha256=")
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return fail(ReasonInvalidSignatureFormat, "signature is not hex")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !macEqual(provided, mac.Sum(nil)) {
		return fail(ReasonSignatureMismatch, "computed signature does not match")
	}
	return ok()
}

// checkPrefixedHex verifies a prefixed hex HMAC header value against
// the raw body.
func checkPrefixedHex(sig, prefix string, algo func() hash.Hash, body []byte, secret string) VerifyResult {
	if !strings.HasPrefix(sig, prefix) {
		return fail(ReasonInvalidSignatureFormat, "signature missing "+prefix+" prefix")
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(sig, prefix))
	if err != nil {
		return fail(ReasonInvalidSignatureFormat, "signature is not hex")
	}
	mac := hmac.New(algo, []byte(secret))
	mac.Write(body)
	if !macEqual(provided, mac.Sum(nil)) {
		return fail(ReasonSignatureMismatch, "computed signature does not match")
	}
	return ok()
}
