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
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

// DedupeRingCapacity bounds the per-trigger seen-event ring. Oldest
// tokens are evicted first.
const DedupeRingCapacity = 500

// EventHash computes the dedupe identity of a delivery:
// md5(workflowId|webhookId|triggerId|source|canonicalPayload).
// The canonical payload is the parsed body re-marshaled (Go sorts map
// keys, so equivalent JSON bodies hash identically regardless of key
// order); unparseable bodies use the raw bytes.
func EventHash(workflowID, webhookID, triggerID, source string, payload map[string]any, rawBody []byte) string {
	canonical := rawBody
	if payload != nil {
		if encoded, err := json.Marshal(payload); err == nil {
			canonical = encoded
		}
	}
	h := md5.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{'|'})
	h.Write([]byte(webhookID))
	h.Write([]byte{'|'})
	h.Write([]byte(triggerID))
	h.Write([]byte{'|'})
	h.Write([]byte(source))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// RingContains reports whether the token is already in the ring.
func RingContains(tokens []string, token string) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}

// RingAppend appends a token, evicting oldest entries past capacity.
func RingAppend(tokens []string, token string, capacity int) []string {
	tokens = append(tokens, token)
	if overflow := len(tokens) - capacity; overflow > 0 {
		tokens = tokens[overflow:]
	}
	return tokens
}
