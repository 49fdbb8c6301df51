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

package secrets

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestSealer_RoundTrip(t *testing.T) {
	sealer := NewSealer([]byte("test-master-key-123"))

	plaintext := []byte(`{"token":"xoxb-secret"}`)
	sealed, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if bytes.Contains(sealed, []byte("xoxb-secret")) {
		t.Error("sealed envelope contains plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %s, want %s", opened, plaintext)
	}
}

func TestSealer_DistinctEnvelopes(t *testing.T) {
	sealer := NewSealer([]byte("test-master-key-123"))

	a, err := sealer.Seal([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	b, err := sealer.Seal([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	// Random salt and nonce per envelope: identical plaintexts must not
	// produce identical ciphertexts.
	if bytes.Equal(a, b) {
		t.Error("two Seal() calls produced identical envelopes")
	}
}

func TestSealer_WrongKey(t *testing.T) {
	sealed, err := NewSealer([]byte("key-one")).Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	_, err = NewSealer([]byte("key-two")).Open(sealed)
	if !errors.Is(err, ErrSealedDataCorrupt) {
		t.Errorf("Open() with wrong key error = %v, want ErrSealedDataCorrupt", err)
	}
}

func TestSealer_TamperedEnvelope(t *testing.T) {
	sealer := NewSealer([]byte("test-master-key-123"))
	sealed, err := sealer.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	env.Data[0] ^= 0xff
	tampered, _ := json.Marshal(env)

	if _, err := sealer.Open(tampered); !errors.Is(err, ErrSealedDataCorrupt) {
		t.Errorf("Open() tampered error = %v, want ErrSealedDataCorrupt", err)
	}
}

func TestSealer_Credentials(t *testing.T) {
	sealer := NewSealer([]byte("test-master-key-123"))

	creds := map[string]any{
		"token":   "secret-token",
		"baseUrl": "https://api.example.com",
		"port":    float64(443),
	}

	sealed, err := sealer.SealCredentials(creds)
	if err != nil {
		t.Fatalf("SealCredentials() error = %v", err)
	}

	opened, err := sealer.OpenCredentials(sealed)
	if err != nil {
		t.Fatalf("OpenCredentials() error = %v", err)
	}

	if opened["token"] != "secret-token" {
		t.Errorf("token = %v, want secret-token", opened["token"])
	}
	if opened["port"] != float64(443) {
		t.Errorf("port = %v, want 443", opened["port"])
	}
}

func TestSealer_OpenGarbage(t *testing.T) {
	sealer := NewSealer([]byte("test-master-key-123"))

	if _, err := sealer.Open([]byte("not an envelope")); err == nil {
		t.Error("Open() on garbage succeeded, want error")
	}
}
