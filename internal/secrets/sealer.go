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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// argon2id parameters: time=3, memory=64MB, parallelism=4.
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLength   = 32

	gcmNonceSize = 12
	saltSize     = 16
)

// ErrSealedDataCorrupt is returned when an envelope cannot be decrypted,
// either because the master key is wrong or the data was tampered with.
var ErrSealedDataCorrupt = errors.New("cannot open sealed data: wrong master key or corrupted envelope")

// envelope is the serialized form of sealed data. The salt feeds the
// argon2id derivation so every envelope uses a distinct AES key.
type envelope struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// Sealer encrypts and decrypts credential blobs with keys derived from
// the master passphrase. Safe for concurrent use.
type Sealer struct {
	masterKey []byte
}

// NewSealer creates a sealer over the resolved master passphrase.
func NewSealer(masterKey []byte) *Sealer {
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Sealer{masterKey: key}
}

// Seal encrypts plaintext into a self-describing envelope.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(s.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := envelope{
		Salt:  salt,
		Nonce: nonce,
		Data:  gcm.Seal(nil, nonce, plaintext, nil),
	}
	return json.Marshal(sealed)
}

// Open decrypts an envelope produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope format: %w", err)
	}

	key := argon2.IDKey(s.masterKey, env.Salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Data, nil)
	if err != nil {
		return nil, ErrSealedDataCorrupt
	}
	return plaintext, nil
}

// SealCredentials serializes and seals a credential map.
func (s *Sealer) SealCredentials(credentials map[string]any) ([]byte, error) {
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	defer zeroBytes(plaintext)
	return s.Seal(plaintext)
}

// OpenCredentials unseals and deserializes a credential map.
func (s *Sealer) OpenCredentials(sealed []byte) (map[string]any, error) {
	plaintext, err := s.Open(sealed)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)

	var credentials map[string]any
	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		return nil, fmt.Errorf("invalid credential format: %w", err)
	}
	return credentials, nil
}

// zeroBytes securely zeros a byte slice.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
