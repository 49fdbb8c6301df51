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

/*
Package secrets resolves the master key and seals connection credentials.

Connection credentials are encrypted before they reach the persistence
store and decrypted only inside the credential resolver's call stack.
The encryption key is derived from a master passphrase resolved through
a priority-ordered chain of providers.

# Providers

The master key can come from three places:

	env     - SWITCHBOARD_MASTER_KEY environment variable
	file    - a key file with 0600 permissions
	keyring - the OS keyring (macOS Keychain, Linux Secret Service,
	          Windows Credential Manager)

ResolveMasterKey tries them in that order when the provider is "auto",
or pins a single provider when configured explicitly.

# Sealing

Sealer encrypts plaintext with AES-256-GCM. The AES key is derived per
envelope from the master passphrase and a random salt using argon2id,
so envelopes never share keys or nonces:

	sealer := secrets.NewSealer(masterKey)
	sealed, err := sealer.SealCredentials(map[string]any{"token": "..."})
	creds, err := sealer.OpenCredentials(sealed)

Decrypted plaintext must never be logged or serialized into previews.
*/
package secrets
