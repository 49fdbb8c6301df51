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
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

var (
	// ErrNoMasterKey is returned when no provider can supply a master key.
	ErrNoMasterKey = errors.New("master key not available")

	// ErrProviderUnavailable is returned when a pinned provider cannot be
	// used in the current environment.
	ErrProviderUnavailable = errors.New("secrets provider unavailable")
)

// EnvMasterKey is the environment variable holding the master passphrase.
const EnvMasterKey = "SWITCHBOARD_MASTER_KEY"

// keyringUser is the keyring account name under which the master key is
// stored. The service name comes from configuration.
const keyringUser = "master-key"

// Options selects where the master key comes from.
type Options struct {
	// Provider pins a single source: "env", "file", "keyring", or "auto"
	// to try env, then file, then keyring.
	Provider string

	// MasterKey is a passphrase supplied directly by configuration. When
	// set it wins over every provider.
	MasterKey string

	// MasterKeyFile is the key file path for the file provider.
	MasterKeyFile string

	// KeyringService is the OS keyring service name.
	KeyringService string
}

// ResolveMasterKey resolves the master passphrase per the options. The
// caller owns the returned bytes and should zero them when done.
func ResolveMasterKey(opts Options) ([]byte, error) {
	if opts.MasterKey != "" {
		return []byte(opts.MasterKey), nil
	}

	switch opts.Provider {
	case "", "auto":
		if key, err := keyFromEnv(); err == nil {
			return key, nil
		}
		if opts.MasterKeyFile != "" {
			if key, err := keyFromFile(opts.MasterKeyFile); err == nil {
				return key, nil
			}
		}
		if key, err := keyFromKeyring(opts.KeyringService); err == nil {
			return key, nil
		}
		return nil, fmt.Errorf("%w: set %s, configure a key file, or store one in the OS keyring",
			ErrNoMasterKey, EnvMasterKey)
	case "env":
		return keyFromEnv()
	case "file":
		return keyFromFile(opts.MasterKeyFile)
	case "keyring":
		return keyFromKeyring(opts.KeyringService)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrProviderUnavailable, opts.Provider)
	}
}

// StoreMasterKey writes the master passphrase into the OS keyring so
// later daemon starts can resolve it without environment plumbing.
func StoreMasterKey(service string, key []byte) error {
	if service == "" {
		service = "switchboard"
	}
	if err := keyring.Set(service, keyringUser, string(key)); err != nil {
		if isKeyringUnavailable(err) {
			return fmt.Errorf("%w: %s", ErrProviderUnavailable, err.Error())
		}
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}

func keyFromEnv() ([]byte, error) {
	val := os.Getenv(EnvMasterKey)
	if val == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrNoMasterKey, EnvMasterKey)
	}
	return []byte(val), nil
}

func keyFromFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no master key file configured", ErrNoMasterKey)
	}
	if err := verifyKeyFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMasterKey, err.Error())
	}
	key := []byte(strings.TrimSpace(string(data)))
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: key file %s is empty", ErrNoMasterKey, path)
	}
	return key, nil
}

func keyFromKeyring(service string) ([]byte, error) {
	if service == "" {
		service = "switchboard"
	}
	val, err := keyring.Get(service, keyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w: no key stored in keyring service %q", ErrNoMasterKey, service)
		}
		if isKeyringUnavailable(err) {
			return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, err.Error())
		}
		return nil, fmt.Errorf("keyring error: %w", err)
	}
	return []byte(val), nil
}

// verifyKeyFilePermissions rejects key files readable by group or other,
// and symlinked key files.
func verifyKeyFilePermissions(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoMasterKey, err.Error())
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: key file %s is a symlink", ErrProviderUnavailable, path)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("%w: key file permissions too open (got %o, want 0600)", ErrProviderUnavailable, perm)
	}
	return nil
}

// isKeyringUnavailable matches error strings that indicate a locked or
// inaccessible keyring rather than a missing entry. Platforms disagree
// on error types here, so string matching is the portable check.
func isKeyringUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"locked",
		"cannot access",
		"permission denied",
		"failed to unlock",
		"user interaction required",
		"secret service",
		"dbus",
		"user canceled",
	} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
