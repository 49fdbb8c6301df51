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
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestResolveMasterKey_ExplicitKeyWins(t *testing.T) {
	t.Setenv(EnvMasterKey, "from-env")

	key, err := ResolveMasterKey(Options{
		Provider:  "env",
		MasterKey: "explicit-key",
	})
	if err != nil {
		t.Fatalf("ResolveMasterKey() error = %v", err)
	}
	if string(key) != "explicit-key" {
		t.Errorf("key = %q, want explicit-key", key)
	}
}

func TestResolveMasterKey_EnvProvider(t *testing.T) {
	t.Setenv(EnvMasterKey, "env-master-key")

	key, err := ResolveMasterKey(Options{Provider: "env"})
	if err != nil {
		t.Fatalf("ResolveMasterKey() error = %v", err)
	}
	if string(key) != "env-master-key" {
		t.Errorf("key = %q, want env-master-key", key)
	}
}

func TestResolveMasterKey_EnvProviderMissing(t *testing.T) {
	t.Setenv(EnvMasterKey, "")

	_, err := ResolveMasterKey(Options{Provider: "env"})
	if !errors.Is(err, ErrNoMasterKey) {
		t.Errorf("ResolveMasterKey() error = %v, want ErrNoMasterKey", err)
	}
}

func TestResolveMasterKey_FileProvider(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission checks are not enforced on windows")
	}

	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte("file-master-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := ResolveMasterKey(Options{Provider: "file", MasterKeyFile: path})
	if err != nil {
		t.Fatalf("ResolveMasterKey() error = %v", err)
	}
	if string(key) != "file-master-key" {
		t.Errorf("key = %q, want file-master-key (trailing newline trimmed)", key)
	}
}

func TestResolveMasterKey_FileProviderLoosePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission checks are not enforced on windows")
	}

	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte("leaky"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := ResolveMasterKey(Options{Provider: "file", MasterKeyFile: path})
	if err == nil {
		t.Fatal("ResolveMasterKey() succeeded on world-readable key file, want error")
	}
}

func TestResolveMasterKey_FileProviderMissingPath(t *testing.T) {
	_, err := ResolveMasterKey(Options{Provider: "file"})
	if !errors.Is(err, ErrNoMasterKey) {
		t.Errorf("ResolveMasterKey() error = %v, want ErrNoMasterKey", err)
	}
}

func TestResolveMasterKey_UnknownProvider(t *testing.T) {
	_, err := ResolveMasterKey(Options{Provider: "vault"})
	if err == nil {
		t.Error("ResolveMasterKey() with unknown provider succeeded, want error")
	}
}

func TestResolveMasterKey_AutoPrefersEnv(t *testing.T) {
	t.Setenv(EnvMasterKey, "env-wins")

	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte("file-loses"), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := ResolveMasterKey(Options{Provider: "auto", MasterKeyFile: path})
	if err != nil {
		t.Fatalf("ResolveMasterKey() error = %v", err)
	}
	if string(key) != "env-wins" {
		t.Errorf("key = %q, want env-wins", key)
	}
}

func TestResolveMasterKey_AutoFallsBackToFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission checks are not enforced on windows")
	}
	t.Setenv(EnvMasterKey, "")

	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte("file-master-key"), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := ResolveMasterKey(Options{Provider: "auto", MasterKeyFile: path})
	if err != nil {
		t.Fatalf("ResolveMasterKey() error = %v", err)
	}
	if string(key) != "file-master-key" {
		t.Errorf("key = %q, want file-master-key", key)
	}
}

func TestIsKeyringUnavailable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("keyring is locked"), true},
		{errors.New("The name org.freedesktop.secrets was not provided by any .service files"), true},
		{errors.New("exec: \"dbus-launch\": executable file not found"), true},
		{errors.New("User interaction required"), true},
		{errors.New("secret not found in keyring"), false},
	}

	for _, tc := range cases {
		if got := isKeyringUnavailable(tc.err); got != tc.want {
			t.Errorf("isKeyringUnavailable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
